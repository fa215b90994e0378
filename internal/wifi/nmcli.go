package wifi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ErrConnectFailed is wrapped by every ConnectError.
var ErrConnectFailed = errors.New("wifi: connect failed")

// ConnectError carries the output of a failed connect so callers can tell
// credential problems apart from other failures.
type ConnectError struct {
	SSID   string
	Output string
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("wifi: connect to %q: %v", e.SSID, e.Err)
	}
	return fmt.Sprintf("wifi: connect to %q: %v: %s", e.SSID, e.Err, e.Output)
}

func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnectFailed, e.Err}
}

// runFunc executes a command and returns its combined output.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// NMCLI scans and joins networks with NetworkManager's command line tool.
type NMCLI struct {
	path     string
	maxSSIDs int
	run      runFunc
}

// NewNMCLI creates a collaborator invoking the nmcli binary at path.
// Scan results are capped at maxSSIDs.
func NewNMCLI(path string, maxSSIDs int) *NMCLI {
	if path == "" {
		path = "nmcli"
	}
	return &NMCLI{path: path, maxSSIDs: maxSSIDs, run: execRun}
}

// Scan lists visible networks in the order nmcli reports them.
func (n *NMCLI) Scan(ctx context.Context) ([]string, error) {
	out, err := n.run(ctx, n.path, "-t", "-f", "SSID", "device", "wifi", "list")
	if err != nil {
		return nil, fmt.Errorf("wifi: nmcli scan: %w", err)
	}
	ssids := ParseSSIDs(string(out), n.maxSSIDs)
	slog.Info("[WIFI] scan complete", "ssids", len(ssids))
	return ssids, nil
}

// Connect joins ssid. An existing profile with the same name is removed
// first; nmcli otherwise reuses stale secrets from it.
func (n *NMCLI) Connect(ctx context.Context, ssid, password string) error {
	if out, err := n.run(ctx, n.path, "connection", "delete", ssid); err != nil {
		slog.Debug("[WIFI] no existing profile deleted", "ssid", ssid, "error", err, "output", strings.TrimSpace(string(out)))
	}

	slog.Info("[WIFI] connecting", "ssid", ssid)
	out, err := n.run(ctx, n.path, "device", "wifi", "connect", ssid, "password", password)
	if err != nil {
		return &ConnectError{SSID: ssid, Output: strings.TrimSpace(string(out)), Err: err}
	}
	slog.Info("[WIFI] connected", "ssid", ssid)
	return nil
}

// ParseSSIDs parses terse nmcli SSID output: one name per line, escaped
// colons and backslashes undone, blanks dropped, duplicates removed keeping
// first-seen order, at most max entries (no cap when max <= 0).
func ParseSSIDs(out string, max int) []string {
	ssids := []string{}
	seen := make(map[string]struct{})
	for _, line := range strings.Split(out, "\n") {
		ssid := unescapeTerse(strings.TrimRight(line, "\r"))
		if ssid == "" {
			continue
		}
		if _, ok := seen[ssid]; ok {
			continue
		}
		seen[ssid] = struct{}{}
		ssids = append(ssids, ssid)
		if max > 0 && len(ssids) >= max {
			break
		}
	}
	return ssids
}

func unescapeTerse(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && (s[i+1] == ':' || s[i+1] == '\\') {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
