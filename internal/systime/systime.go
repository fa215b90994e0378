// Package systime sets the system timezone and clock with timedatectl.
package systime

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrInvalidArgument is returned for an empty timezone or time.
var ErrInvalidArgument = errors.New("systime: invalid argument")

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Timedatectl applies time settings through systemd-timedated.
type Timedatectl struct {
	path string
	run  runFunc
}

// New creates a setter invoking timedatectl from PATH.
func New() *Timedatectl {
	return &Timedatectl{path: "timedatectl", run: execRun}
}

// SetTime sets the timezone, then the wall-clock time. value is passed to
// timedatectl unchanged, e.g. "2026-01-02 15:04:05". NTP sync is paused
// around set-time and turned back on afterwards, also when set-time fails.
func (t *Timedatectl) SetTime(ctx context.Context, timezone, value string) error {
	if strings.TrimSpace(timezone) == "" || strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: timezone=%q time=%q", ErrInvalidArgument, timezone, value)
	}
	if out, err := t.run(ctx, t.path, "set-timezone", timezone); err != nil {
		return fmt.Errorf("systime: set timezone %q: %w: %s", timezone, err, strings.TrimSpace(string(out)))
	}
	// set-time fails while NTP sync is active.
	if out, err := t.run(ctx, t.path, "set-ntp", "false"); err != nil {
		return fmt.Errorf("systime: disable ntp: %w: %s", err, strings.TrimSpace(string(out)))
	}
	var setErr error
	if out, err := t.run(ctx, t.path, "set-time", value); err != nil {
		setErr = fmt.Errorf("systime: set time %q: %w: %s", value, err, strings.TrimSpace(string(out)))
	}
	if out, err := t.run(ctx, t.path, "set-ntp", "true"); err != nil {
		return errors.Join(setErr, fmt.Errorf("systime: enable ntp: %w: %s", err, strings.TrimSpace(string(out))))
	}
	return setErr
}
