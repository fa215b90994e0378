// Package signalbus layers acknowledged request/response exchanges on top of
// one-way D-Bus signals shared with the connection daemon.
//
// Every signal M is confirmed by a signal M_ack on the same object path and
// interface. Senders subscribe to the ack before emitting and resend until it
// arrives or the attempt budget runs out. Receivers ack every match.
package signalbus

import "strings"

// Object paths and interfaces of the two daemons.
const (
	SetupdPath        = "/com/feralfile/setupd"
	SetupdInterface   = "com.feralfile.setupd.general"
	ConnectdPath      = "/com/feralfile/connectd"
	ConnectdInterface = "com.feralfile.connectd.general"
)

// Event members.
const (
	EventWifiConnected     = "wifi_connected"
	EventRelayerConfigured = "relayer_configured"
	EventShowPairingQRCode = "show_pairing_qr_code"
)

// AckSuffix is appended to a member to name its ack.
const AckSuffix = "_ack"

// Target addresses a signal on the bus.
type Target struct {
	Path      string
	Interface string
	Member    string
}

// Well-known targets.
var (
	// WifiConnected is emitted by setupd once the device joined a network.
	WifiConnected = Target{SetupdPath, SetupdInterface, EventWifiConnected}
	// RelayerConfigured is emitted by connectd with the relay location and topic.
	RelayerConfigured = Target{ConnectdPath, ConnectdInterface, EventRelayerConfigured}
	// ShowPairingQRCode is emitted by connectd with a boolean.
	ShowPairingQRCode = Target{ConnectdPath, ConnectdInterface, EventShowPairingQRCode}
)

// Ack returns the target of the ack signal for t.
func (t Target) Ack() Target {
	return Target{Path: t.Path, Interface: t.Interface, Member: t.Member + AckSuffix}
}

// IsAck reports whether t names an ack signal.
func (t Target) IsAck() bool {
	return strings.HasSuffix(t.Member, AckSuffix)
}

// Name returns the D-Bus signal name, "interface.member".
func (t Target) Name() string {
	return t.Interface + "." + t.Member
}

func (t Target) String() string {
	return t.Path + " " + t.Name()
}

// Signal is a received signal.
type Signal struct {
	Target
	Body []interface{}
}

// Matches reports whether s is addressed to t.
func (s Signal) Matches(t Target) bool {
	return s.Path == t.Path && s.Member == t.Member &&
		(t.Interface == "" || s.Interface == t.Interface)
}

// splitName splits "interface.member" at the last dot.
func splitName(name string) (iface, member string, ok bool) {
	i := strings.LastIndex(name, ".")
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// Subscription delivers signals after Bus.Subscribe. The channel may carry
// signals other than the subscribed one; consumers filter.
type Subscription interface {
	C() <-chan Signal
	Close() error
}

// Bus is a one-way, possibly lossy signal transport.
type Bus interface {
	// Subscribe starts delivery of signals matching t.
	Subscribe(t Target) (Subscription, error)
	// Emit broadcasts a signal.
	Emit(t Target, body ...interface{}) error
}
