package app

import (
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Systemd reports daemon state over NOTIFY_SOCKET. Outside a notify-type
// unit every call is a no-op.
type Systemd struct{}

// Ready sends READY=1.
func (Systemd) Ready() {
	notify(daemon.SdNotifyReady)
}

// Stopping sends STOPPING=1.
func (Systemd) Stopping() {
	notify(daemon.SdNotifyStopping)
}

// Ping sends WATCHDOG=1.
func (Systemd) Ping() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
	return err
}

// WatchdogInterval returns configured when positive. Otherwise it derives
// half of the unit's WatchdogSec, or 0 when the watchdog is off.
func WatchdogInterval(configured time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	timeout, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		slog.Warn("[APP] invalid watchdog environment", "error", err)
		return 0
	}
	return timeout / 2
}

func notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		slog.Warn("[APP] systemd notify failed", "state", state, "error", err)
	case !sent:
		slog.Debug("[APP] systemd notify unsupported", "state", state)
	}
}

var _ Watchdog = Systemd{}
