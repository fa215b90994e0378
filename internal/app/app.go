// Package app wires the pairing daemon together. One App is built at startup
// and owns the scan cache, the app cache, the pairing service and the bus
// client; every component gets what it needs from it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/feral-file/feral-setupd/internal/ble"
	"github.com/feral-file/feral-setupd/internal/command"
	"github.com/feral-file/feral-setupd/internal/signalbus"
	"github.com/feral-file/feral-setupd/internal/state"
	"github.com/feral-file/feral-setupd/internal/wifi"
)

// Navigator points the kiosk display at a URL.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

// Watchdog is pinged periodically while the daemon runs.
type Watchdog interface {
	Ping() error
}

// Deps are the external collaborators.
type Deps struct {
	Peripheral ble.Peripheral
	DeviceID   string
	Store      *state.Store
	Kiosk      Navigator
	Scanner    wifi.Scanner
	Wifi       command.WifiConnector
	Clock      command.TimeSetter
	Bus        signalbus.Bus
	Watchdog   Watchdog // optional
}

// Options holds the process-wide settings.
type Options struct {
	DailyURL         string
	QRCodeURLPrefix  string
	StopSettleDelay  time.Duration
	Cache            wifi.CacheOptions
	SignalBus        signalbus.Options
	WatchdogInterval time.Duration // 0 disables pings
}

// App is the daemon context object.
type App struct {
	opts     Options
	store    *state.Store
	kiosk    Navigator
	watchdog Watchdog

	slot    *ble.NotifierSlot
	cache   *wifi.ScanCache
	client  *signalbus.Client
	service *ble.Service

	stop atomic.Bool

	mu            sync.Mutex
	lastConnected time.Time
}

// New builds the context object and every internal component.
func New(deps Deps, opts Options) *App {
	a := &App{
		opts:     opts,
		store:    deps.Store,
		kiosk:    deps.Kiosk,
		watchdog: deps.Watchdog,
		slot:     &ble.NotifierSlot{},
		cache:    wifi.NewScanCache(deps.Scanner, opts.Cache),
		client:   signalbus.NewClient(deps.Bus, opts.SignalBus),
	}

	dispatcher := command.NewDispatcher(a.slot, command.Deps{
		Scanner:       a.cache,
		Wifi:          deps.Wifi,
		Topics:        signalbus.NewRelayClient(a.client),
		Clock:         deps.Clock,
		WifiConnected: a,
		Info:          a,
	})
	a.service = ble.NewService(deps.Peripheral, deps.DeviceID, dispatcher, a.slot, ble.ServiceOptions{
		StopSettleDelay: opts.StopSettleDelay,
		Connected:       a,
	})
	return a
}

// Service returns the pairing service.
func (a *App) Service() *ble.Service {
	return a.service
}

// Start runs the startup flow. A device that already holds a topic goes to
// the daily page; otherwise pairing starts and the QR code is shown. Only a
// pairing service failure is returned.
func (a *App) Start(ctx context.Context) error {
	if topic, ok := a.store.Get(state.KeyTopicID); ok && topic != "" {
		slog.Info("[APP] already paired, showing daily", "topic_id", topic)
		a.navigate(ctx, a.opts.DailyURL)
		return nil
	}

	if err := a.service.Start(ctx); err != nil {
		return fmt.Errorf("app: start pairing: %w", err)
	}
	a.navigate(ctx, a.qrCodeURL())
	return nil
}

// Run listens for pairing QR toggles and pings the watchdog until ctx is
// done or Shutdown is called. The pairing service is stopped on return.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.service.Stop(); err != nil {
			slog.Warn("[APP] failed to stop pairing service", "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// The listener returns nil on Shutdown; the watchdog must follow it.
		defer cancel()
		return a.client.Listen(gctx, signalbus.ShowPairingQRCode, &a.stop, func(sig signalbus.Signal) {
			a.handleShowPairingQRCode(gctx, sig)
		})
	})
	if a.watchdog != nil && a.opts.WatchdogInterval > 0 {
		g.Go(func() error {
			a.runWatchdog(gctx)
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown makes the listener return at its next wake-up.
func (a *App) Shutdown() {
	a.stop.Store(true)
}

// OnWifiConnected persists the relay identifiers and shows the daily page.
func (a *App) OnWifiConnected(ctx context.Context, topicID, locationID string) {
	kv := map[string]string{state.KeyTopicID: topicID}
	if locationID != "" {
		kv[state.KeyLocationID] = locationID
	}
	if err := a.store.SetMany(kv); err != nil {
		slog.Error("[APP] failed to save relay topic", "error", err)
	}
	a.navigate(ctx, a.opts.DailyURL)
}

// Info returns [topic_id] when paired.
func (a *App) Info() []string {
	if topic, ok := a.store.Get(state.KeyTopicID); ok && topic != "" {
		return []string{topic}
	}
	return nil
}

// OnCentralConnected records the time a central last subscribed.
func (a *App) OnCentralConnected() {
	a.mu.Lock()
	a.lastConnected = time.Now()
	a.mu.Unlock()
	slog.Info("[APP] central connected")
}

// LastConnected returns when a central last subscribed, zero if never.
func (a *App) LastConnected() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastConnected
}

func (a *App) handleShowPairingQRCode(ctx context.Context, sig signalbus.Signal) {
	show, err := ParseShowFlag(sig.Body)
	if err != nil {
		slog.Warn("[APP] ignoring pairing QR signal", "error", err)
		return
	}
	slog.Info("[APP] pairing QR toggled", "show", show)

	if !show {
		if err := a.service.Stop(); err != nil {
			slog.Warn("[APP] failed to stop pairing service", "error", err)
		}
		a.navigate(ctx, a.opts.DailyURL)
		return
	}

	if err := a.service.Start(ctx); err != nil {
		slog.Error("[APP] failed to start pairing service", "error", err)
		return
	}
	a.navigate(ctx, a.qrCodeURL())
}

func (a *App) runWatchdog(ctx context.Context) {
	ticker := time.NewTicker(a.opts.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.watchdog.Ping(); err != nil {
				slog.Warn("[APP] watchdog ping failed", "error", err)
			}
		}
	}
}

func (a *App) qrCodeURL() string {
	return a.opts.QRCodeURLPrefix + a.service.DeviceID()
}

func (a *App) navigate(ctx context.Context, url string) {
	if err := a.kiosk.Navigate(ctx, url); err != nil {
		slog.Error("[KIOSK] navigation failed", "url", url, "error", err)
	}
}

// ParseShowFlag reads the boolean of a show_pairing_qr_code body. Senders
// use either a boolean or the strings "true" and "false".
func ParseShowFlag(body []interface{}) (bool, error) {
	if len(body) == 0 {
		return false, errors.New("app: empty show flag")
	}
	switch v := body[0].(type) {
	case bool:
		return v, nil
	case string:
		switch v {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return false, fmt.Errorf("app: unexpected show flag %v (%T)", body[0], body[0])
}

var (
	_ command.WifiConnectedHandler = (*App)(nil)
	_ command.InfoProvider         = (*App)(nil)
	_ ble.ConnectedHandler         = (*App)(nil)
)
