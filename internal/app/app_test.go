package app

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/feral-file/feral-setupd/internal/ble"
	"github.com/feral-file/feral-setupd/internal/ble/protocol"
	"github.com/feral-file/feral-setupd/internal/signalbus"
	"github.com/feral-file/feral-setupd/internal/state"
	"github.com/feral-file/feral-setupd/internal/wifi"
)

const (
	testDeviceID = "FF-X1-ABCD1234"
	testDaily    = "https://daily.example"
	testQRPrefix = "file:///qr?device_id="
)

type fakePeripheral struct {
	mu          sync.Mutex
	enableErr   error
	enables     int
	registers   int
	unregisters int
	char        *ble.CommandCharacteristic
}

func (p *fakePeripheral) Enable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enables++
	return p.enableErr
}

func (p *fakePeripheral) StartAdvertising(string, uuid.UUID) error { return nil }
func (p *fakePeripheral) StopAdvertising() error                  { return nil }

func (p *fakePeripheral) Register(_ uuid.UUID, char ble.CommandCharacteristic) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registers++
	p.char = &char
	return nil
}

func (p *fakePeripheral) Unregister() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unregisters++
	p.char = nil
	return nil
}

func (p *fakePeripheral) characteristic() *ble.CommandCharacteristic {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.char
}

func (p *fakePeripheral) counts() (enables, registers, unregisters int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enables, p.registers, p.unregisters
}

type recordingNotifier struct {
	ch chan []byte
}

func (n *recordingNotifier) Notify(data []byte) error {
	n.ch <- data
	return nil
}

type fakeNavigator struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (n *fakeNavigator) Navigate(_ context.Context, url string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.urls = append(n.urls, url)
	return n.err
}

func (n *fakeNavigator) visited() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.urls...)
}

func (n *fakeNavigator) waitFor(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, u := range n.visited() {
			if u == url {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never navigated to %q, visited %v", url, n.visited())
}

type fakeSub struct {
	target signalbus.Target
	ch     chan signalbus.Signal
}

func (s *fakeSub) C() <-chan signalbus.Signal { return s.ch }

// fakeBus delivers every emitted signal to subscribers of the same target.
type fakeBus struct {
	mu         sync.Mutex
	subs       map[*fakeSub]bool
	subscribed chan signalbus.Target
	onEmit     func(t signalbus.Target, body []interface{})
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		subs:       make(map[*fakeSub]bool),
		subscribed: make(chan signalbus.Target, 64),
	}
}

func (b *fakeBus) Subscribe(t signalbus.Target) (signalbus.Subscription, error) {
	s := &fakeSub{target: t, ch: make(chan signalbus.Signal, 16)}
	b.mu.Lock()
	b.subs[s] = true
	b.mu.Unlock()
	select {
	case b.subscribed <- t:
	default:
	}
	return &fakeSubHandle{fakeSub: s, bus: b}, nil
}

type fakeSubHandle struct {
	*fakeSub
	bus *fakeBus
}

func (h *fakeSubHandle) Close() error {
	h.bus.mu.Lock()
	delete(h.bus.subs, h.fakeSub)
	h.bus.mu.Unlock()
	return nil
}

func (b *fakeBus) Emit(t signalbus.Target, body ...interface{}) error {
	b.mu.Lock()
	for s := range b.subs {
		if s.target == t {
			select {
			case s.ch <- signalbus.Signal{Target: t, Body: body}:
			default:
			}
		}
	}
	hook := b.onEmit
	b.mu.Unlock()
	if hook != nil {
		hook(t, body)
	}
	return nil
}

func (b *fakeBus) waitSubscribed(t *testing.T, target signalbus.Target) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-b.subscribed:
			if got == target {
				return
			}
		case <-timeout:
			t.Fatalf("no subscription to %s", target)
		}
	}
}

type fakeConnector struct {
	calls atomic.Int32
	err   error
}

func (c *fakeConnector) Connect(context.Context, string, string) error {
	c.calls.Add(1)
	return c.err
}

type fakeScanner struct{}

func (fakeScanner) Scan(context.Context) ([]string, error) { return []string{"HomeNet", "Guest"}, nil }

// echoNotifier raises the characteristic's write event with every
// notification before recording it, the way the BlueZ backend does.
type echoNotifier struct {
	char *ble.CommandCharacteristic
	ch   chan []byte
}

func (n *echoNotifier) Notify(data []byte) error {
	n.char.OnWrite(data)
	n.ch <- data
	return nil
}

type fakeClock struct{}

func (fakeClock) SetTime(context.Context, string, string) error { return nil }

type countingWatchdog struct {
	pings atomic.Int32
}

func (w *countingWatchdog) Ping() error {
	w.pings.Add(1)
	return nil
}

type fixture struct {
	app        *App
	connector  *fakeConnector
	peripheral *fakePeripheral
	nav        *fakeNavigator
	bus        *fakeBus
	store      *state.Store
	storePath  string
}

func newFixture(t *testing.T, seed map[string]string) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "setupd")
	store, err := state.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(seed) > 0 {
		if err := store.SetMany(seed); err != nil {
			t.Fatal(err)
		}
	}

	f := &fixture{
		connector:  &fakeConnector{},
		peripheral: &fakePeripheral{},
		nav:        &fakeNavigator{},
		bus:        newFakeBus(),
		store:      store,
		storePath:  path,
	}
	f.app = New(Deps{
		Peripheral: f.peripheral,
		DeviceID:   testDeviceID,
		Store:      store,
		Kiosk:      f.nav,
		Scanner:    fakeScanner{},
		Wifi:       f.connector,
		Clock:      fakeClock{},
		Bus:        f.bus,
	}, Options{
		DailyURL:        testDaily,
		QRCodeURLPrefix: testQRPrefix,
		Cache:           wifi.DefaultCacheOptions(),
		SignalBus: signalbus.Options{
			AckTimeout:     50 * time.Millisecond,
			MaxRetries:     2,
			ReceiveTimeout: 500 * time.Millisecond,
			ListenInterval: 10 * time.Millisecond,
		},
	})
	return f
}

func TestStartUnpairedShowsQRCode(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.app.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !f.app.Service().Advertising() {
		t.Error("pairing service not advertising")
	}
	want := []string{testQRPrefix + testDeviceID}
	if got := f.nav.visited(); !reflect.DeepEqual(got, want) {
		t.Errorf("visited = %v, want %v", got, want)
	}
}

func TestStartPairedShowsDaily(t *testing.T) {
	f := newFixture(t, map[string]string{state.KeyTopicID: "topic-1"})

	if err := f.app.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if enables, _, _ := f.peripheral.counts(); enables != 0 {
		t.Errorf("adapter enabled %d times for a paired device", enables)
	}
	if got := f.nav.visited(); !reflect.DeepEqual(got, []string{testDaily}) {
		t.Errorf("visited = %v, want daily", got)
	}
}

func TestStartAdapterFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.peripheral.enableErr = errors.New("no adapter")

	err := f.app.Start(context.Background())
	if !errors.Is(err, ble.ErrAdapterInit) {
		t.Fatalf("Start() error = %v, want ErrAdapterInit", err)
	}
	if got := f.nav.visited(); len(got) != 0 {
		t.Errorf("visited = %v, want nothing", got)
	}
}

func TestStartNavigationFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.nav.err = errors.New("no browser")

	if err := f.app.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func TestOnWifiConnectedPersistsAndShowsDaily(t *testing.T) {
	f := newFixture(t, nil)

	f.app.OnWifiConnected(context.Background(), "topic-1", "loc-1")

	reloaded, err := state.Open(f.storePath)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := reloaded.Get(state.KeyTopicID); v != "topic-1" {
		t.Errorf("topic_id = %q, want topic-1", v)
	}
	if v, _ := reloaded.Get(state.KeyLocationID); v != "loc-1" {
		t.Errorf("location_id = %q, want loc-1", v)
	}
	if got := f.nav.visited(); !reflect.DeepEqual(got, []string{testDaily}) {
		t.Errorf("visited = %v, want daily", got)
	}
}

func TestOnWifiConnectedWithoutLocation(t *testing.T) {
	f := newFixture(t, map[string]string{state.KeyLocationID: "old"})

	f.app.OnWifiConnected(context.Background(), "topic-2", "")

	if v, _ := f.store.Get(state.KeyTopicID); v != "topic-2" {
		t.Errorf("topic_id = %q, want topic-2", v)
	}
	if v, _ := f.store.Get(state.KeyLocationID); v != "old" {
		t.Errorf("location_id = %q, want it untouched", v)
	}
}

func TestInfo(t *testing.T) {
	f := newFixture(t, nil)
	if got := f.app.Info(); len(got) != 0 {
		t.Errorf("Info() = %v, want empty", got)
	}
	if err := f.store.Set(state.KeyTopicID, "topic-1"); err != nil {
		t.Fatal(err)
	}
	if got := f.app.Info(); !reflect.DeepEqual(got, []string{"topic-1"}) {
		t.Errorf("Info() = %v, want [topic-1]", got)
	}
}

func TestOnCentralConnected(t *testing.T) {
	f := newFixture(t, nil)
	if !f.app.LastConnected().IsZero() {
		t.Fatal("LastConnected() should be zero before any central")
	}
	before := time.Now()
	f.app.OnCentralConnected()
	if got := f.app.LastConnected(); got.Before(before) {
		t.Errorf("LastConnected() = %v, want after %v", got, before)
	}
}

func TestParseShowFlag(t *testing.T) {
	tests := []struct {
		name    string
		body    []interface{}
		want    bool
		wantErr bool
	}{
		{"bool true", []interface{}{true}, true, false},
		{"bool false", []interface{}{false}, false, false},
		{"string true", []interface{}{"true"}, true, false},
		{"string false", []interface{}{"false"}, false, false},
		{"empty", nil, false, true},
		{"other string", []interface{}{"yes"}, false, true},
		{"number", []interface{}{int32(1)}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseShowFlag(tt.body)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseShowFlag() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseShowFlag() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleShowPairingQRCode(t *testing.T) {
	f := newFixture(t, map[string]string{state.KeyTopicID: "topic-1"})
	ctx := context.Background()

	f.app.handleShowPairingQRCode(ctx, signalbus.Signal{Target: signalbus.ShowPairingQRCode, Body: []interface{}{true}})
	if !f.app.Service().Advertising() {
		t.Fatal("show=true should start pairing")
	}

	f.app.handleShowPairingQRCode(ctx, signalbus.Signal{Target: signalbus.ShowPairingQRCode, Body: []interface{}{"false"}})
	if f.app.Service().Advertising() {
		t.Fatal("show=false should stop pairing")
	}

	want := []string{testQRPrefix + testDeviceID, testDaily}
	if got := f.nav.visited(); !reflect.DeepEqual(got, want) {
		t.Errorf("visited = %v, want %v", got, want)
	}
}

func TestHandleShowPairingQRCodeStartFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.peripheral.enableErr = errors.New("no adapter")

	f.app.handleShowPairingQRCode(context.Background(), signalbus.Signal{Body: []interface{}{true}})
	if got := f.nav.visited(); len(got) != 0 {
		t.Errorf("visited = %v, want no QR code without pairing", got)
	}
}

func TestRunHandlesPairingQRSignal(t *testing.T) {
	f := newFixture(t, map[string]string{state.KeyTopicID: "topic-1"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()
	f.bus.waitSubscribed(t, signalbus.ShowPairingQRCode)

	if err := f.bus.Emit(signalbus.ShowPairingQRCode, true); err != nil {
		t.Fatal(err)
	}
	f.nav.waitFor(t, testQRPrefix+testDeviceID)
	if !f.app.Service().Advertising() {
		t.Error("pairing service not started by signal")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if f.app.Service().Advertising() {
		t.Error("pairing service still advertising after Run returned")
	}
}

func TestRunReturnsOnShutdown(t *testing.T) {
	for _, watchdog := range []bool{false, true} {
		f := newFixture(t, nil)
		if watchdog {
			f.app.watchdog = &countingWatchdog{}
			f.app.opts.WatchdogInterval = 5 * time.Millisecond
		}

		done := make(chan error, 1)
		go func() { done <- f.app.Run(context.Background()) }()
		f.bus.waitSubscribed(t, signalbus.ShowPairingQRCode)

		f.app.Shutdown()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("watchdog=%v: Run() error = %v", watchdog, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("watchdog=%v: Run() did not return after Shutdown", watchdog)
		}
	}
}

func TestRunPingsWatchdog(t *testing.T) {
	f := newFixture(t, nil)
	wd := &countingWatchdog{}
	f.app.watchdog = wd
	f.app.opts.WatchdogInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for wd.pings.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if n := wd.pings.Load(); n < 2 {
		t.Errorf("pings = %d, want at least 2", n)
	}
}

// TestConnectWifiEndToEnd drives a connect_wifi write from the characteristic
// through the relay exchange to the reply notification.
func TestConnectWifiEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	f.bus.onEmit = func(target signalbus.Target, _ []interface{}) {
		if target != signalbus.WifiConnected {
			return
		}
		go func() {
			_ = f.bus.Emit(signalbus.WifiConnected.Ack(), "")
			_ = f.bus.Emit(signalbus.RelayerConfigured, "loc-9", "topic-9")
		}()
	}

	if err := f.app.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	char := f.peripheral.characteristic()
	if char == nil {
		t.Fatal("characteristic not registered")
	}

	n := &recordingNotifier{ch: make(chan []byte, 1)}
	char.OnSubscribe(n)
	char.OnWrite(protocol.EncodePayload([]string{protocol.CmdConnectWifi, "r1", "home", "secret"}))

	select {
	case got := <-n.ch:
		want := protocol.EncodeReply("r1", protocol.StatusSuccess, "topic-9")
		if !reflect.DeepEqual(got, want) {
			t.Errorf("reply = %x, want %x", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reply to connect_wifi")
	}

	if v, _ := f.store.Get(state.KeyTopicID); v != "topic-9" {
		t.Errorf("topic_id = %q, want topic-9", v)
	}
	if v, _ := f.store.Get(state.KeyLocationID); v != "loc-9" {
		t.Errorf("location_id = %q, want loc-9", v)
	}
	f.nav.waitFor(t, testDaily)
	if f.app.LastConnected().IsZero() {
		t.Error("subscribe did not record the central connection")
	}
}

func TestReplyEchoIsNotDispatched(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.app.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	char := f.peripheral.characteristic()
	if char == nil {
		t.Fatal("characteristic not registered")
	}

	n := &echoNotifier{char: char, ch: make(chan []byte, 4)}
	char.OnSubscribe(n)
	// A reply id that is also a command name.
	char.OnWrite(protocol.EncodePayload([]string{protocol.CmdScanWifi, protocol.CmdConnectWifi}))

	select {
	case got := <-n.ch:
		want := protocol.EncodeReply(protocol.CmdConnectWifi, protocol.StatusSuccess, "HomeNet", "Guest")
		if !reflect.DeepEqual(got, want) {
			t.Errorf("reply = %x, want %x", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply to scan_wifi")
	}

	time.Sleep(50 * time.Millisecond)
	if calls := f.connector.calls.Load(); calls != 0 {
		t.Errorf("echoed scan_wifi reply triggered %d Wi-Fi connects", calls)
	}
	select {
	case extra := <-n.ch:
		t.Errorf("unexpected extra notification %x", extra)
	default:
	}
}
