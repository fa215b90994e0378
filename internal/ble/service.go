package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAdapterInit wraps every failure to bring the peripheral up in Start.
var ErrAdapterInit = errors.New("ble: adapter init failed")

// ServiceOptions configures the pairing service behavior.
type ServiceOptions struct {
	// StopSettleDelay is waited out at the end of Stop. Releasing the
	// advertisement completes asynchronously in the adapter.
	StopSettleDelay time.Duration
	// Connected is optional.
	Connected ConnectedHandler
}

// DefaultServiceOptions returns sensible defaults.
func DefaultServiceOptions() ServiceOptions {
	return ServiceOptions{
		StopSettleDelay: 500 * time.Millisecond,
	}
}

// Service is the pairing peripheral session: Stopped -> Advertising -> Stopped.
type Service struct {
	peripheral Peripheral
	handler    WriteHandler
	slot       *NotifierSlot
	deviceID   string
	opts       ServiceOptions

	mu          sync.Mutex
	advertising bool
	ctx         context.Context // passed to write handlers; set by Start

	// notifying counts notifications in progress. The BlueZ backend raises
	// the characteristic's own write event from inside Notify.
	notifying atomic.Int32
}

// NewService creates a stopped pairing service. Replies produced by handler
// are expected to go through slot.
func NewService(p Peripheral, deviceID string, handler WriteHandler, slot *NotifierSlot, opts ServiceOptions) *Service {
	if opts.StopSettleDelay < 0 {
		opts.StopSettleDelay = 0
	}
	return &Service{
		peripheral: p,
		handler:    handler,
		slot:       slot,
		deviceID:   deviceID,
		opts:       opts,
		ctx:        context.Background(),
	}
}

// DeviceID returns the id advertised as local name.
func (s *Service) DeviceID() string {
	return s.deviceID
}

// Advertising reports whether the service is started.
func (s *Service) Advertising() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertising
}

// Start powers the adapter, advertises and registers the GATT service.
// It is a no-op when already advertising. On failure the service stays
// stopped and the error wraps ErrAdapterInit. ctx is handed to command
// handlers; cancelling it does not stop the service.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.advertising {
		return nil
	}

	if err := s.peripheral.Enable(); err != nil {
		return fmt.Errorf("%w: enable adapter: %w", ErrAdapterInit, err)
	}
	slog.Info("[BLE] adapter powered on", "device_id", s.deviceID)

	if err := s.peripheral.StartAdvertising(s.deviceID, ServiceUUID); err != nil {
		return fmt.Errorf("%w: advertise: %w", ErrAdapterInit, err)
	}
	slog.Info("[BLE] advertising", "service", ServiceUUID.String())

	err := s.peripheral.Register(ServiceUUID, CommandCharacteristic{
		UUID:        CommandCharUUID,
		OnWrite:     s.onWrite,
		OnSubscribe: s.onSubscribe,
	})
	if err != nil {
		if stopErr := s.peripheral.StopAdvertising(); stopErr != nil {
			slog.Warn("[BLE] failed to release advertisement after register error", "error", stopErr)
		}
		return fmt.Errorf("%w: register GATT service: %w", ErrAdapterInit, err)
	}
	slog.Info("[BLE] GATT service registered, awaiting writes")

	s.ctx = ctx
	s.advertising = true
	return nil
}

// Stop releases the advertisement and the GATT service, clears the current
// subscriber and waits for the settle delay. It is a no-op when stopped.
// Handlers already running are not cancelled.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.advertising {
		s.mu.Unlock()
		return nil
	}
	s.advertising = false

	var errs []error
	if err := s.peripheral.StopAdvertising(); err != nil {
		errs = append(errs, fmt.Errorf("ble: stop advertising: %w", err))
	}
	if err := s.peripheral.Unregister(); err != nil {
		errs = append(errs, fmt.Errorf("ble: unregister GATT service: %w", err))
	}
	s.mu.Unlock()

	// Outside s.mu: a Send holding the slot lock may re-enter onWrite.
	s.slot.Clear()

	time.Sleep(s.opts.StopSettleDelay)
	slog.Info("[BLE] stopped")
	return errors.Join(errs...)
}

// onWrite dispatches every write as its own goroutine. Writes raised while
// a notification is in flight are the notification echoing back and are
// dropped; a central write landing in that window is dropped with them.
func (s *Service) onWrite(data []byte) {
	if s.notifying.Load() > 0 {
		slog.Debug("[BLE] dropping write raised by own notification", "bytes", len(data))
		return
	}

	s.mu.Lock()
	active := s.advertising
	ctx := s.ctx
	s.mu.Unlock()

	if !active {
		slog.Debug("[BLE] write after stop ignored", "bytes", len(data))
		return
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	slog.Debug("[BLE] received write", "bytes", len(buf))
	go s.handler.HandleWrite(ctx, buf)
}

func (s *Service) onSubscribe(n Notifier) {
	s.slot.Set(&echoGuardNotifier{Notifier: n, notifying: &s.notifying})
	slog.Info("[BLE] central subscribed")
	if s.opts.Connected != nil {
		s.opts.Connected.OnCentralConnected()
	}
}

// echoGuardNotifier marks its Notify calls so onWrite can drop their echo.
type echoGuardNotifier struct {
	Notifier
	notifying *atomic.Int32
}

func (n *echoGuardNotifier) Notify(data []byte) error {
	n.notifying.Add(1)
	defer n.notifying.Add(-1)
	return n.Notifier.Notify(data)
}
