package ble

import (
	"log/slog"
	"sync"
)

// NotifierSlot holds the notifier of the current subscriber. The most recent
// subscriber wins; there is at most one. Sends are serialized.
type NotifierSlot struct {
	mu       sync.Mutex
	notifier Notifier
}

// Set replaces the current notifier unconditionally. A nil n clears the slot.
func (s *NotifierSlot) Set(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Clear drops the current notifier.
func (s *NotifierSlot) Clear() {
	s.Set(nil)
}

// Send delivers data to the current subscriber. With no subscriber, or when
// delivery fails, the reply is logged and dropped.
func (s *NotifierSlot) Send(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.notifier == nil {
		slog.Warn("[BLE] no subscriber, dropping reply", "bytes", len(data))
		return
	}
	if err := s.notifier.Notify(data); err != nil {
		slog.Error("[BLE] failed to notify central", "error", err, "bytes", len(data))
	}
}
