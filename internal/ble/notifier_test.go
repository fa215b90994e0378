package ble

import (
	"sync"
	"testing"
	"time"
)

func TestNotifierSlotNoSubscriberDoesNotBlock(t *testing.T) {
	var slot NotifierSlot
	done := make(chan struct{})
	go func() {
		slot.Send([]byte("reply"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send() blocked without a subscriber")
	}
}

func TestNotifierSlotLastSubscriberWins(t *testing.T) {
	var slot NotifierSlot
	first := &mockNotifier{}
	second := &mockNotifier{}

	slot.Set(first)
	slot.Set(second)
	slot.Send([]byte("x"))

	if len(first.Sent()) != 0 {
		t.Errorf("first subscriber got %d notifications, want 0", len(first.Sent()))
	}
	if len(second.Sent()) != 1 {
		t.Errorf("second subscriber got %d notifications, want 1", len(second.Sent()))
	}
}

func TestNotifierSlotSwallowsDeliveryFailure(t *testing.T) {
	var slot NotifierSlot
	slot.Set(&mockNotifier{fail: errMock})
	// Must not panic; the reply is dropped.
	slot.Send([]byte("x"))
}

func TestNotifierSlotSerializesDelivery(t *testing.T) {
	var slot NotifierSlot
	gate := make(chan struct{})
	n := &mockNotifier{block: gate}
	slot.Set(n)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot.Send([]byte("x"))
		}()
	}

	// Only one send can be inside Notify; the others wait on the slot lock.
	time.Sleep(20 * time.Millisecond)
	if got := len(n.Sent()); got != 0 {
		t.Fatalf("delivered %d before gate opened, want 0", got)
	}
	close(gate)
	wg.Wait()
	if got := len(n.Sent()); got != 3 {
		t.Errorf("delivered %d, want 3", got)
	}
}
