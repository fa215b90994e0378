package signalbus

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

// DBus is a Bus on a private session bus connection.
type DBus struct {
	conn *dbus.Conn
}

// ConnectSessionBus opens a private connection to the session bus.
func ConnectSessionBus() (*DBus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("signalbus: connect session bus: %w", err)
	}
	slog.Info("[DBUS] connected to session bus", "name", conn.Names())
	return &DBus{conn: conn}, nil
}

// Close closes the connection.
func (b *DBus) Close() error {
	return b.conn.Close()
}

func matchOptions(t Target) []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(dbus.ObjectPath(t.Path)),
		dbus.WithMatchInterface(t.Interface),
		dbus.WithMatchMember(t.Member),
	}
}

// Subscribe adds a match rule for t and forwards the connection's signals.
func (b *DBus) Subscribe(t Target) (Subscription, error) {
	opts := matchOptions(t)
	if err := b.conn.AddMatchSignal(opts...); err != nil {
		return nil, fmt.Errorf("signalbus: add match %s: %w", t, err)
	}

	raw := make(chan *dbus.Signal, 16)
	b.conn.Signal(raw)

	sub := &dbusSubscription{
		bus:  b,
		opts: opts,
		raw:  raw,
		out:  make(chan Signal, 16),
		done: make(chan struct{}),
	}
	go sub.forward()
	return sub, nil
}

// Emit sends a signal named "interface.member" on the object path.
func (b *DBus) Emit(t Target, body ...interface{}) error {
	if err := b.conn.Emit(dbus.ObjectPath(t.Path), t.Name(), body...); err != nil {
		return fmt.Errorf("signalbus: emit %s: %w", t, err)
	}
	return nil
}

type dbusSubscription struct {
	bus  *DBus
	opts []dbus.MatchOption
	raw  chan *dbus.Signal
	out  chan Signal
	done chan struct{}
	once sync.Once
}

func (s *dbusSubscription) C() <-chan Signal { return s.out }

func (s *dbusSubscription) forward() {
	for {
		select {
		case <-s.done:
			return
		case sig, ok := <-s.raw:
			if !ok {
				return
			}
			if sig == nil {
				continue
			}
			iface, member, ok := splitName(sig.Name)
			if !ok {
				slog.Debug("[DBUS] ignoring signal with malformed name", "name", sig.Name)
				continue
			}
			msg := Signal{
				Target: Target{Path: string(sig.Path), Interface: iface, Member: member},
				Body:   sig.Body,
			}
			select {
			case s.out <- msg:
			case <-s.done:
				return
			}
		}
	}
}

func (s *dbusSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.bus.conn.RemoveSignal(s.raw)
		err = s.bus.conn.RemoveMatchSignal(s.opts...)
	})
	return err
}
