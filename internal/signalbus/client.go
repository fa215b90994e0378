package signalbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

var (
	// ErrAckTimeout is returned by Send when no ack arrived within the attempt budget.
	ErrAckTimeout = errors.New("signalbus: ack timeout")
	// ErrReceiveTimeout is returned by Receive when no matching signal arrived in time.
	ErrReceiveTimeout = errors.New("signalbus: receive timeout")
)

// Options configures a Client.
type Options struct {
	AckTimeout     time.Duration // wait per send attempt
	MaxRetries     int           // send attempts
	ReceiveTimeout time.Duration // default wait for Exchange replies
	ListenInterval time.Duration // wake-up interval of Listen
}

// DefaultOptions returns sensible defaults for production use.
func DefaultOptions() Options {
	return Options{
		AckTimeout:     2 * time.Second,
		MaxRetries:     5,
		ReceiveTimeout: 60 * time.Second,
		ListenInterval: time.Second,
	}
}

// Client runs acknowledged exchanges over a Bus.
type Client struct {
	bus  Bus
	opts Options
}

// NewClient creates a client over bus.
func NewClient(bus Bus, opts Options) *Client {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	return &Client{bus: bus, opts: opts}
}

// Options returns the client configuration.
func (c *Client) Options() Options {
	return c.opts
}

// Send emits t and waits for its ack, resending after every AckTimeout up to
// MaxRetries attempts. It fails with ErrAckTimeout when the budget runs out.
func (c *Client) Send(ctx context.Context, t Target, body ...interface{}) error {
	ack := t.Ack()
	sub, err := c.bus.Subscribe(ack)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		if err := c.bus.Emit(t, body...); err != nil {
			slog.Warn("[DBUS] failed to emit signal", "target", t, "attempt", attempt, "error", err)
		} else {
			slog.Debug("[DBUS] signal emitted", "target", t, "attempt", attempt)
		}

		_, err := c.await(ctx, sub, ack, c.opts.AckTimeout)
		if err == nil {
			slog.Info("[DBUS] ack received", "target", t, "attempt", attempt)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("[DBUS] ack not received, retrying", "ack", ack.Member, "attempt", attempt, "max", c.opts.MaxRetries)
	}
	return fmt.Errorf("%w: %s not received after %d attempts", ErrAckTimeout, ack.Member, c.opts.MaxRetries)
}

// Receive waits up to timeout for a signal matching t, acks it and returns it.
// Other signals are discarded. It fails with ErrReceiveTimeout.
func (c *Client) Receive(ctx context.Context, t Target, timeout time.Duration) (Signal, error) {
	sub, err := c.bus.Subscribe(t)
	if err != nil {
		return Signal{}, err
	}
	defer func() { _ = sub.Close() }()

	return c.receive(ctx, sub, t, timeout)
}

// Exchange sends out and then receives in. The subscription to in is made
// before out is emitted so a fast reply is not missed.
func (c *Client) Exchange(ctx context.Context, out, in Target, body ...interface{}) (Signal, error) {
	sub, err := c.bus.Subscribe(in)
	if err != nil {
		return Signal{}, err
	}
	defer func() { _ = sub.Close() }()

	if err := c.Send(ctx, out, body...); err != nil {
		return Signal{}, err
	}
	return c.receive(ctx, sub, in, c.opts.ReceiveTimeout)
}

// Listen calls fn with every signal matching t until stop is set or ctx is
// done. It wakes up every ListenInterval to check stop. Matches are acked.
func (c *Client) Listen(ctx context.Context, t Target, stop *atomic.Bool, fn func(Signal)) error {
	sub, err := c.bus.Subscribe(t)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	slog.Info("[DBUS] listening", "target", t)
	for !stop.Load() {
		sig, err := c.receive(ctx, sub, t, c.opts.ListenInterval)
		if err == nil {
			fn(sig)
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, ErrReceiveTimeout) {
			return err
		}
	}
	slog.Info("[DBUS] listener stopped", "target", t)
	return nil
}

// receive waits for a match on sub and acks it. The ack is best-effort.
func (c *Client) receive(ctx context.Context, sub Subscription, t Target, timeout time.Duration) (Signal, error) {
	sig, err := c.await(ctx, sub, t, timeout)
	if err != nil {
		if errors.Is(err, ErrReceiveTimeout) {
			return Signal{}, fmt.Errorf("%w: %s after %s", ErrReceiveTimeout, t.Member, timeout)
		}
		return Signal{}, err
	}

	if err := c.bus.Emit(t.Ack(), ""); err != nil {
		slog.Warn("[DBUS] failed to send ack", "ack", t.Ack().Member, "error", err)
	}
	return sig, nil
}

// await returns the first signal on sub matching t within timeout.
func (c *Client) await(ctx context.Context, sub Subscription, t Target, timeout time.Duration) (Signal, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case sig, ok := <-sub.C():
			if !ok {
				return Signal{}, fmt.Errorf("signalbus: subscription to %s closed", t)
			}
			if !sig.Matches(t) {
				slog.Debug("[DBUS] discarding signal", "got", sig.Target, "want", t)
				continue
			}
			return sig, nil
		case <-timer.C:
			return Signal{}, ErrReceiveTimeout
		case <-ctx.Done():
			return Signal{}, ctx.Err()
		}
	}
}
