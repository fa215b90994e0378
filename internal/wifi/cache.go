// Package wifi scans and joins Wi-Fi networks through NetworkManager and
// caches scan results so bursts of requests share one scan.
package wifi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrScanFailed wraps the last scan failure returned by ScanCache.Get.
var ErrScanFailed = errors.New("wifi: scan failed")

// Scanner lists visible network names, deduplicated and capped.
type Scanner interface {
	Scan(ctx context.Context) ([]string, error)
}

// CacheOptions configures a ScanCache.
type CacheOptions struct {
	TTL time.Duration
	// BackoffInitial is the first quiet period after a failed scan. Zero
	// disables the backoff and every Get after a failure scans again.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// ScanTimeout bounds a single scan.
	ScanTimeout time.Duration
}

// DefaultCacheOptions returns sensible defaults for production use.
func DefaultCacheOptions() CacheOptions {
	return CacheOptions{
		TTL:            30 * time.Second,
		BackoffInitial: 2 * time.Second,
		BackoffMax:     30 * time.Second,
		ScanTimeout:    30 * time.Second,
	}
}

// refreshCall is one in-flight scan shared by every caller waiting on it.
type refreshCall struct {
	done  chan struct{}
	ssids []string
	err   error
}

// ScanCache is a TTL cache over the scan result with single-flight refresh.
type ScanCache struct {
	scanner Scanner
	opts    CacheOptions
	now     func() time.Time

	mu        sync.Mutex
	ssids     []string
	expiresAt time.Time    // zero while no successful scan
	inflight  *refreshCall // non-nil while refreshing
	lastErr   error
	retryAt   time.Time
	backoff   *backoff.ExponentialBackOff
}

// NewScanCache creates an empty cache over s.
func NewScanCache(s Scanner, opts CacheOptions) *ScanCache {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.BackoffInitial
	b.MaxInterval = opts.BackoffMax
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Reset()

	return &ScanCache{
		scanner: s,
		opts:    opts,
		now:     time.Now,
		backoff: b,
	}
}

// Get returns the cached list while it is fresh. Otherwise it joins the
// in-flight refresh, starting one if needed, and returns its outcome. While a
// failure backoff is open, Get returns the last known list with an error
// wrapping ErrScanFailed without scanning.
func (c *ScanCache) Get(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	now := c.now()
	if !c.expiresAt.IsZero() && now.Before(c.expiresAt) {
		out := slices.Clone(c.ssids)
		c.mu.Unlock()
		return out, nil
	}

	call := c.inflight
	if call == nil {
		if c.lastErr != nil && now.Before(c.retryAt) {
			out, err := slices.Clone(c.ssids), c.lastErr
			c.mu.Unlock()
			return out, fmt.Errorf("%w: %w", ErrScanFailed, err)
		}
		call = &refreshCall{done: make(chan struct{})}
		c.inflight = call
		go c.refresh(call)
	}
	c.mu.Unlock()

	select {
	case <-call.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if call.err != nil {
		return slices.Clone(call.ssids), fmt.Errorf("%w: %w", ErrScanFailed, call.err)
	}
	return slices.Clone(call.ssids), nil
}

// refresh runs the scan without holding the lock.
func (c *ScanCache) refresh(call *refreshCall) {
	ctx := context.Background()
	if c.opts.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ScanTimeout)
		defer cancel()
	}

	ssids, err := c.scanner.Scan(ctx)

	c.mu.Lock()
	now := c.now()
	if err != nil {
		c.lastErr = err
		c.retryAt = now
		if c.opts.BackoffInitial > 0 {
			c.retryAt = now.Add(c.backoff.NextBackOff())
		}
		call.err = err
		call.ssids = slices.Clone(c.ssids)
		slog.Warn("[WIFI] scan failed", "error", err, "retry_after", c.retryAt.Sub(now))
	} else {
		c.ssids = slices.Clone(ssids)
		c.expiresAt = now.Add(c.opts.TTL)
		c.lastErr = nil
		c.backoff.Reset()
		call.ssids = slices.Clone(ssids)
		slog.Debug("[WIFI] scan cache refreshed", "ssids", len(ssids))
	}
	c.inflight = nil
	c.mu.Unlock()

	close(call.done)
}
