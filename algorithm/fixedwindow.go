package algorithm

import (
	"context"
	"time"

	flexlimit "github.com/flexlimitio/flexlimit"
	"github.com/flexlimitio/flexlimit/internal/clock"
	"github.com/flexlimitio/flexlimit/storage"
)

// FixedWindow implements the fixed window counter: requests are counted
// within aligned Quota.Period-wide windows and reset to zero at each
// boundary. Cheapest of the seven algorithms, built directly on
// Storage.Increment's conditional-reset semantics, but permits up to 2x the
// configured rate for a brief period straddling a window boundary.
type FixedWindow struct {
	clock clock.Clock
}

// NewFixedWindow constructs a FixedWindow algorithm.
func NewFixedWindow(opts ...Option) *FixedWindow {
	f := &FixedWindow{clock: clock.New()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FixedWindow) setClock(c clock.Clock) { f.clock = c }

// Name implements Algorithm.
func (f *FixedWindow) Name() string { return "fixed_window" }

func (f *FixedWindow) window(now time.Time, period time.Duration) time.Time {
	return now.Truncate(period)
}

func (f *FixedWindow) ttl(quota flexlimit.Quota) time.Duration {
	return quota.Period * 2
}

// CheckAndRecord implements Algorithm. It increments optimistically and
// compensates with a matching decrement when the increment overshoots the
// limit, since Storage.Increment has no built-in ceiling.
func (f *FixedWindow) CheckAndRecord(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota, cost int64) (flexlimit.Decision, error) {
	if err := quota.Validate(); err != nil {
		return flexlimit.Decision{}, err
	}
	now := f.clock.Now()
	windowStart := f.window(now, quota.Period)
	resetAt := windowStart.Add(quota.Period)

	newCount, err := store.Increment(ctx, key, cost, windowStart, f.ttl(quota))
	if err != nil {
		return flexlimit.Decision{}, err
	}

	// A negative cost (a policy refund) is never denied; if it overshoots
	// past an empty window, compensate back up to zero rather than letting
	// the window go negative.
	if cost < 0 && newCount < 0 {
		compensated, err := store.Increment(ctx, key, -newCount, windowStart, f.ttl(quota))
		if err != nil {
			return flexlimit.Decision{}, err
		}
		newCount = compensated
	}
	if cost < 0 {
		return flexlimit.Allowed(quota.EffectiveBurst()-newCount, resetAt), nil
	}

	if newCount > quota.EffectiveBurst() {
		// Best-effort compensation: a failed rollback only means the window
		// undercounts remaining capacity until it next resets.
		_, _ = store.Increment(ctx, key, -cost, windowStart, f.ttl(quota))
		return flexlimit.Denied(resetAt.Sub(now), resetAt), nil
	}

	return flexlimit.Allowed(quota.EffectiveBurst()-newCount, resetAt), nil
}

func (f *FixedWindow) currentCount(ctx context.Context, store storage.Storage, key string, windowStart time.Time) (int64, error) {
	entry, exists, err := store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !exists || entry == nil || entry.FixedWindow == nil || !entry.FixedWindow.WindowStart.Equal(windowStart) {
		return 0, nil
	}
	return entry.FixedWindow.Count, nil
}

// Check implements Algorithm, previewing a cost-1 request without
// recording it.
func (f *FixedWindow) Check(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota) (flexlimit.Decision, error) {
	if err := quota.Validate(); err != nil {
		return flexlimit.Decision{}, err
	}
	now := f.clock.Now()
	windowStart := f.window(now, quota.Period)
	resetAt := windowStart.Add(quota.Period)

	count, err := f.currentCount(ctx, store, key, windowStart)
	if err != nil {
		return flexlimit.Decision{}, err
	}
	if count+1 > quota.EffectiveBurst() {
		return flexlimit.Denied(resetAt.Sub(now), resetAt), nil
	}
	return flexlimit.Allowed(quota.EffectiveBurst()-count-1, resetAt), nil
}

// State implements Algorithm.
func (f *FixedWindow) State(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota) (*flexlimit.State, error) {
	if err := quota.Validate(); err != nil {
		return nil, err
	}
	now := f.clock.Now()
	windowStart := f.window(now, quota.Period)
	resetAt := windowStart.Add(quota.Period)

	entry, exists, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	count, err := f.currentCount(ctx, store, key, windowStart)
	if err != nil {
		return nil, err
	}

	var lastRequest time.Time
	if exists {
		lastRequest = entry.UpdatedAtOrZero()
	}

	return &flexlimit.State{
		Key:           key,
		Limit:         quota.EffectiveBurst(),
		Used:          count,
		Remaining:     max64(0, quota.EffectiveBurst()-count),
		ResetAt:       resetAt,
		ResetIn:       max(0, resetAt.Sub(now)),
		LastRequestAt: lastRequest,
		Window:        quota.Period,
	}, nil
}

// Reset implements Algorithm.
func (f *FixedWindow) Reset(ctx context.Context, store storage.Storage, key string) error {
	return store.Reset(ctx, key)
}
