package algorithm

import (
	"context"
	"math"
	"time"

	flexlimit "github.com/flexlimitio/flexlimit"
	"github.com/flexlimitio/flexlimit/internal/clock"
	"github.com/flexlimitio/flexlimit/storage"
)

// LeakyBucket implements the leaky bucket as a meter: each request adds
// Cost units of "water" to a bucket of capacity Quota.EffectiveBurst, which
// drains at a constant Quota.MaxRequests/Quota.Period. A request is denied
// outright when it would overflow the bucket, rather than being queued.
type LeakyBucket struct {
	clock clock.Clock
}

// NewLeakyBucket constructs a LeakyBucket algorithm.
func NewLeakyBucket(opts ...Option) *LeakyBucket {
	l := &LeakyBucket{clock: clock.New()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *LeakyBucket) setClock(c clock.Clock) { l.clock = c }

// Name implements Algorithm.
func (l *LeakyBucket) Name() string { return "leaky_bucket" }

func (l *LeakyBucket) leakRate(quota flexlimit.Quota) float64 {
	return float64(quota.MaxRequests) / quota.Period.Seconds()
}

func (l *LeakyBucket) ttl(quota flexlimit.Quota) time.Duration {
	return quota.Period * 2
}

func (l *LeakyBucket) drain(payload *storage.LeakyBucketPayload, quota flexlimit.Quota, now time.Time) float64 {
	if payload == nil {
		return 0
	}
	elapsed := now.Sub(payload.LastDrip).Seconds()
	if elapsed <= 0 {
		return payload.Water
	}
	water := payload.Water - elapsed*l.leakRate(quota)
	return math.Max(0, water)
}

// CheckAndRecord implements Algorithm.
func (l *LeakyBucket) CheckAndRecord(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota, cost int64) (flexlimit.Decision, error) {
	if err := quota.Validate(); err != nil {
		return flexlimit.Decision{}, err
	}
	now := l.clock.Now()
	rate := l.leakRate(quota)
	capacity := float64(quota.EffectiveBurst())

	result, err := store.ExecuteAtomic(ctx, key, l.ttl(quota), func(entry *storage.Entry, exists bool) (*storage.Entry, any, error) {
		var prev *storage.LeakyBucketPayload
		if exists && entry != nil {
			prev = entry.LeakyBucket
		}
		water := l.drain(prev, quota, now)

		// A negative cost (a policy refund) only ever drains water, so it
		// is never denied; the resulting level is clamped at zero below.
		if cost > 0 && water+float64(cost) > capacity {
			overflow := water + float64(cost) - capacity
			retryAfter := time.Duration(overflow / rate * float64(time.Second))
			resetAt := now.Add(time.Duration(water / rate * float64(time.Second)))
			return nil, flexlimit.Denied(retryAfter, resetAt), nil
		}

		water += float64(cost)
		water = math.Min(math.Max(water, 0), capacity)
		resetAt := now.Add(time.Duration(water / rate * float64(time.Second)))
		decision := flexlimit.Allowed(int64(capacity-water), resetAt)
		newEntry := &storage.Entry{
			Kind:        storage.KindLeakyBucket,
			LeakyBucket: &storage.LeakyBucketPayload{Water: water, LastDrip: now},
		}
		return newEntry, decision, nil
	})
	if err != nil {
		return flexlimit.Decision{}, err
	}
	decision, _ := result.(flexlimit.Decision)
	return decision, nil
}

// Check implements Algorithm, previewing a cost-1 request without
// recording it.
func (l *LeakyBucket) Check(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota) (flexlimit.Decision, error) {
	if err := quota.Validate(); err != nil {
		return flexlimit.Decision{}, err
	}
	now := l.clock.Now()
	rate := l.leakRate(quota)
	capacity := float64(quota.EffectiveBurst())

	entry, exists, err := store.Get(ctx, key)
	if err != nil {
		return flexlimit.Decision{}, err
	}
	var prev *storage.LeakyBucketPayload
	if exists && entry != nil {
		prev = entry.LeakyBucket
	}
	water := l.drain(prev, quota, now)

	if water+1 > capacity {
		overflow := water + 1 - capacity
		retryAfter := time.Duration(overflow / rate * float64(time.Second))
		resetAt := now.Add(time.Duration(water / rate * float64(time.Second)))
		return flexlimit.Denied(retryAfter, resetAt), nil
	}
	resetAt := now.Add(time.Duration(water / rate * float64(time.Second)))
	return flexlimit.Allowed(int64(capacity-water-1), resetAt), nil
}

// State implements Algorithm.
func (l *LeakyBucket) State(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota) (*flexlimit.State, error) {
	if err := quota.Validate(); err != nil {
		return nil, err
	}
	now := l.clock.Now()
	rate := l.leakRate(quota)
	capacity := quota.EffectiveBurst()

	entry, exists, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var prev *storage.LeakyBucketPayload
	if exists && entry != nil {
		prev = entry.LeakyBucket
	}
	water := l.drain(prev, quota, now)

	return &flexlimit.State{
		Key:           key,
		Limit:         capacity,
		Used:          int64(water),
		Remaining:     capacity - int64(water),
		ResetAt:       now.Add(time.Duration(water / rate * float64(time.Second))),
		ResetIn:       time.Duration(water / rate * float64(time.Second)),
		LastRequestAt: entry.UpdatedAtOrZero(),
		Window:        quota.Period,
	}, nil
}

// Reset implements Algorithm.
func (l *LeakyBucket) Reset(ctx context.Context, store storage.Storage, key string) error {
	return store.Reset(ctx, key)
}
