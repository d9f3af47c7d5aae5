package algorithm

import (
	"context"
	"time"

	flexlimit "github.com/flexlimitio/flexlimit"
	"github.com/flexlimitio/flexlimit/internal/clock"
	"github.com/flexlimitio/flexlimit/storage"
)

// SlidingLog implements an exact rolling window: every accepted request's
// timestamp is kept in a fixed-capacity ring buffer sized to
// Quota.EffectiveBurst, and a request is allowed only if fewer than the
// limit of timestamps fall within the trailing Quota.Period. Exact at the
// cost of O(limit) storage per key, unlike SlidingWindow's O(1) approximation.
type SlidingLog struct {
	clock clock.Clock
}

// NewSlidingLog constructs a SlidingLog algorithm.
func NewSlidingLog(opts ...Option) *SlidingLog {
	s := &SlidingLog{clock: clock.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SlidingLog) setClock(c clock.Clock) { s.clock = c }

// Name implements Algorithm.
func (s *SlidingLog) Name() string { return "sliding_log" }

func (s *SlidingLog) ttl(quota flexlimit.Quota) time.Duration {
	return quota.Period * 2
}

// prune drops ring entries older than windowStart, returning the surviving
// entries oldest-first.
func prune(p *storage.SlidingLogPayload, capacity int, windowStart time.Time) []time.Time {
	if p == nil || p.Len == 0 {
		return nil
	}
	survivors := make([]time.Time, 0, p.Len)
	for i := 0; i < p.Len; i++ {
		idx := (p.Head + i) % capacity
		ts := p.Timestamps[idx]
		if ts.After(windowStart) {
			survivors = append(survivors, ts)
		}
	}
	return survivors
}

func buildRing(capacity int, survivors []time.Time, additions ...time.Time) *storage.SlidingLogPayload {
	all := append(append([]time.Time{}, survivors...), additions...)
	if len(all) > capacity {
		all = all[len(all)-capacity:]
	}
	buf := make([]time.Time, capacity)
	copy(buf, all)
	return &storage.SlidingLogPayload{Timestamps: buf, Head: 0, Len: len(all)}
}

// CheckAndRecord implements Algorithm.
func (s *SlidingLog) CheckAndRecord(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota, cost int64) (flexlimit.Decision, error) {
	if err := quota.Validate(); err != nil {
		return flexlimit.Decision{}, err
	}
	now := s.clock.Now()
	capacity := int(quota.EffectiveBurst())
	windowStart := now.Add(-quota.Period)

	result, err := store.ExecuteAtomic(ctx, key, s.ttl(quota), func(entry *storage.Entry, exists bool) (*storage.Entry, any, error) {
		var prev *storage.SlidingLogPayload
		if exists && entry != nil {
			prev = entry.SlidingLog
		}
		survivors := prune(prev, capacity, windowStart)

		// A negative cost (a policy refund) evicts the most recently
		// recorded entries instead of adding new ones, and is never denied.
		if cost < 0 {
			evict := int(-cost)
			if evict > len(survivors) {
				evict = len(survivors)
			}
			survivors = survivors[:len(survivors)-evict]
			ring := buildRing(capacity, survivors)

			resetAt := now.Add(quota.Period)
			if ring.Len > 0 {
				resetAt = ring.Timestamps[0].Add(quota.Period)
			}
			decision := flexlimit.Allowed(int64(capacity-ring.Len), resetAt)
			newEntry := &storage.Entry{Kind: storage.KindSlidingLog, SlidingLog: ring}
			return newEntry, decision, nil
		}

		if int64(len(survivors))+cost > int64(capacity) {
			evictionsNeeded := int64(len(survivors)) + cost - int64(capacity)
			var retryAfter time.Duration
			if evictionsNeeded <= int64(len(survivors)) {
				oldest := survivors[evictionsNeeded-1]
				retryAfter = oldest.Add(quota.Period).Sub(now)
			} else {
				retryAfter = quota.Period
			}
			resetAt := now
			if len(survivors) > 0 {
				resetAt = survivors[0].Add(quota.Period)
			}
			return nil, flexlimit.Denied(retryAfter, resetAt), nil
		}

		additions := make([]time.Time, cost)
		for i := range additions {
			additions[i] = now
		}
		ring := buildRing(capacity, survivors, additions...)

		resetAt := now.Add(quota.Period)
		if ring.Len > 0 {
			resetAt = ring.Timestamps[0].Add(quota.Period)
		}
		decision := flexlimit.Allowed(int64(capacity-ring.Len), resetAt)
		newEntry := &storage.Entry{Kind: storage.KindSlidingLog, SlidingLog: ring}
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
func (s *SlidingLog) Check(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota) (flexlimit.Decision, error) {
	if err := quota.Validate(); err != nil {
		return flexlimit.Decision{}, err
	}
	now := s.clock.Now()
	capacity := int(quota.EffectiveBurst())
	windowStart := now.Add(-quota.Period)

	entry, exists, err := store.Get(ctx, key)
	if err != nil {
		return flexlimit.Decision{}, err
	}
	var prev *storage.SlidingLogPayload
	if exists && entry != nil {
		prev = entry.SlidingLog
	}
	survivors := prune(prev, capacity, windowStart)

	if len(survivors)+1 > capacity {
		oldest := survivors[0]
		retryAfter := oldest.Add(quota.Period).Sub(now)
		return flexlimit.Denied(retryAfter, oldest.Add(quota.Period)), nil
	}
	resetAt := now.Add(quota.Period)
	if len(survivors) > 0 {
		resetAt = survivors[0].Add(quota.Period)
	}
	return flexlimit.Allowed(int64(capacity-len(survivors)-1), resetAt), nil
}

// State implements Algorithm.
func (s *SlidingLog) State(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota) (*flexlimit.State, error) {
	if err := quota.Validate(); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	capacity := int(quota.EffectiveBurst())
	windowStart := now.Add(-quota.Period)

	entry, exists, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var prev *storage.SlidingLogPayload
	if exists && entry != nil {
		prev = entry.SlidingLog
	}
	survivors := prune(prev, capacity, windowStart)

	resetAt := now.Add(quota.Period)
	var lastRequest time.Time
	if len(survivors) > 0 {
		resetAt = survivors[0].Add(quota.Period)
		lastRequest = survivors[len(survivors)-1]
	}

	return &flexlimit.State{
		Key:           key,
		Limit:         int64(capacity),
		Used:          int64(len(survivors)),
		Remaining:     int64(capacity - len(survivors)),
		ResetAt:       resetAt,
		ResetIn:       max(0, resetAt.Sub(now)),
		LastRequestAt: lastRequest,
		Window:        quota.Period,
	}, nil
}

// Reset implements Algorithm.
func (s *SlidingLog) Reset(ctx context.Context, store storage.Storage, key string) error {
	return store.Reset(ctx, key)
}
