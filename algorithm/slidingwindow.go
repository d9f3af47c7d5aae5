package algorithm

import (
	"context"
	"time"

	flexlimit "github.com/flexlimitio/flexlimit"
	"github.com/flexlimitio/flexlimit/internal/clock"
	"github.com/flexlimitio/flexlimit/storage"
)

// SlidingWindow implements the sliding window counter approximation:
// weight the previous fixed window's count by how much of it still
// overlaps the trailing Quota.Period, and add the current window's count.
// Uses O(1) storage per key, at the cost of being an estimate rather than
// SlidingLog's exact count.
type SlidingWindow struct {
	clock clock.Clock
}

// NewSlidingWindow constructs a SlidingWindow algorithm.
func NewSlidingWindow(opts ...Option) *SlidingWindow {
	s := &SlidingWindow{clock: clock.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SlidingWindow) setClock(c clock.Clock) { s.clock = c }

// Name implements Algorithm.
func (s *SlidingWindow) Name() string { return "sliding_window" }

func (s *SlidingWindow) ttl(quota flexlimit.Quota) time.Duration {
	return quota.Period * 2
}

func (s *SlidingWindow) currentWindow(now time.Time, period time.Duration) time.Time {
	return now.Truncate(period)
}

// resolve returns the prev/curr counts applicable to now, shifting the
// stored window forward by zero, one, or more than one period.
func (s *SlidingWindow) resolve(payload *storage.SlidingWindowPayload, currWindowStart time.Time, period time.Duration) (prevCount, currCount int64) {
	if payload == nil {
		return 0, 0
	}
	switch {
	case payload.WindowStart.Equal(currWindowStart):
		return payload.PrevCount, payload.CurrCount
	case payload.WindowStart.Equal(currWindowStart.Add(-period)):
		return payload.CurrCount, 0
	default:
		return 0, 0
	}
}

func (s *SlidingWindow) estimate(prevCount, currCount int64, elapsed, period time.Duration) float64 {
	weight := float64(period-elapsed) / float64(period)
	if weight < 0 {
		weight = 0
	}
	return float64(prevCount)*weight + float64(currCount)
}

// CheckAndRecord implements Algorithm.
func (s *SlidingWindow) CheckAndRecord(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota, cost int64) (flexlimit.Decision, error) {
	if err := quota.Validate(); err != nil {
		return flexlimit.Decision{}, err
	}
	now := s.clock.Now()
	period := quota.Period
	limit := quota.EffectiveBurst()
	windowStart := s.currentWindow(now, period)
	elapsed := now.Sub(windowStart)

	result, err := store.ExecuteAtomic(ctx, key, s.ttl(quota), func(entry *storage.Entry, exists bool) (*storage.Entry, any, error) {
		var prev *storage.SlidingWindowPayload
		if exists && entry != nil {
			prev = entry.SlidingWindow
		}
		prevCount, currCount := s.resolve(prev, windowStart, period)

		resetAt := windowStart.Add(period)

		// A negative cost (a policy refund) only ever reduces the current
		// window's count, floored at zero, and is never denied.
		if cost < 0 {
			currCount += cost
			if currCount < 0 {
				currCount = 0
			}
			remaining := limit - int64(s.estimate(prevCount, currCount, elapsed, period))
			if remaining < 0 {
				remaining = 0
			}
			decision := flexlimit.Allowed(remaining, resetAt)
			newEntry := &storage.Entry{
				Kind: storage.KindSlidingWindow,
				SlidingWindow: &storage.SlidingWindowPayload{
					PrevCount:   prevCount,
					CurrCount:   currCount,
					WindowStart: windowStart,
				},
			}
			return newEntry, decision, nil
		}

		estimated := s.estimate(prevCount, currCount, elapsed, period)
		if estimated+float64(cost) > float64(limit) {
			return nil, flexlimit.Denied(resetAt.Sub(now), resetAt), nil
		}

		currCount += cost
		remaining := limit - int64(s.estimate(prevCount, currCount, elapsed, period))
		if remaining < 0 {
			remaining = 0
		}
		decision := flexlimit.Allowed(remaining, resetAt)
		newEntry := &storage.Entry{
			Kind: storage.KindSlidingWindow,
			SlidingWindow: &storage.SlidingWindowPayload{
				PrevCount:   prevCount,
				CurrCount:   currCount,
				WindowStart: windowStart,
			},
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
func (s *SlidingWindow) Check(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota) (flexlimit.Decision, error) {
	if err := quota.Validate(); err != nil {
		return flexlimit.Decision{}, err
	}
	now := s.clock.Now()
	period := quota.Period
	limit := quota.EffectiveBurst()
	windowStart := s.currentWindow(now, period)
	elapsed := now.Sub(windowStart)

	entry, exists, err := store.Get(ctx, key)
	if err != nil {
		return flexlimit.Decision{}, err
	}
	var prev *storage.SlidingWindowPayload
	if exists && entry != nil {
		prev = entry.SlidingWindow
	}
	prevCount, currCount := s.resolve(prev, windowStart, period)
	estimated := s.estimate(prevCount, currCount, elapsed, period)
	resetAt := windowStart.Add(period)

	if estimated+1 > float64(limit) {
		return flexlimit.Denied(resetAt.Sub(now), resetAt), nil
	}
	remaining := limit - int64(estimated) - 1
	if remaining < 0 {
		remaining = 0
	}
	return flexlimit.Allowed(remaining, resetAt), nil
}

// State implements Algorithm.
func (s *SlidingWindow) State(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota) (*flexlimit.State, error) {
	if err := quota.Validate(); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	period := quota.Period
	limit := quota.EffectiveBurst()
	windowStart := s.currentWindow(now, period)
	elapsed := now.Sub(windowStart)

	entry, exists, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var prev *storage.SlidingWindowPayload
	if exists && entry != nil {
		prev = entry.SlidingWindow
	}
	prevCount, currCount := s.resolve(prev, windowStart, period)
	estimated := int64(s.estimate(prevCount, currCount, elapsed, period))
	resetAt := windowStart.Add(period)

	return &flexlimit.State{
		Key:           key,
		Limit:         limit,
		Used:          estimated,
		Remaining:     max64(0, limit-estimated),
		ResetAt:       resetAt,
		ResetIn:       max(0, resetAt.Sub(now)),
		LastRequestAt: entry.UpdatedAtOrZero(),
		Window:        period,
	}, nil
}

// Reset implements Algorithm.
func (s *SlidingWindow) Reset(ctx context.Context, store storage.Storage, key string) error {
	return store.Reset(ctx, key)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
