package algorithm

import (
	"context"
	"time"

	flexlimit "github.com/flexlimitio/flexlimit"
	"github.com/flexlimitio/flexlimit/internal/clock"
	"github.com/flexlimitio/flexlimit/storage"
)

// GCRA implements the Generic Cell Rate Algorithm: a leaky-bucket-as-meter
// that tracks a single theoretical arrival time (TAT) per key instead of a
// token count. It allows a burst up to Quota.EffectiveBurst while smoothing
// the sustained rate to exactly Quota.MaxRequests/Quota.Period, with O(1)
// storage per key regardless of burst size.
type GCRA struct {
	clock clock.Clock
}

// NewGCRA constructs a GCRA algorithm.
func NewGCRA(opts ...Option) *GCRA {
	g := &GCRA{clock: clock.New()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GCRA) setClock(c clock.Clock) { g.clock = c }

// Name implements Algorithm.
func (g *GCRA) Name() string { return "gcra" }

func (g *GCRA) ttl(quota flexlimit.Quota) time.Duration {
	return quota.Period + quota.DelayTolerance()
}

// CheckAndRecord implements Algorithm.
func (g *GCRA) CheckAndRecord(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota, cost int64) (flexlimit.Decision, error) {
	if err := quota.Validate(); err != nil {
		return flexlimit.Decision{}, err
	}

	now := g.clock.Now()
	emission := quota.EmissionInterval()
	tolerance := quota.DelayTolerance()

	result, err := store.ExecuteAtomic(ctx, key, g.ttl(quota), func(entry *storage.Entry, exists bool) (*storage.Entry, any, error) {
		tat := now
		if exists && entry != nil && entry.GCRA != nil && entry.GCRA.TAT.After(now) {
			tat = entry.GCRA.TAT
		}

		// A negative cost (a policy refund) moves the TAT backward. Clamp
		// it at now rather than the quota's invariants, since a TAT before
		// now would mean more capacity than a full bucket grants.
		increment := emission * time.Duration(cost)
		newTAT := tat.Add(increment)
		if newTAT.Before(now) {
			newTAT = now
		}
		allowAt := newTAT.Add(-tolerance)

		if allowAt.After(now) {
			decision := flexlimit.Denied(allowAt.Sub(now), tat)
			return nil, decision, nil
		}

		remaining := int64((tolerance - newTAT.Sub(now)) / emission)
		if remaining < 0 {
			remaining = 0
		}
		decision := flexlimit.Allowed(remaining, newTAT)
		newEntry := &storage.Entry{
			Kind: storage.KindGCRA,
			GCRA: &storage.GCRAPayload{TAT: newTAT},
		}
		return newEntry, decision, nil
	})
	if err != nil {
		return flexlimit.Decision{}, err
	}
	decision, _ := result.(flexlimit.Decision)
	return decision, nil
}

// Check implements Algorithm. It previews the outcome for a cost-1 request
// without recording it, reading the stored TAT directly rather than routing
// through ExecuteAtomic.
func (g *GCRA) Check(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota) (flexlimit.Decision, error) {
	if err := quota.Validate(); err != nil {
		return flexlimit.Decision{}, err
	}

	now := g.clock.Now()
	emission := quota.EmissionInterval()
	tolerance := quota.DelayTolerance()

	entry, exists, err := store.Get(ctx, key)
	if err != nil {
		return flexlimit.Decision{}, err
	}

	tat := now
	if exists && entry != nil && entry.GCRA != nil && entry.GCRA.TAT.After(now) {
		tat = entry.GCRA.TAT
	}

	newTAT := tat.Add(emission)
	allowAt := newTAT.Add(-tolerance)
	if allowAt.After(now) {
		return flexlimit.Denied(allowAt.Sub(now), tat), nil
	}

	remaining := int64((tolerance - newTAT.Sub(now)) / emission)
	if remaining < 0 {
		remaining = 0
	}
	return flexlimit.Allowed(remaining, newTAT), nil
}

// State implements Algorithm.
func (g *GCRA) State(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota) (*flexlimit.State, error) {
	if err := quota.Validate(); err != nil {
		return nil, err
	}

	now := g.clock.Now()
	emission := quota.EmissionInterval()
	tolerance := quota.DelayTolerance()

	entry, exists, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	tat := now
	if exists && entry != nil && entry.GCRA != nil && entry.GCRA.TAT.After(now) {
		tat = entry.GCRA.TAT
	}

	used := quota.EffectiveBurst()
	if tat.After(now) {
		consumed := int64((tat.Sub(now) + emission - 1) / emission)
		used = consumed
		if used > quota.EffectiveBurst() {
			used = quota.EffectiveBurst()
		}
	} else {
		used = 0
	}

	return &flexlimit.State{
		Key:           key,
		Limit:         quota.EffectiveBurst(),
		Used:          used,
		Remaining:     quota.EffectiveBurst() - used,
		ResetAt:       tat,
		ResetIn:       max(0, tat.Sub(now)),
		LastRequestAt: entry.UpdatedAtOrZero(),
		Window:        quota.Period,
	}, nil
}

// Reset implements Algorithm.
func (g *GCRA) Reset(ctx context.Context, store storage.Storage, key string) error {
	return store.Reset(ctx, key)
}
