package algorithm

import (
	"context"
	"math"
	"time"

	flexlimit "github.com/flexlimitio/flexlimit"
	"github.com/flexlimitio/flexlimit/internal/clock"
	"github.com/flexlimitio/flexlimit/storage"
)

// TokenBucket implements the classic token bucket algorithm: tokens
// accumulate at Quota.MaxRequests/Quota.Period up to a ceiling of
// Quota.EffectiveBurst, and each request consumes Cost tokens.
type TokenBucket struct {
	clock clock.Clock
}

// NewTokenBucket constructs a TokenBucket algorithm.
func NewTokenBucket(opts ...Option) *TokenBucket {
	t := &TokenBucket{clock: clock.New()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TokenBucket) setClock(c clock.Clock) { t.clock = c }

// Name implements Algorithm.
func (t *TokenBucket) Name() string { return "token_bucket" }

func (t *TokenBucket) refillRate(quota flexlimit.Quota) float64 {
	return float64(quota.MaxRequests) / quota.Period.Seconds()
}

func (t *TokenBucket) ttl(quota flexlimit.Quota) time.Duration {
	return quota.Period * 2
}

func (t *TokenBucket) refill(payload *storage.TokenBucketPayload, quota flexlimit.Quota, now time.Time) float64 {
	capacity := float64(quota.EffectiveBurst())
	if payload == nil {
		return capacity
	}
	elapsed := now.Sub(payload.LastRefill).Seconds()
	if elapsed <= 0 {
		return math.Min(payload.Tokens, capacity)
	}
	tokens := payload.Tokens + elapsed*t.refillRate(quota)
	return math.Min(tokens, capacity)
}

// CheckAndRecord implements Algorithm.
func (t *TokenBucket) CheckAndRecord(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota, cost int64) (flexlimit.Decision, error) {
	if err := quota.Validate(); err != nil {
		return flexlimit.Decision{}, err
	}
	now := t.clock.Now()
	rate := t.refillRate(quota)
	capacity := float64(quota.EffectiveBurst())

	result, err := store.ExecuteAtomic(ctx, key, t.ttl(quota), func(entry *storage.Entry, exists bool) (*storage.Entry, any, error) {
		var prev *storage.TokenBucketPayload
		if exists && entry != nil {
			prev = entry.TokenBucket
		}
		tokens := t.refill(prev, quota, now)

		// A negative cost (a policy refund) only ever adds tokens back, so
		// it is never denied — it is the resulting token count that gets
		// clamped below, not the input cost.
		if cost > 0 && tokens < float64(cost) {
			deficit := float64(cost) - tokens
			retryAfter := time.Duration(deficit / rate * float64(time.Second))
			resetAt := now.Add(time.Duration((capacity - tokens) / rate * float64(time.Second)))
			decision := flexlimit.Denied(retryAfter, resetAt)
			return nil, decision, nil
		}

		tokens -= float64(cost)
		tokens = math.Min(math.Max(tokens, 0), capacity)
		resetAt := now.Add(time.Duration((capacity - tokens) / rate * float64(time.Second)))
		decision := flexlimit.Allowed(int64(tokens), resetAt)
		newEntry := &storage.Entry{
			Kind:        storage.KindTokenBucket,
			TokenBucket: &storage.TokenBucketPayload{Tokens: tokens, LastRefill: now},
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
func (t *TokenBucket) Check(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota) (flexlimit.Decision, error) {
	if err := quota.Validate(); err != nil {
		return flexlimit.Decision{}, err
	}
	now := t.clock.Now()
	rate := t.refillRate(quota)

	entry, exists, err := store.Get(ctx, key)
	if err != nil {
		return flexlimit.Decision{}, err
	}
	var prev *storage.TokenBucketPayload
	if exists && entry != nil {
		prev = entry.TokenBucket
	}
	tokens := t.refill(prev, quota, now)

	if tokens < 1 {
		deficit := 1 - tokens
		retryAfter := time.Duration(deficit / rate * float64(time.Second))
		resetAt := now.Add(time.Duration((float64(quota.EffectiveBurst()) - tokens) / rate * float64(time.Second)))
		return flexlimit.Denied(retryAfter, resetAt), nil
	}
	resetAt := now.Add(time.Duration((float64(quota.EffectiveBurst()) - tokens) / rate * float64(time.Second)))
	return flexlimit.Allowed(int64(tokens-1), resetAt), nil
}

// State implements Algorithm.
func (t *TokenBucket) State(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota) (*flexlimit.State, error) {
	if err := quota.Validate(); err != nil {
		return nil, err
	}
	now := t.clock.Now()
	rate := t.refillRate(quota)

	entry, exists, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var prev *storage.TokenBucketPayload
	if exists && entry != nil {
		prev = entry.TokenBucket
	}
	tokens := t.refill(prev, quota, now)
	capacity := quota.EffectiveBurst()
	used := capacity - int64(tokens)

	return &flexlimit.State{
		Key:           key,
		Limit:         capacity,
		Used:          used,
		Remaining:     int64(tokens),
		ResetAt:       now.Add(time.Duration((float64(capacity) - tokens) / rate * float64(time.Second))),
		ResetIn:       time.Duration((float64(capacity) - tokens) / rate * float64(time.Second)),
		LastRequestAt: entry.UpdatedAtOrZero(),
		Window:        quota.Period,
	}, nil
}

// Reset implements Algorithm.
func (t *TokenBucket) Reset(ctx context.Context, store storage.Storage, key string) error {
	return store.Reset(ctx, key)
}
