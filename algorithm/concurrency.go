package algorithm

import (
	"context"
	"math/rand/v2"
	"strconv"
	"time"

	flexlimit "github.com/flexlimitio/flexlimit"
	"github.com/flexlimitio/flexlimit/internal/clock"
	"github.com/flexlimitio/flexlimit/storage"
)

// Concurrency limits requests in flight rather than requests over time:
// Quota.EffectiveBurst is the maximum number of concurrently held slots,
// and Quota.Period is the lease duration after which an unreleased slot is
// reclaimed automatically via the entry's storage TTL. CheckAndRecord
// satisfies Algorithm on its own (fire-and-forget, reclaimed by lease
// expiry); callers that want to release a slot as soon as a request
// finishes — rather than waiting out the full lease — use AcquireToken and
// Release directly. Manager routes go through CheckAndRecord only, so their
// slots are freed by lease expiry or by a policy refund (a negative cost).
type Concurrency struct {
	clock    clock.Clock
	newToken func() string
}

// NewConcurrency constructs a Concurrency algorithm.
func NewConcurrency(opts ...Option) *Concurrency {
	c := &Concurrency{clock: clock.New(), newToken: randomToken}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Concurrency) setClock(cl clock.Clock) { c.clock = cl }

func randomToken() string {
	return strconv.FormatUint(rand.Uint64(), 36)
}

// Name implements Algorithm.
func (c *Concurrency) Name() string { return "concurrency" }

// CheckAndRecord implements Algorithm by acquiring cost slots (default 1)
// under quota's lease model, discarding the tokens needed to release them
// early. Equivalent to AcquireToken for cost == 1 when the caller has no
// need to call Release itself.
func (c *Concurrency) CheckAndRecord(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota, cost int64) (flexlimit.Decision, error) {
	decision, _, err := c.acquire(ctx, store, key, quota, cost)
	return decision, err
}

// AcquireToken acquires a single slot and returns the token needed to
// Release it.
func (c *Concurrency) AcquireToken(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota) (flexlimit.Decision, string, error) {
	return c.acquire(ctx, store, key, quota, 1)
}

func (c *Concurrency) acquire(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota, cost int64) (flexlimit.Decision, string, error) {
	if err := quota.Validate(); err != nil {
		return flexlimit.Decision{}, "", err
	}
	now := c.clock.Now()
	capacity := quota.EffectiveBurst()
	resetAt := now.Add(quota.Period)

	var token string
	result, err := store.ExecuteAtomic(ctx, key, quota.Period, func(entry *storage.Entry, exists bool) (*storage.Entry, any, error) {
		tokens := map[string]struct{}{}
		if exists && entry != nil && entry.Concurrency != nil {
			for k := range entry.Concurrency.Tokens {
				tokens[k] = struct{}{}
			}
		}

		// A negative cost (a policy refund) releases arbitrary held slots
		// instead of acquiring new ones, and is never denied.
		if cost < 0 {
			release := int(-cost)
			for k := range tokens {
				if release == 0 {
					break
				}
				delete(tokens, k)
				release--
			}
			decision := flexlimit.Allowed(capacity-int64(len(tokens)), resetAt)
			newEntry := &storage.Entry{
				Kind:        storage.KindConcurrency,
				Concurrency: &storage.ConcurrencyPayload{Tokens: tokens},
			}
			return newEntry, decision, nil
		}

		if int64(len(tokens))+cost > capacity {
			return nil, flexlimit.Denied(quota.Period, resetAt), nil
		}

		for i := int64(0); i < cost; i++ {
			t := c.newToken()
			if i == 0 {
				token = t
			}
			tokens[t] = struct{}{}
		}

		decision := flexlimit.Allowed(capacity-int64(len(tokens)), resetAt)
		newEntry := &storage.Entry{
			Kind:        storage.KindConcurrency,
			Concurrency: &storage.ConcurrencyPayload{Tokens: tokens},
		}
		return newEntry, decision, nil
	})
	if err != nil {
		return flexlimit.Decision{}, "", err
	}
	decision, _ := result.(flexlimit.Decision)
	return decision, token, nil
}

// Release frees the slot held by token. Releasing a token twice, or one
// that has already been reclaimed by lease expiry, is a no-op.
func (c *Concurrency) Release(ctx context.Context, store storage.Storage, key string, token string) error {
	_, err := store.ExecuteAtomic(ctx, key, 0, func(entry *storage.Entry, exists bool) (*storage.Entry, any, error) {
		if !exists || entry == nil || entry.Concurrency == nil {
			return nil, nil, nil
		}
		if _, ok := entry.Concurrency.Tokens[token]; !ok {
			return nil, nil, nil
		}
		tokens := map[string]struct{}{}
		for k := range entry.Concurrency.Tokens {
			if k != token {
				tokens[k] = struct{}{}
			}
		}
		newEntry := &storage.Entry{
			Kind:        storage.KindConcurrency,
			Concurrency: &storage.ConcurrencyPayload{Tokens: tokens},
		}
		return newEntry, nil, nil
	})
	return err
}

// Check implements Algorithm: a read-only preview of whether one more slot
// is currently available.
func (c *Concurrency) Check(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota) (flexlimit.Decision, error) {
	if err := quota.Validate(); err != nil {
		return flexlimit.Decision{}, err
	}
	now := c.clock.Now()
	capacity := quota.EffectiveBurst()
	resetAt := now.Add(quota.Period)

	entry, exists, err := store.Get(ctx, key)
	if err != nil {
		return flexlimit.Decision{}, err
	}
	used := int64(0)
	if exists && entry != nil && entry.Concurrency != nil {
		used = int64(len(entry.Concurrency.Tokens))
	}
	if used+1 > capacity {
		return flexlimit.Denied(quota.Period, resetAt), nil
	}
	return flexlimit.Allowed(capacity-used-1, resetAt), nil
}

// State implements Algorithm.
func (c *Concurrency) State(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota) (*flexlimit.State, error) {
	if err := quota.Validate(); err != nil {
		return nil, err
	}
	now := c.clock.Now()
	capacity := quota.EffectiveBurst()

	entry, exists, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	used := int64(0)
	var lastRequest time.Time
	if exists && entry != nil {
		lastRequest = entry.UpdatedAt
		if entry.Concurrency != nil {
			used = int64(len(entry.Concurrency.Tokens))
		}
	}

	return &flexlimit.State{
		Key:           key,
		Limit:         capacity,
		Used:          used,
		Remaining:     max64(0, capacity-used),
		ResetAt:       now.Add(quota.Period),
		ResetIn:       quota.Period,
		LastRequestAt: lastRequest,
		Window:        quota.Period,
	}, nil
}

// Reset implements Algorithm: it releases every currently held slot.
func (c *Concurrency) Reset(ctx context.Context, store storage.Storage, key string) error {
	return store.Reset(ctx, key)
}
