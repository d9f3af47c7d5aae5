// Package algorithm implements the rate limiting strategies: GCRA, token
// bucket, leaky bucket, sliding log, sliding window counter, fixed window,
// and concurrency limiting. Each is a stateless strategy object — all
// mutable state lives in the storage.Storage it is given, never in the
// Algorithm value itself, so a single Algorithm can serve every key a
// Manager routes to it concurrently.
package algorithm

import (
	"context"

	flexlimit "github.com/flexlimitio/flexlimit"
	"github.com/flexlimitio/flexlimit/internal/clock"
	"github.com/flexlimitio/flexlimit/storage"
)

// clockSetter is implemented by every concrete algorithm so a single
// WithClock option works across all of them.
type clockSetter interface {
	setClock(clock.Clock)
}

// Option configures an algorithm constructed by one of the New*
// constructors in this package.
type Option func(clockSetter)

// WithClock overrides an algorithm's time source (default clock.New()).
func WithClock(c clock.Clock) Option {
	return func(s clockSetter) { s.setClock(c) }
}

// Algorithm is the strategy interface every rate limiting algorithm
// implements. Implementations hold no per-key state of their own; key is
// looked up in store on every call.
type Algorithm interface {
	// CheckAndRecord evaluates whether a request of the given cost is
	// allowed under quota, and if so, records its consumption. If denied,
	// store is left unchanged.
	CheckAndRecord(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota, cost int64) (flexlimit.Decision, error)

	// Check evaluates whether a request of cost 1 would currently be
	// allowed, without recording it. Equivalent to CheckAndRecord followed
	// by an immediate compensating rollback, but implemented without a
	// write when the algorithm allows it.
	Check(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota) (flexlimit.Decision, error)

	// State returns a read-only snapshot of key's current usage under
	// quota. Never consumes capacity and never writes to store.
	State(ctx context.Context, store storage.Storage, key string, quota flexlimit.Quota) (*flexlimit.State, error)

	// Reset clears all recorded usage for key, as if it had never been
	// seen.
	Reset(ctx context.Context, store storage.Storage, key string) error

	// Name identifies the algorithm (e.g. "gcra"), for LimitInfo.Algorithm
	// and log fields.
	Name() string
}
