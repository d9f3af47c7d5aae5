package flexlimit

import "time"

// State is a point-in-time snapshot of a key's rate limit status, as
// returned by a read-only State query. Unlike Decision, producing a State
// never consumes capacity.
//
// Example:
//
//	state, err := mgr.State(ctx, "/api/users", req)
//	fmt.Printf("Used: %d/%d\n", state.Used, state.Limit)
//	fmt.Printf("Remaining: %d\n", state.Remaining)
//	fmt.Printf("Resets in: %s\n", state.ResetIn)
type State struct {
	// Key is the rate limit key this state belongs to.
	Key string

	// Limit is the maximum number of requests allowed in the window.
	Limit int64

	// Used is the number of requests already consumed in the current window.
	Used int64

	// Remaining is Limit - Used, floored at zero.
	Remaining int64

	// ResetAt is the absolute time when the window resets and capacity is
	// fully replenished.
	ResetAt time.Time

	// ResetIn is the duration until ResetAt, as of the time the snapshot
	// was taken.
	ResetIn time.Duration

	// LastRequestAt is the time of the last recorded request for this key.
	// Zero if no requests have been recorded yet.
	LastRequestAt time.Time

	// Window is the time window the quota is measured over.
	Window time.Duration
}

// LimitInfo carries contextual detail about a single rate limit decision. It
// is passed to Manager's OnLimit/OnAllow callbacks — richer than Decision
// because it also names the algorithm and cost involved, for observability
// hooks that Decision alone wasn't meant to serve.
//
// Example:
//
//	mgr := manager.New(
//	    manager.WithOnLimit(func(info flexlimit.LimitInfo) {
//	        log.Warn("rate limited", "key", info.Key, "limit", info.Limit)
//	    }),
//	)
type LimitInfo struct {
	// Key is the rate limit key this decision was made for.
	Key string

	// Allowed indicates whether the request was allowed.
	Allowed bool

	// Limit is the quota's effective burst capacity (Quota.EffectiveBurst).
	Limit int64

	// Used is the number of requests consumed so far in the window.
	Used int64

	// Remaining is the number of requests left before the limit is hit.
	Remaining int64

	// ResetAt is when the limit resets.
	ResetAt time.Time

	// ResetIn is the duration until reset.
	ResetIn time.Duration

	// Cost is the cost of the request that produced this decision.
	Cost int64

	// Algorithm names the rate limiting algorithm that produced this
	// decision (e.g. "gcra", "token_bucket", "sliding_window").
	Algorithm string

	// Metadata carries arbitrary data through the callback, for request
	// tracing or user context. Never used to derive the rate limit key.
	Metadata map[string]interface{}
}

// AlgorithmType names one of the built-in rate limiting algorithms, for
// type-safe selection when building a Manager route or a standalone
// algorithm.Algorithm.
type AlgorithmType string

const (
	// GCRA paces requests by a theoretical arrival time, allowing a burst
	// on top of a strictly smoothed sustained rate.
	GCRA AlgorithmType = "gcra"

	// TokenBucket allows bursts up to the bucket size and refills at a
	// constant rate.
	TokenBucket AlgorithmType = "token_bucket"

	// LeakyBucket enforces a constant drain rate with a bounded queue.
	LeakyBucket AlgorithmType = "leaky_bucket"

	// SlidingLog tracks individual request timestamps for an exact rolling
	// window count, at the cost of memory proportional to the limit.
	SlidingLog AlgorithmType = "sliding_log"

	// SlidingWindow approximates a rolling window by interpolating between
	// two fixed windows, trading exactness for constant memory.
	SlidingWindow AlgorithmType = "sliding_window"

	// FixedWindow divides time into fixed intervals. Simple and cheap, but
	// allows up to 2x the rate for a brief period at window boundaries.
	FixedWindow AlgorithmType = "fixed_window"

	// Concurrency limits requests in flight rather than requests over
	// time; Decision.Allowed reflects whether a slot was acquired.
	Concurrency AlgorithmType = "concurrency"
)

// FallbackStrategy defines how a Manager behaves when its storage backend
// returns an error instead of a decision.
type FallbackStrategy string

const (
	// AllowAll allows all requests when storage fails (fail open).
	// Prioritizes availability over protection.
	AllowAll FallbackStrategy = "allow_all"

	// DenyAll denies all requests when storage fails (fail closed).
	// Prioritizes protection over availability.
	DenyAll FallbackStrategy = "deny_all"

	// LocalMemory falls back to an in-process store when the configured
	// remote store fails, trading global accuracy for availability.
	LocalMemory FallbackStrategy = "local_memory"
)

// String returns the string representation of the algorithm type.
func (a AlgorithmType) String() string {
	return string(a)
}

// String returns the string representation of the fallback strategy.
func (f FallbackStrategy) String() string {
	return string(f)
}

// Validate checks that a is one of the built-in algorithm types.
func (a AlgorithmType) Validate() error {
	switch a {
	case GCRA, TokenBucket, LeakyBucket, SlidingLog, SlidingWindow, FixedWindow, Concurrency:
		return nil
	default:
		return &InvalidConfigError{
			Field:  "algorithm",
			Value:  a,
			Reason: "must be one of: gcra, token_bucket, leaky_bucket, sliding_log, sliding_window, fixed_window, concurrency",
		}
	}
}

// Validate checks that f is one of the built-in fallback strategies.
func (f FallbackStrategy) Validate() error {
	switch f {
	case AllowAll, DenyAll, LocalMemory:
		return nil
	default:
		return &InvalidConfigError{
			Field:  "fallback_strategy",
			Value:  f,
			Reason: "must be one of: allow_all, deny_all, local_memory",
		}
	}
}
