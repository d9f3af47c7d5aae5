package storage

import "time"

// Kind identifies which algorithm-specific payload an Entry carries.
type Kind string

const (
	KindGCRA          Kind = "gcra"
	KindTokenBucket   Kind = "token_bucket"
	KindLeakyBucket   Kind = "leaky_bucket"
	KindSlidingLog    Kind = "sliding_log"
	KindSlidingWindow Kind = "sliding_window"
	KindFixedWindow   Kind = "fixed_window"
	KindConcurrency   Kind = "concurrency"
)

// GCRAPayload is the single-timestamp state GCRA mutates.
type GCRAPayload struct {
	TAT time.Time `json:"tat"`
}

// TokenBucketPayload is the token-bucket algorithm's state.
type TokenBucketPayload struct {
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
}

// LeakyBucketPayload is the leaky-bucket algorithm's state.
type LeakyBucketPayload struct {
	Water    float64   `json:"water"`
	LastDrip time.Time `json:"last_drip"`
}

// SlidingLogPayload is the sliding-log algorithm's state: a fixed-capacity
// ring buffer of request timestamps within the window.
type SlidingLogPayload struct {
	Timestamps []time.Time `json:"timestamps"`
	Head       int         `json:"head"`
	Len        int         `json:"len"`
}

// SlidingWindowPayload is the sliding-window-counter algorithm's state.
type SlidingWindowPayload struct {
	PrevCount   int64     `json:"prev_count"`
	CurrCount   int64     `json:"curr_count"`
	WindowStart time.Time `json:"window_start"`
}

// FixedWindowPayload is the fixed-window algorithm's state.
type FixedWindowPayload struct {
	Count       int64     `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

// ConcurrencyPayload is the concurrent-limiter's in-flight token set.
type ConcurrencyPayload struct {
	Tokens map[string]struct{} `json:"tokens"`
}

// Entry is the opaque per-key state Storage persists. Exactly one payload
// field is populated, selected by Kind — Go has no sum types, so this
// emulates the spec's "tagged union of algorithm-specific payloads" with
// nullable fields instead.
type Entry struct {
	Kind Kind

	GCRA          *GCRAPayload
	TokenBucket   *TokenBucketPayload
	LeakyBucket   *LeakyBucketPayload
	SlidingLog    *SlidingLogPayload
	SlidingWindow *SlidingWindowPayload
	FixedWindow   *FixedWindowPayload
	Concurrency   *ConcurrencyPayload

	CreatedAt time.Time
	UpdatedAt time.Time
	TTLHint   time.Duration
}

// UpdatedAtOrZero returns e.UpdatedAt, or the zero Time if e is nil.
func (e *Entry) UpdatedAtOrZero() time.Time {
	if e == nil {
		return time.Time{}
	}
	return e.UpdatedAt
}

// Clone returns a deep copy of e so algorithms can mutate a snapshot without
// aliasing the entry Storage currently holds.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	switch e.Kind {
	case KindGCRA:
		if e.GCRA != nil {
			v := *e.GCRA
			c.GCRA = &v
		}
	case KindTokenBucket:
		if e.TokenBucket != nil {
			v := *e.TokenBucket
			c.TokenBucket = &v
		}
	case KindLeakyBucket:
		if e.LeakyBucket != nil {
			v := *e.LeakyBucket
			c.LeakyBucket = &v
		}
	case KindSlidingLog:
		if e.SlidingLog != nil {
			v := *e.SlidingLog
			v.Timestamps = append([]time.Time(nil), e.SlidingLog.Timestamps...)
			c.SlidingLog = &v
		}
	case KindSlidingWindow:
		if e.SlidingWindow != nil {
			v := *e.SlidingWindow
			c.SlidingWindow = &v
		}
	case KindFixedWindow:
		if e.FixedWindow != nil {
			v := *e.FixedWindow
			c.FixedWindow = &v
		}
	case KindConcurrency:
		if e.Concurrency != nil {
			v := ConcurrencyPayload{Tokens: make(map[string]struct{}, len(e.Concurrency.Tokens))}
			for k := range e.Concurrency.Tokens {
				v.Tokens[k] = struct{}{}
			}
			c.Concurrency = &v
		}
	}
	return &c
}
