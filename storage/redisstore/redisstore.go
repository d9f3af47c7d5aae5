// Package redisstore provides the remote Storage backend: a Redis-backed
// key→entry store with a logical connection-admission semaphore distinct
// from go-redis's own physical connection pool, and an optimistic
// WATCH/MULTI/EXEC transaction for ExecuteAtomic/CompareAndSwap.
package redisstore

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/flexlimitio/flexlimit/internal/clock"
	"github.com/flexlimitio/flexlimit/storage"
)

const (
	defaultKeyPrefix      = "rl:"
	defaultMaxConnections = 64
	defaultAcquireTimeout = 500 * time.Millisecond
	defaultMaxRetries     = 3
	backoffBase           = time.Millisecond
	backoffCap            = 20 * time.Millisecond
)

// incrementScript atomically increments a fixed/sliding-window counter,
// resetting it to delta when the stored window start does not match the
// caller's. The native INCRBY command cannot express the conditional reset,
// so the whole read-modify-write runs server-side in one round trip.
const incrementScript = `
local raw = redis.call('GET', KEYS[1])
local count
if raw == false then
  count = tonumber(ARGV[1])
else
  local sep = string.find(raw, "|")
  local storedWindow = string.sub(raw, 1, sep - 1)
  local storedCount = tonumber(string.sub(raw, sep + 1))
  if storedWindow == ARGV[2] then
    count = storedCount + tonumber(ARGV[1])
  else
    count = tonumber(ARGV[1])
  end
end
redis.call('SET', KEYS[1], ARGV[2] .. '|' .. tostring(count), 'PX', ARGV[3])
return count
`

// Storage is the Redis-backed Storage implementation.
type Storage struct {
	client *redis.Client

	keyPrefix      string
	sem            *semaphore.Weighted
	acquireTimeout time.Duration
	maxRetries     int

	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Storage constructed by New.
type Option func(*Storage)

// WithKeyPrefix overrides the key prefix (default "rl:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Storage) { s.keyPrefix = prefix }
}

// WithMaxConnections bounds concurrent in-flight logical operations (default
// 64), independent of go-redis's own physical pool size.
func WithMaxConnections(n int64) Option {
	return func(s *Storage) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithAcquireTimeout bounds how long ExecuteAtomic waits for admission
// before failing with ErrPoolTimeout (default 500ms).
func WithAcquireTimeout(d time.Duration) Option {
	return func(s *Storage) { s.acquireTimeout = d }
}

// WithMaxRetries overrides the CAS retry budget (default 3).
func WithMaxRetries(n int) Option {
	return func(s *Storage) { s.maxRetries = n }
}

// WithClock overrides the time source (default clock.New()).
func WithClock(c clock.Clock) Option {
	return func(s *Storage) { s.clock = c }
}

// WithLogger overrides the logger used for retry-exhaustion diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Storage) { s.logger = l }
}

// New wraps an existing *redis.Client as a Storage backend.
func New(client *redis.Client, opts ...Option) *Storage {
	s := &Storage{
		client:         client,
		keyPrefix:      defaultKeyPrefix,
		sem:            semaphore.NewWeighted(defaultMaxConnections),
		acquireTimeout: defaultAcquireTimeout,
		maxRetries:     defaultMaxRetries,
		clock:          clock.New(),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Storage) prefixed(key string) string {
	return s.keyPrefix + key
}

func (s *Storage) acquire(ctx context.Context) error {
	acqCtx := ctx
	if s.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acqCtx, cancel = context.WithTimeout(ctx, s.acquireTimeout)
		defer cancel()
	}
	if err := s.sem.Acquire(acqCtx, 1); err != nil {
		if ctx.Err() != nil {
			// The caller's own context was canceled, not the admission
			// timeout this Storage imposes — propagate it as-is.
			return ctx.Err()
		}
		return &storageTimeoutOrPool{err}
	}
	return nil
}

// storageTimeoutOrPool marks a pool-admission timeout distinct from a
// caller-context cancellation, which acquire() returns unwrapped.
type storageTimeoutOrPool struct{ err error }

func (e *storageTimeoutOrPool) Error() string { return e.err.Error() }
func (e *storageTimeoutOrPool) Unwrap() error  { return e.err }

func (s *Storage) release() { s.sem.Release(1) }

func (s *Storage) backoffFor(attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffCap {
		d = backoffCap
	}
	jitter := 1 + (rand.Float64()*0.5 - 0.25) // ±25%
	return time.Duration(float64(d) * jitter)
}

// Get retrieves the latest entry for key, or (nil, false, nil) if absent.
func (s *Storage) Get(ctx context.Context, key string) (*storage.Entry, bool, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, false, wrapPoolErr(err)
	}
	defer s.release()

	raw, err := s.client.Get(ctx, s.prefixed(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapRedisErr(err)
	}

	entry := &storage.Entry{}
	if err := entry.UnmarshalBinary(raw); err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

// Set stores entry unconditionally, expiring it after ttl.
func (s *Storage) Set(ctx context.Context, key string, entry *storage.Entry, ttl time.Duration) error {
	if err := s.acquire(ctx); err != nil {
		return wrapPoolErr(err)
	}
	defer s.release()

	data, err := entry.MarshalBinary()
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefixed(key), data, ttl).Err(); err != nil {
		return wrapRedisErr(err)
	}
	return nil
}

// Delete removes key. It is idempotent.
func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := s.acquire(ctx); err != nil {
		return wrapPoolErr(err)
	}
	defer s.release()

	if err := s.client.Del(ctx, s.prefixed(key)).Err(); err != nil {
		return wrapRedisErr(err)
	}
	return nil
}

// Reset is a thin wrapper over Delete.
func (s *Storage) Reset(ctx context.Context, key string) error {
	return s.Delete(ctx, key)
}

// Increment atomically adds delta to the counter at key, resetting it to
// delta first if the stored window start differs.
func (s *Storage) Increment(ctx context.Context, key string, delta int64, windowStart time.Time, ttl time.Duration) (int64, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, wrapPoolErr(err)
	}
	defer s.release()

	res, err := s.client.Eval(ctx, incrementScript, []string{s.prefixed(key)},
		delta,
		strconv.FormatInt(windowStart.UnixNano(), 10),
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return 0, wrapRedisErr(err)
	}

	count, ok := res.(int64)
	if !ok {
		return 0, &storage.CorruptError{Key: key, Reason: "increment script returned non-integer"}
	}
	return count, nil
}

// CompareAndSwap replaces the entry at key with newEntry iff the current
// entry equals expected, using a WATCH/MULTI/EXEC transaction.
func (s *Storage) CompareAndSwap(ctx context.Context, key string, expected, newEntry *storage.Entry, ttl time.Duration) (bool, error) {
	result, err := s.executeAtomic(ctx, key, ttl, func(current *storage.Entry, exists bool) (*storage.Entry, any, error) {
		if !entriesMatch(current, exists, expected) {
			return nil, false, nil
		}
		return newEntry, true, nil
	})
	if err != nil {
		return false, err
	}
	ok, _ := result.(bool)
	return ok, nil
}

func entriesMatch(current *storage.Entry, exists bool, expected *storage.Entry) bool {
	if expected == nil {
		return !exists
	}
	if !exists {
		return false
	}
	a, _ := current.MarshalBinary()
	b, _ := expected.MarshalBinary()
	return string(a) == string(b)
}

// ExecuteAtomic runs op against the current entry for key under an
// optimistic WATCH/MULTI/EXEC transaction, retrying on conflict up to
// WithMaxRetries times with exponential backoff and jitter.
func (s *Storage) ExecuteAtomic(ctx context.Context, key string, ttl time.Duration, op func(*storage.Entry, bool) (*storage.Entry, any, error)) (any, error) {
	return s.executeAtomic(ctx, key, ttl, op)
}

func (s *Storage) executeAtomic(ctx context.Context, key string, ttl time.Duration, op func(*storage.Entry, bool) (*storage.Entry, any, error)) (any, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, wrapPoolErr(err)
	}
	defer s.release()

	fullKey := s.prefixed(key)

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		var result any
		var opErr error

		txErr := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, fullKey).Bytes()
			var current *storage.Entry
			exists := false
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				current = &storage.Entry{}
				if uerr := current.UnmarshalBinary(raw); uerr != nil {
					return uerr
				}
				exists = true
			}

			newEntry, res, oErr := op(current, exists)
			result = res
			if oErr != nil {
				opErr = oErr
				return oErr
			}
			if newEntry == nil {
				return nil
			}

			data, merr := newEntry.MarshalBinary()
			if merr != nil {
				return merr
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, fullKey, data, ttl)
				return nil
			})
			return err
		}, fullKey)

		if opErr != nil {
			return result, opErr
		}
		if txErr == nil {
			return result, nil
		}
		if errors.Is(txErr, redis.TxFailedErr) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.backoffFor(attempt)):
			}
			continue
		}
		return nil, wrapRedisErr(txErr)
	}

	if s.logger != nil {
		s.logger.Warn("storage: CAS retries exhausted", "key", key, "retries", s.maxRetries)
	}
	return nil, &storage.ContendedError{Key: key, Retries: s.maxRetries}
}

// Close closes the underlying Redis client.
func (s *Storage) Close() error {
	return s.client.Close()
}

func wrapRedisErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &storage.TimeoutError{Op: "redis"}
	}
	return &storage.UnavailableError{Backend: "redis", Err: err}
}

func wrapPoolErr(err error) error {
	var p *storageTimeoutOrPool
	if errors.As(err, &p) {
		return storage.ErrPoolTimeout
	}
	return err
}
