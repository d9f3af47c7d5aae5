// Package memory provides the in-process Storage backend: a key space
// sharded across independent lock stripes, with three garbage-collection
// modes (request-driven, time-driven, and manual).
package memory

import (
	"context"
	"log/slog"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/flexlimitio/flexlimit/internal/clock"
	"github.com/flexlimitio/flexlimit/storage"
)

const (
	defaultNumShards       = 32
	defaultGCEvery         = 1024
	defaultGCInterval      = 30 * time.Second
	defaultGCBatch         = 256
	defaultCleanupDisabled = 0
)

type shardItem struct {
	entry  *storage.Entry
	expiry time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*shardItem
}

// Storage is the in-process Storage implementation. Reads and writes for a
// given key take only that key's stripe lock, so distinct keys contend only
// on the O(1) cost of hashing into a stripe, never on each other's data.
type Storage struct {
	shards    []*shard
	numShards uint64

	clock  clock.Clock
	logger *slog.Logger

	gcEvery    int64
	opCount    atomic.Int64
	gcInterval time.Duration
	gcBatch    int

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Storage constructed by New.
type Option func(*Storage)

// WithShardCount overrides the number of lock stripes (default 32).
func WithShardCount(n int) Option {
	return func(s *Storage) {
		if n > 0 {
			s.numShards = uint64(n)
		}
	}
}

// WithClock overrides the time source (default clock.New()).
func WithClock(c clock.Clock) Option {
	return func(s *Storage) { s.clock = c }
}

// WithLogger overrides the backend's logger (default slog.Default()). GC
// sweeps in this backend do not log, so nothing is written to it.
func WithLogger(l *slog.Logger) Option {
	return func(s *Storage) { s.logger = l }
}

// WithRequestDrivenGC sets how many operations elapse between request-driven
// sweeps (default 1024). A value <= 0 disables request-driven GC.
func WithRequestDrivenGC(every int) Option {
	return func(s *Storage) { s.gcEvery = int64(every) }
}

// WithTimeDrivenGC enables a background goroutine that sweeps every
// interval. A zero interval (the default) disables time-driven GC.
func WithTimeDrivenGC(interval time.Duration) Option {
	return func(s *Storage) { s.gcInterval = interval }
}

// WithGCBatchSize overrides how many expired entries a single sweep removes
// from one stripe before yielding (default 256).
func WithGCBatchSize(n int) Option {
	return func(s *Storage) {
		if n > 0 {
			s.gcBatch = n
		}
	}
}

// New constructs an in-process Storage backend.
func New(opts ...Option) *Storage {
	s := &Storage{
		numShards:  defaultNumShards,
		clock:      clock.New(),
		logger:     slog.Default(),
		gcEvery:    defaultGCEvery,
		gcInterval: defaultCleanupDisabled,
		gcBatch:    defaultGCBatch,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.shards = make([]*shard, s.numShards)
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*shardItem)}
	}

	if s.gcInterval > 0 {
		s.wg.Add(1)
		go s.gcLoop()
	}

	return s
}

func (s *Storage) shardFor(key string) *shard {
	h := xxhash.Sum64String(key)
	return s.shards[h%s.numShards]
}

func (s *Storage) maybeRequestDrivenGC() {
	if s.gcEvery <= 0 {
		return
	}
	n := s.opCount.Add(1)
	if n%s.gcEvery == 0 {
		s.sweepOneShard(int(n / s.gcEvery % int64(s.numShards)))
	}
}

// Get retrieves the latest entry for key, or (nil, false, nil) if absent or
// expired.
func (s *Storage) Get(_ context.Context, key string) (*storage.Entry, bool, error) {
	s.maybeRequestDrivenGC()

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	item, ok := sh.entries[key]
	if !ok || s.clock.Now().After(item.expiry) {
		return nil, false, nil
	}
	return item.entry.Clone(), true, nil
}

// Set stores entry unconditionally, expiring it after ttl.
func (s *Storage) Set(_ context.Context, key string, entry *storage.Entry, ttl time.Duration) error {
	s.maybeRequestDrivenGC()

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.entries[key] = &shardItem{entry: entry.Clone(), expiry: s.expiryFor(ttl)}
	return nil
}

func (s *Storage) expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return s.clock.Now().Add(100 * 365 * 24 * time.Hour)
	}
	return s.clock.Now().Add(ttl)
}

// Delete removes key. It is idempotent.
func (s *Storage) Delete(_ context.Context, key string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.entries, key)
	return nil
}

// Reset is a thin wrapper over Delete.
func (s *Storage) Reset(ctx context.Context, key string) error {
	return s.Delete(ctx, key)
}

// Increment atomically adds delta to the fixed-window counter stored at key,
// resetting it to delta first if the stored window start differs from
// windowStart.
func (s *Storage) Increment(_ context.Context, key string, delta int64, windowStart time.Time, ttl time.Duration) (int64, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	item, ok := sh.entries[key]
	now := s.clock.Now()
	if !ok || now.After(item.expiry) || item.entry.FixedWindow == nil || !item.entry.FixedWindow.WindowStart.Equal(windowStart) {
		entry := &storage.Entry{
			Kind:        storage.KindFixedWindow,
			FixedWindow: &storage.FixedWindowPayload{Count: delta, WindowStart: windowStart},
			CreatedAt:   now,
			UpdatedAt:   now,
			TTLHint:     ttl,
		}
		sh.entries[key] = &shardItem{entry: entry, expiry: s.expiryFor(ttl)}
		return delta, nil
	}

	item.entry.FixedWindow.Count += delta
	item.entry.UpdatedAt = now
	item.expiry = s.expiryFor(ttl)
	return item.entry.FixedWindow.Count, nil
}

// CompareAndSwap replaces the entry at key with newEntry iff the current
// entry deep-equals expected.
func (s *Storage) CompareAndSwap(_ context.Context, key string, expected, newEntry *storage.Entry, ttl time.Duration) (bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	item, ok := sh.entries[key]
	now := s.clock.Now()

	var current *storage.Entry
	if ok && !now.After(item.expiry) {
		current = item.entry
	}
	if !reflect.DeepEqual(current, expected) {
		return false, nil
	}

	sh.entries[key] = &shardItem{entry: newEntry.Clone(), expiry: s.expiryFor(ttl)}
	return true, nil
}

// ExecuteAtomic runs op under key's stripe lock and persists the entry it
// returns.
func (s *Storage) ExecuteAtomic(_ context.Context, key string, ttl time.Duration, op func(*storage.Entry, bool) (*storage.Entry, any, error)) (any, error) {
	s.maybeRequestDrivenGC()

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.clock.Now()
	item, ok := sh.entries[key]
	exists := ok && !now.After(item.expiry)

	var snapshot *storage.Entry
	if exists {
		snapshot = item.entry.Clone()
	}

	newEntry, result, err := op(snapshot, exists)
	if err != nil {
		return result, err
	}
	if newEntry != nil {
		newEntry.UpdatedAt = now
		if newEntry.CreatedAt.IsZero() {
			newEntry.CreatedAt = now
		}
		sh.entries[key] = &shardItem{entry: newEntry, expiry: s.expiryFor(ttl)}
	}
	return result, nil
}

// GC runs one full manual sweep over every stripe, removing expired entries.
func (s *Storage) GC(_ context.Context) error {
	for i := range s.shards {
		s.sweepOneShard(i)
	}
	return nil
}

func (s *Storage) sweepOneShard(i int) {
	sh := s.shards[i]
	now := s.clock.Now()

	sh.mu.Lock()
	removed := 0
	for key, item := range sh.entries {
		if removed >= s.gcBatch {
			break
		}
		if now.After(item.expiry) {
			delete(sh.entries, key)
			removed++
		}
	}
	sh.mu.Unlock()
}

func (s *Storage) gcLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for i := range s.shards {
				s.sweepOneShard(i)
				runtime.Gosched()
			}
		case <-s.stopCh:
			return
		}
	}
}

// Close stops the background GC goroutine, if any. Close is safe to call
// more than once.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	return nil
}
