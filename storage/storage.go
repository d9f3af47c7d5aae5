// Package storage provides the durable-ish key→entry abstraction that every
// rate-limiting algorithm builds on.
//
// Two concrete backends live in sibling packages: storage/memory (an
// in-process sharded map with garbage collection) and storage/redisstore (a
// Redis-backed remote store with pooled, admission-controlled connections).
// Both implement Storage, so callers depend only on this interface and can
// swap backends without touching algorithm code.
package storage

import (
	"context"
	"time"
)

// Storage is the contract every rate-limiting algorithm uses to read and
// atomically mutate per-key state.
//
// Implementations must guarantee: (a) ExecuteAtomic's op observes a
// consistent snapshot of the entry; (b) concurrent invocations for the same
// key serialize; (c) concurrent invocations for distinct keys do not block
// each other beyond O(1) contention on shared index structures.
//
// Storage is deliberately an interface rather than a concrete type: both
// uniquely-owned and shared handles to any implementation satisfy it
// directly, since Go interface values already carry reference semantics.
// Callers (algorithms, the Manager) accept Storage, never a concrete
// backend type.
type Storage interface {
	// Get retrieves the latest entry for key, or (nil, false, nil) if absent.
	Get(ctx context.Context, key string) (*Entry, bool, error)

	// Set stores entry unconditionally, expiring it after ttl. A zero ttl
	// means the key never expires.
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error

	// Delete removes key. It is idempotent: deleting an absent key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// Increment atomically adds delta to the counter stored at key. If the
	// stored window start differs from windowStart, the counter is reset to
	// delta first (this is how fixed/sliding window algorithms roll their
	// window without a read-modify-write round trip). Returns the value
	// after the increment.
	Increment(ctx context.Context, key string, delta int64, windowStart time.Time, ttl time.Duration) (int64, error)

	// CompareAndSwap replaces the entry at key with newEntry iff the current
	// entry equals expected (nil expected means "key must be absent").
	CompareAndSwap(ctx context.Context, key string, expected, newEntry *Entry, ttl time.Duration) (bool, error)

	// ExecuteAtomic runs op against the current entry for key (exists is
	// false and entry is nil on first access) under a per-key critical
	// section, then writes the entry op returns with the given ttl. op must
	// be non-blocking and CPU-bounded: implementations may hold an
	// exclusive lock or a remote CAS retry loop for its entire duration.
	// The second return value of op is threaded back as ExecuteAtomic's
	// result, letting algorithms return a Decision without a second call.
	ExecuteAtomic(ctx context.Context, key string, ttl time.Duration, op func(entry *Entry, exists bool) (*Entry, any, error)) (any, error)

	// Reset clears all state for key, giving it a fresh start. It is a thin
	// wrapper over Delete, named separately because every algorithm and
	// every adapter needs the same "reset this key" operation.
	Reset(ctx context.Context, key string) error

	// Close releases resources held by the backend (background goroutines,
	// pooled connections). After Close, the backend must not be used.
	Close() error
}
