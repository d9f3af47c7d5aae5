package algorithm_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flexlimit "github.com/flexlimitio/flexlimit"
	"github.com/flexlimitio/flexlimit/algorithm"
	"github.com/flexlimitio/flexlimit/internal/clock"
	"github.com/flexlimitio/flexlimit/storage/memory"
)

func TestConcurrencyAcquiresUpToCapacityThenDenies(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := memory.New(memory.WithClock(mock))
	defer store.Close()

	c := algorithm.NewConcurrency(algorithm.WithClock(mock))
	quota := flexlimit.NewQuota(3, time.Minute)

	var tokens []string
	for i := 0; i < 3; i++ {
		d, token, err := c.AcquireToken(ctx, store, "k", quota)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		tokens = append(tokens, token)
	}

	d, _, err := c.AcquireToken(ctx, store, "k", quota)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	require.NoError(t, c.Release(ctx, store, "k", tokens[0]))

	d, _, err = c.AcquireToken(ctx, store, "k", quota)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "releasing a slot should free capacity for a new acquire")
}

func TestConcurrencyRefundClampsAtCapacity(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := memory.New(memory.WithClock(mock))
	defer store.Close()

	c := algorithm.NewConcurrency(algorithm.WithClock(mock))
	quota := flexlimit.NewQuota(3, time.Minute)

	d, err := c.CheckAndRecord(ctx, store, "k", quota, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, int64(2), d.Remaining)

	d, err = c.CheckAndRecord(ctx, store, "k", quota, -5)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(3), d.Remaining, "a refund cannot release more slots than are held")
}

func TestConcurrencyReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer store.Close()

	c := algorithm.NewConcurrency()
	quota := flexlimit.NewQuota(2, time.Minute)

	_, token, err := c.AcquireToken(ctx, store, "k", quota)
	require.NoError(t, err)

	require.NoError(t, c.Release(ctx, store, "k", token))
	require.NoError(t, c.Release(ctx, store, "k", token), "releasing an already-released token is a no-op")
	require.NoError(t, c.Release(ctx, store, "k", "never-issued"))
}

func TestConcurrencyLeaseReclaimsAbandonedSlots(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := memory.New(memory.WithClock(mock))
	defer store.Close()

	c := algorithm.NewConcurrency(algorithm.WithClock(mock))
	quota := flexlimit.NewQuota(1, time.Minute)

	_, _, err := c.AcquireToken(ctx, store, "k", quota)
	require.NoError(t, err)

	d, _, err := c.AcquireToken(ctx, store, "k", quota)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	mock.Advance(2 * time.Minute)

	d, _, err = c.AcquireToken(ctx, store, "k", quota)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "an abandoned slot should be reclaimed once its lease TTL expires")
}

func TestConcurrencyStateAndReset(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer store.Close()

	c := algorithm.NewConcurrency()
	quota := flexlimit.NewQuota(3, time.Minute)

	_, _, err := c.AcquireToken(ctx, store, "k", quota)
	require.NoError(t, err)
	_, _, err = c.AcquireToken(ctx, store, "k", quota)
	require.NoError(t, err)

	state, err := c.State(ctx, store, "k", quota)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Used)
	assert.Equal(t, int64(1), state.Remaining)

	require.NoError(t, c.Reset(ctx, store, "k"))
	state, err = c.State(ctx, store, "k", quota)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.Used)
}
