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

func TestSlidingWindowAllowsUpToLimitThenDenies(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := memory.New(memory.WithClock(mock))
	defer store.Close()

	sw := algorithm.NewSlidingWindow(algorithm.WithClock(mock))
	quota := flexlimit.NewQuota(5, time.Minute)

	for i := 0; i < 5; i++ {
		d, err := sw.CheckAndRecord(ctx, store, "k", quota, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := sw.CheckAndRecord(ctx, store, "k", quota, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestSlidingWindowRefundClampsAtZero(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := memory.New(memory.WithClock(mock))
	defer store.Close()

	sw := algorithm.NewSlidingWindow(algorithm.WithClock(mock))
	quota := flexlimit.NewQuota(5, time.Minute)

	d, err := sw.CheckAndRecord(ctx, store, "k", quota, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, int64(4), d.Remaining)

	d, err = sw.CheckAndRecord(ctx, store, "k", quota, -5)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(5), d.Remaining, "a refund cannot push the current window's count below zero")
}

func TestSlidingWindowWeightsPreviousWindowAsItRecedes(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := memory.New(memory.WithClock(mock))
	defer store.Close()

	sw := algorithm.NewSlidingWindow(algorithm.WithClock(mock))
	quota := flexlimit.NewQuota(5, time.Minute)

	for i := 0; i < 5; i++ {
		_, err := sw.CheckAndRecord(ctx, store, "k", quota, 1)
		require.NoError(t, err)
	}

	// Cross into the next window, 30s (half a period) past the boundary:
	// the prior window's count is now weighted by 0.5, freeing capacity.
	mock.Advance(90 * time.Second)

	d, err := sw.CheckAndRecord(ctx, store, "k", quota, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestSlidingWindowStateAndReset(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := memory.New(memory.WithClock(mock))
	defer store.Close()

	sw := algorithm.NewSlidingWindow(algorithm.WithClock(mock))
	quota := flexlimit.NewQuota(5, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := sw.CheckAndRecord(ctx, store, "k", quota, 1)
		require.NoError(t, err)
	}

	state, err := sw.State(ctx, store, "k", quota)
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.Used)
	assert.Equal(t, int64(2), state.Remaining)

	require.NoError(t, sw.Reset(ctx, store, "k"))
	state, err = sw.State(ctx, store, "k", quota)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.Used)
}
