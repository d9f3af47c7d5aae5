package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexlimitio/flexlimit/storage"
)

func TestEntryMarshalRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := &storage.Entry{
		Kind:      storage.KindGCRA,
		GCRA:      &storage.GCRAPayload{TAT: now.Add(time.Second)},
		CreatedAt: now,
		UpdatedAt: now,
		TTLHint:   time.Minute,
	}

	data, err := entry.MarshalBinary()
	require.NoError(t, err)

	var decoded storage.Entry
	require.NoError(t, decoded.UnmarshalBinary(data))

	assert.Equal(t, entry.Kind, decoded.Kind)
	assert.True(t, entry.GCRA.TAT.Equal(decoded.GCRA.TAT))
	assert.Equal(t, entry.TTLHint, decoded.TTLHint)
}

func TestEntryUnmarshalUnknownVersion(t *testing.T) {
	var decoded storage.Entry
	err := decoded.UnmarshalBinary([]byte(`{"v":99,"k":"gcra","p":{}}`))
	require.Error(t, err)

	var corrupt *storage.CorruptError
	require.ErrorAs(t, err, &corrupt)
}

func TestEntryCloneIsDeep(t *testing.T) {
	entry := &storage.Entry{
		Kind: storage.KindSlidingLog,
		SlidingLog: &storage.SlidingLogPayload{
			Timestamps: []time.Time{time.Now()},
			Len:        1,
		},
	}
	clone := entry.Clone()
	clone.SlidingLog.Timestamps[0] = time.Time{}

	assert.NotEqual(t, entry.SlidingLog.Timestamps[0], clone.SlidingLog.Timestamps[0])
}

func TestUpdatedAtOrZeroNilSafe(t *testing.T) {
	var e *storage.Entry
	assert.True(t, e.UpdatedAtOrZero().IsZero())
}
