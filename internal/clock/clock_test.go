package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flexlimitio/flexlimit/internal/clock"
)

func TestRealClockUsesSystemTime(t *testing.T) {
	c := clock.New()
	before := time.Now()
	now := c.Now()
	after := time.Now()
	assert.False(t, now.Before(before))
	assert.False(t, now.After(after))
}

func TestMockSetAndAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewMockAt(start)
	assert.True(t, m.Now().Equal(start))

	m.Advance(time.Hour)
	assert.True(t, m.Now().Equal(start.Add(time.Hour)))

	later := start.Add(24 * time.Hour)
	m.Set(later)
	assert.True(t, m.Now().Equal(later))
}

func TestMockAutoAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewMockAt(start)
	m.SetAutoAdvance(time.Second)

	first := m.Now()
	second := m.Now()
	assert.Equal(t, time.Second, second.Sub(first))

	m.DisableAutoAdvance()
	third := m.Now()
	fourth := m.Now()
	assert.True(t, third.Equal(fourth))
}

func TestMockSince(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewMockAt(start)
	m.Advance(5 * time.Minute)
	assert.Equal(t, 5*time.Minute, m.Since(start))
}
