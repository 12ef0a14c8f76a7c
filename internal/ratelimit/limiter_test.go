package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestHourlyCap(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 5, 4, 10, 15, 0, 0, time.UTC)}
	l := NewLimiter(NewMemoryCounter(clock.Now), 3, 100, clock.Now)

	for i := 0; i < 3; i++ {
		d, err := l.Check(ctx)
		require.NoError(t, err)
		require.True(t, d.Allowed, "alert %d should be allowed", i+1)
		require.NoError(t, l.Record(ctx))
	}

	d, err := l.Check(ctx)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "hour", d.Scope)
	assert.Equal(t, 45*time.Minute, d.RetryAfter)

	// Next hour bucket starts fresh.
	clock.Advance(46 * time.Minute)
	d, err = l.Check(ctx)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestDailyCap(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 5, 4, 22, 0, 0, 0, time.UTC)}
	l := NewLimiter(NewMemoryCounter(clock.Now), 0, 2, clock.Now)

	for i := 0; i < 2; i++ {
		require.NoError(t, l.Record(ctx))
	}

	d, err := l.Check(ctx)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "day", d.Scope)
	assert.Equal(t, 2*time.Hour, d.RetryAfter)
}

func TestChannelCap(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	l := NewLimiter(NewMemoryCounter(clock.Now), 0, 0, clock.Now)

	ok, err := l.ChannelAvailable(ctx, "email", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.RecordChannel(ctx, "email"))
	require.NoError(t, l.RecordChannel(ctx, "email"))

	ok, err = l.ChannelAvailable(ctx, "email", 2)
	require.NoError(t, err)
	assert.False(t, ok, "email is at its cap")

	ok, err = l.ChannelAvailable(ctx, "slack", 2)
	require.NoError(t, err)
	assert.True(t, ok, "caps are per channel")

	ok, err = l.ChannelAvailable(ctx, "email", 0)
	require.NoError(t, err)
	assert.True(t, ok, "zero cap is unlimited")
}

func TestMemoryCounterExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	c := NewMemoryCounter(clock.Now)

	n, err := c.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, _ = c.Incr(ctx, "k", time.Minute)
	assert.Equal(t, int64(2), n)

	clock.Advance(2 * time.Minute)
	n, _ = c.Get(ctx, "k")
	assert.Equal(t, int64(0), n, "expired key reads as zero")

	removed, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	n, _ = c.Incr(ctx, "k", time.Minute)
	assert.Equal(t, int64(1), n, "expired key restarts at one")
}
