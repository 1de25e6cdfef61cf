package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newLimiter(limit int) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(Options{Limit: limit, Window: time.Minute, MinInterval: 500 * time.Millisecond, Now: clock.Now}), clock
}

func TestAllowCountsDownRemaining(t *testing.T) {
	l, clock := newLimiter(3)

	for want := 2; want >= 0; want-- {
		d := l.Allow("u1")
		require.True(t, d.Allowed)
		assert.Equal(t, want, d.Remaining)
		clock.Advance(time.Second)
	}

	d := l.Allow("u1")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimited, d.Reason)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 57*time.Second, d.RetryAfter, "first event frees up one window after it was recorded")
}

func TestDebounceRejectsBurst(t *testing.T) {
	l, clock := newLimiter(20)

	require.True(t, l.Allow("u1").Allowed)
	clock.Advance(200 * time.Millisecond)

	d := l.Allow("u1")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDebounced, d.Reason)
	assert.Equal(t, 300*time.Millisecond, d.RetryAfter)
	assert.Equal(t, 19, d.Remaining)

	clock.Advance(300 * time.Millisecond)
	assert.True(t, l.Allow("u1").Allowed)
}

func TestRejectedAttemptsDoNotConsume(t *testing.T) {
	l, clock := newLimiter(2)

	require.True(t, l.Allow("u1").Allowed)
	for i := 0; i < 5; i++ {
		assert.False(t, l.Allow("u1").Allowed)
	}
	clock.Advance(time.Second)
	assert.Equal(t, 1, l.Remaining("u1"))
	assert.True(t, l.Allow("u1").Allowed)
}

func TestWindowSlides(t *testing.T) {
	l, clock := newLimiter(2)

	require.True(t, l.Allow("u1").Allowed)
	clock.Advance(30 * time.Second)
	require.True(t, l.Allow("u1").Allowed)
	clock.Advance(time.Second)
	require.False(t, l.Allow("u1").Allowed)

	clock.Advance(30 * time.Second)
	assert.True(t, l.Allow("u1").Allowed, "the first event left the window")
	assert.True(t, l.Allow("u2").Allowed, "keys are independent")
}

func TestSweepDropsIdleKeys(t *testing.T) {
	l, clock := newLimiter(2)
	l.Allow("u1")
	l.Allow("u2")
	clock.Advance(2 * time.Minute)

	assert.Equal(t, 2, l.Sweep())
	assert.Equal(t, 2, l.Remaining("u1"))
}
