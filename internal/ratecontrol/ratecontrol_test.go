package ratecontrol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottle(t *testing.T) {
	th := NewThrottle(time.Hour)
	assert.True(t, th.Allow())
	assert.False(t, th.Allow())
	d := th.Delay()
	assert.Greater(t, d, 59*time.Minute)
	// Delay does not consume
	assert.InDelta(t, d.Seconds(), th.Delay().Seconds(), 1)
}

func TestThrottleDisabled(t *testing.T) {
	th := NewThrottle(0)
	for i := 0; i < 10; i++ {
		assert.True(t, th.Allow())
	}
	assert.Zero(t, th.Delay())
}

func TestCombineLimits(t *testing.T) {
	assert.Equal(t, RateLimit{RPM: 20, Burst: 5}, CombineLimits(RateLimit{RPM: 30, Burst: 5}, RateLimit{RPM: 20, Burst: 10}))
	assert.Equal(t, RateLimit{RPM: 30, Burst: 2}, CombineLimits(RateLimit{RPM: 30}, RateLimit{Burst: 2}))
}

func TestKeyedLimiter(t *testing.T) {
	k := NewKeyedLimiter(RateLimit{RPM: 60, Burst: 2}, map[string]RateLimit{"vip": {RPM: 600, Burst: 50}}, time.Minute)

	assert.True(t, k.Allow("a"))
	assert.True(t, k.Allow("a"))
	assert.False(t, k.Allow("a"))
	assert.Greater(t, k.RetryAfter("a"), time.Duration(0))

	// independent bucket
	assert.True(t, k.Allow("b"))

	// override burst is capped by the default burst
	assert.Equal(t, RateLimit{RPM: 600, Burst: 2}, k.LimitFor("vip"))
}

func TestKeyedLimiterUnlimited(t *testing.T) {
	k := NewKeyedLimiter(RateLimit{}, nil, time.Minute)
	for i := 0; i < 100; i++ {
		assert.True(t, k.Allow("x"))
	}
}
