package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterBurst(t *testing.T) {
	limiter := newRateLimiter(3, time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow(), "event %d", i)
	}
	assert.False(t, limiter.Allow())
}

func TestRateLimiterRefill(t *testing.T) {
	limiter := newRateLimiter(2, 100*time.Millisecond)
	assert.True(t, limiter.Allow())
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())

	assert.Eventually(t, limiter.Allow, time.Second, 10*time.Millisecond)
}

func TestRateLimiterInvalidParameters(t *testing.T) {
	limiter := newRateLimiter(0, 0)
	assert.Equal(t, 1, limiter.Burst())
	assert.True(t, limiter.Allow())
}
