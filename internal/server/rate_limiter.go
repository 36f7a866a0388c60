package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter returns a token bucket holding burst events that refills
// completely every interval.
func newRateLimiter(burst int, interval time.Duration) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Limit(float64(burst)/interval.Seconds()), burst)
}
