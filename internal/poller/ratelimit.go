package poller

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter spaces outbound calls to the conversation platform. Guard
// blocks the caller until at least 1/rps seconds have elapsed since the
// previous permitted call.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a limiter allowing rps requests per second with
// no burst beyond a single request.
func NewRateLimiter(rps float64) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), 1)}
}

// Guard blocks until the next request is allowed or ctx is done.
func (r *RateLimiter) Guard(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}
