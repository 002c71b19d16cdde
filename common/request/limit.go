package request

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter interface groups rate limit functionality so that callers with
// more involved throttling needs can supply their own implementation.
type Limiter interface {
	Limit(context.Context) error
}

// BasicLimit denotes a basic rate limit that implements the Limiter interface
type BasicLimit struct {
	r *rate.Limiter
}

// Limit blocks until the reservation can proceed or the context is done
func (b *BasicLimit) Limit(ctx context.Context) error {
	return b.r.Wait(ctx)
}

// NewRateLimit creates a new rate limiter based on a time interval and how
// many actions are allowed within it, broken down to an actions-per-second
// basis. Burst is kept at one for outbound requests.
func NewRateLimit(interval time.Duration, actions int) *rate.Limiter {
	if actions <= 0 || interval <= 0 {
		// Returns an un-restricted rate limiter
		return rate.NewLimiter(rate.Inf, 1)
	}

	i := 1 / interval.Seconds()
	rps := i * float64(actions)
	return rate.NewLimiter(rate.Limit(rps), 1)
}

// NewBasicRateLimit returns a Limiter allowing the given number of actions
// per interval
func NewBasicRateLimit(interval time.Duration, actions int) Limiter {
	return &BasicLimit{NewRateLimit(interval, actions)}
}
