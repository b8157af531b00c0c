// Package ratelimit wraps golang.org/x/time/rate as the token-bucket
// fractional-rate limiter used for both the producer's put-rate limiting
// and the consumer's per-shard fetch-rate limiting.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter is a single token bucket allowing fractional tokens per second,
// with a configurable burst (defaults to 1 token, i.e. no bursting beyond
// the steady rate).
type Limiter struct {
	l *rate.Limiter
}

// New creates a Limiter with the given steady-state rate in tokens/sec and
// burst size. A burst of 0 is normalized to 1 so Wait never permanently
// blocks.
func New(ratePerSecond float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{l: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Wait blocks (cooperatively, respecting ctx cancellation) until a single
// token is available.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.l.Wait(ctx)
}

// Allow reports whether a token is immediately available, consuming it if
// so. Used where a caller wants a non-blocking check instead.
func (l *Limiter) Allow() bool {
	return l.l.Allow()
}

// SetRate adjusts the steady-state rate without resetting accumulated
// burst capacity.
func (l *Limiter) SetRate(ratePerSecond float64) {
	l.l.SetLimit(rate.Limit(ratePerSecond))
}
