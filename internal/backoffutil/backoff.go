// Package backoffutil constructs the jittered, ceiling-bounded
// backoff.BackOff used by every network-facing loop in this module.
package backoffutil

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// MaxInterval is the ceiling on a single backoff sleep.
const MaxInterval = 30 * time.Second

// New constructs a fresh exponential backoff with jitter and no overall
// elapsed-time limit; pair it with a context-aware caller that stops
// retrying on cancellation.
func New() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return &capped{b}
}

// capped clamps every interval to MaxInterval: ExponentialBackOff caps its
// base interval at MaxInterval but then applies jitter on top of it.
type capped struct {
	backoff.BackOff
}

func (c *capped) NextBackOff() time.Duration {
	d := c.BackOff.NextBackOff()
	if d > MaxInterval {
		return MaxInterval
	}
	return d
}

// Sleep waits for the next backoff interval or ctx cancellation, whichever
// comes first. Returns ctx.Err() on cancellation so callers can treat it as
// a Cancelled condition.
func Sleep(ctx context.Context, b backoff.BackOff) error {
	select {
	case <-time.After(b.NextBackOff()):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
