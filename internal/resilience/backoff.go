package resilience

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes capped exponential retry delays.
//
// The zero value is usable and yields 500ms, 1s, 2s, ... capped at 10s.
type Backoff struct {
	// Base is the delay before the first retry. Default: 500ms.
	Base time.Duration

	// Max caps the delay. Default: 10s.
	Max time.Duration

	// Jitter spreads each delay uniformly over [d*(1-Jitter), d]. Zero
	// disables jitter; values are clamped to [0, 1].
	Jitter float64
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}

	j := min(max(b.Jitter, 0), 1)
	if j > 0 {
		d -= time.Duration(rand.Float64() * j * float64(d))
	}
	return d
}

// Wait sleeps for Delay(attempt) or until ctx is done.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
