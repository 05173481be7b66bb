package agent

import (
	"context"
	"math/rand"
	"time"
)

// Backoff returns the capped exponential delay before retry attempt n
// (1-indexed): base * 2^(n-1), with ±20% jitter to avoid thundering
// herds of agents retrying in lockstep.
func Backoff(base time.Duration, attempt int, cap time.Duration) time.Duration {
	if base <= 0 || attempt < 1 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}
	// jitter in [0.8, 1.2)
	jittered := time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
	if jittered > cap {
		jittered = cap
	}
	return jittered
}

// Sleep waits for d or until ctx is cancelled, whichever comes first.
// It never blocks sibling runs: the wait is a timer, not a busy loop.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
