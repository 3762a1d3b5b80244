package session

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff computes growing delays for applications that want more than the
// fixed reconnect delay. The engine never applies it; a connection callback
// can wait on Sleep before returning.
type Backoff struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		Jitter:       true,
	}
}

// Delay returns the wait for the given consecutive failure count. Zero
// failures means no wait.
func (b Backoff) Delay(failures int, rng *rand.Rand) time.Duration {
	if failures <= 0 || b.InitialDelay <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(b.InitialDelay) * math.Pow(mult, float64(failures-1))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	if b.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

// Sleep waits Delay(failures) or until ctx is done.
func (b Backoff) Sleep(ctx context.Context, failures int, rng *rand.Rand) error {
	d := b.Delay(failures, rng)
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
