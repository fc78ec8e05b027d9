package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes jittered exponential delays between retries. It only
// answers "how long to wait"; whether to retry at all is the caller's call.
//
// The zero value is usable and yields the default curve (5s, 15s, 45s, ...
// capped at 5m, each scaled by a factor drawn from [0.9, 1.1]).
type Backoff struct {
	// Initial is the base delay for retry 0. Default: 5s.
	Initial time.Duration

	// Multiplier grows the delay per retry. Default: 3.
	Multiplier float64

	// Max caps the un-jittered delay. Default: 300s.
	Max time.Duration

	// JitterMin and JitterMax bound the uniform jitter factor. Defaults: 0.9
	// and 1.1. Setting both to 1 disables jitter.
	JitterMin float64
	JitterMax float64

	// Rand returns a value in [0, 1). Defaults to [rand.Float64]; tests
	// inject a fixed source.
	Rand func() float64
}

// DefaultBackoff returns the standard retry curve.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    5 * time.Second,
		Multiplier: 3,
		Max:        300 * time.Second,
		JitterMin:  0.9,
		JitterMax:  1.1,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.JitterMin <= 0 && b.JitterMax <= 0 {
		b.JitterMin, b.JitterMax = d.JitterMin, d.JitterMax
	}
	if b.JitterMax < b.JitterMin {
		b.JitterMin, b.JitterMax = b.JitterMax, b.JitterMin
	}
	if b.Rand == nil {
		b.Rand = rand.Float64
	}
	return b
}

// Base returns min(Initial × Multiplier^n, Max) for the 0-indexed retry n.
func (b Backoff) Base(n int) time.Duration {
	b = b.withDefaults()
	if n < 0 {
		n = 0
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(n))
	if d >= float64(b.Max) || math.IsInf(d, 0) {
		return b.Max
	}
	return time.Duration(d)
}

// Delay returns [Backoff.Base] scaled by a random factor in
// [JitterMin, JitterMax].
func (b Backoff) Delay(n int) time.Duration {
	b = b.withDefaults()
	f := b.JitterMin + b.Rand()*(b.JitterMax-b.JitterMin)
	return time.Duration(float64(b.Base(n)) * f)
}

// Sleep blocks for d or until ctx is done, whichever comes first. It returns
// ctx.Err() when interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
