package gateway

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes the inter-round delay of the rotation loop:
// exponential from the base, capped, with uniform jitter. A server-supplied
// Retry-After hint replaces the exponential term but is still jittered and
// capped.
type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	randFloat func() float64
}

// NewBackoffPolicy builds a policy; zero values fall back to the defaults
// (2 s base, 60 s cap, ±20 % jitter).
func NewBackoffPolicy(base, max time.Duration, jitter float64) *BackoffPolicy {
	if base <= 0 {
		base = 2 * time.Second
	}
	if max <= 0 {
		max = 60 * time.Second
	}
	if jitter <= 0 {
		jitter = 0.2
	}
	return &BackoffPolicy{Base: base, Max: max, Jitter: jitter, randFloat: rand.Float64}
}

// Compute returns the delay before round attempt (0-based). hint carries the
// upstream Retry-After value when one was seen this round; zero means none.
func (p *BackoffPolicy) Compute(attempt int, hint time.Duration) time.Duration {
	base := p.Base << uint(attempt)
	if hint > 0 {
		base = hint
		if base < p.Base {
			base = p.Base
		}
	}
	if base > p.Max {
		base = p.Max
	}

	// Uniform sample in [1-jitter, 1+jitter].
	factor := 1 + p.Jitter*(2*p.randFloat()-1)
	d := time.Duration(float64(base) * factor)
	if d > p.Max {
		d = p.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}
