package service

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultBackoffBase   = time.Second
	DefaultBackoffCap    = 5 * time.Minute
	DefaultBackoffJitter = 0.2
)

// Backoff computes the delay before retry attempt a (1-based):
// min(Base*2^(a-1), Cap) plus up to JitterFraction of that delay.
type Backoff struct {
	Base           time.Duration
	Cap            time.Duration
	JitterFraction float64

	// float64 in [0, 1); defaults to math/rand/v2.
	rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Cap: DefaultBackoffCap, JitterFraction: DefaultBackoffJitter}
}

// BaseDelay is the un-jittered delay. It never decreases as attempt grows.
func (b Backoff) BaseDelay(attempt int) time.Duration {
	base, limit := b.Base, b.Cap
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if limit < base {
		limit = base
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		if delay >= limit/2 {
			return limit
		}
		delay *= 2
	}
	return min(delay, limit)
}

func (b Backoff) Delay(attempt int) time.Duration {
	delay := b.BaseDelay(attempt)

	fraction := b.JitterFraction
	if fraction <= 0 {
		return delay
	}
	fraction = min(fraction, 1)

	randFloat := b.rand
	if randFloat == nil {
		randFloat = rand.Float64
	}
	return delay + time.Duration(float64(delay)*fraction*randFloat())
}
