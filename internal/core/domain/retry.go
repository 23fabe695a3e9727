package domain

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds stage retries. Attempt counters live in ProcessingState,
// so a restarted worker resumes from the persisted attempt number.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	JitterFrac  float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    2 * time.Minute,
		Multiplier:  2.0,
	}
}

func (p RetryPolicy) Normalize() RetryPolicy {
	out := p
	def := DefaultRetryPolicy()
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = def.MaxAttempts
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = def.BaseDelay
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = def.MaxDelay
	}
	if out.MaxDelay < out.BaseDelay {
		out.MaxDelay = out.BaseDelay
	}
	if out.Multiplier < 1.0 {
		out.Multiplier = def.Multiplier
	}
	if out.JitterFrac < 0 || out.JitterFrac >= 1 {
		out.JitterFrac = 0
	}
	return out
}

// Backoff returns the delay before the next attempt once `attempt` attempts
// have failed: BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.Normalize()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		d = float64(p.MaxDelay)
	}
	if p.JitterFrac > 0 {
		delta := d * p.JitterFrac
		d = d - delta + rand.Float64()*2*delta
	}
	return time.Duration(d)
}

// Exhausted reports whether no attempt remains after `attempt` attempts.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.Normalize().MaxAttempts
}
