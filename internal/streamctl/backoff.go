package streamctl

import (
	"time"
)

// Backoff parameterizes the retry loop around control plane calls. Retries
// are driven by this value rather than by error-type dispatch at call
// sites.
type Backoff struct {
	// MaxAttempts bounds the retry loop for a single logical call.
	MaxAttempts int
	// BaseDelay seeds the exponential throttling backoff.
	BaseDelay time.Duration
	// MaxDelay caps any single throttling sleep.
	MaxDelay time.Duration
	// AttemptCap bounds the exponent so the computed delay cannot
	// overflow on long retry runs.
	AttemptCap int
	// ResourceInUseDelay is the fixed sleep applied while a shard
	// mutation is still settling on the provider side.
	ResourceInUseDelay time.Duration
}

// DefaultBackoff returns the retry policy used against the live control
// plane: 10 attempts, 100ms exponential base capped at 2s, 1s waits while
// a mutation is in flight.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts:        10,
		BaseDelay:          100 * time.Millisecond,
		MaxDelay:           2 * time.Second,
		AttemptCap:         20,
		ResourceInUseDelay: time.Second,
	}
}

// ThrottleDelay returns the sleep before the next attempt after a
// throttling response: min(2^attempt * BaseDelay, MaxDelay).
func (b Backoff) ThrottleDelay(attempt int) time.Duration {
	if attempt > b.AttemptCap {
		attempt = b.AttemptCap
	}
	d := b.BaseDelay << uint(attempt)
	if d <= 0 || d > b.MaxDelay {
		return b.MaxDelay
	}
	return d
}
