// breaker.go halts transmission after repeated overload signals from the
// collector. Protecting the collector wins over completeness of telemetry.

package errpipe

import "time"

const (
	// DefaultBreakerThreshold is the count of consecutive overload signals
	// (HTTP 429) that opens the breaker.
	DefaultBreakerThreshold = 3

	// DefaultBreakerCooldown is how long the breaker stays open.
	DefaultBreakerCooldown = 5 * time.Minute
)

// Breaker is a two-state circuit breaker with a wall-clock expiry.
// Closing is purely time-based: once the cooldown passes, the next flush
// proceeds normally and the consecutive-overload counter resets.
//
// Breaker is not safe for concurrent use; the owning pipeline serializes
// access.
type Breaker struct {
	threshold   int
	cooldown    time.Duration
	consecutive int
	activeUntil time.Time
}

// NewBreaker creates a breaker; non-positive arguments take the defaults.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// Open reports whether transmission is currently suppressed. A breaker whose
// expiry has passed closes as a side effect, resetting the overload counter.
func (b *Breaker) Open(now time.Time) bool {
	if b.activeUntil.IsZero() {
		return false
	}
	if now.After(b.activeUntil) {
		b.activeUntil = time.Time{}
		b.consecutive = 0
		return false
	}
	return true
}

// RecordOverload counts a consecutive overload signal and reports whether
// this one opened the breaker.
func (b *Breaker) RecordOverload(now time.Time) bool {
	b.consecutive++
	if b.consecutive >= b.threshold {
		b.activeUntil = now.Add(b.cooldown)
		return true
	}
	return false
}

// RecordSuccess resets the consecutive-overload counter.
func (b *Breaker) RecordSuccess() {
	b.consecutive = 0
}

// Consecutive returns the current consecutive-overload count.
func (b *Breaker) Consecutive() int { return b.consecutive }
