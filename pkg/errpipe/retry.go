// retry.go models transmission retry backoff as a policy value object so
// timing is testable without wall-clock waits.

package errpipe

import "time"

// DefaultRetryPolicy is the standard transmission backoff: base delay
// doubled per attempt, five attempts total, then the batch is dropped.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxAttempts: 5,
	}
}

// RetryPolicy describes bounded exponential backoff for a failed batch.
type RetryPolicy struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// Multiplier scales the delay per subsequent attempt.
	Multiplier float64

	// MaxAttempts bounds total transmission attempts for one batch,
	// including the initial send.
	MaxAttempts int
}

// Delay returns the backoff before the retry following the given failed
// attempt (1-based). Attempt 1 failing yields BaseDelay, attempt 2 yields
// BaseDelay*Multiplier, and so on.
func (p RetryPolicy) Delay(failedAttempt int) time.Duration {
	if failedAttempt < 1 {
		failedAttempt = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < failedAttempt; i++ {
		d *= p.Multiplier
	}
	return time.Duration(d)
}

// Exhausted reports whether the retry budget is spent after the given number
// of failed attempts.
func (p RetryPolicy) Exhausted(failedAttempts int) bool {
	return failedAttempts >= p.MaxAttempts
}
