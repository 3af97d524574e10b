// Package retry implements the retry and time-budget state machine that
// gates every job attempt, and the error classifier that turns the error
// collection from one fan-out attempt into a job-level decision.
//
// A job created at t0 with budget D may start attempts only while
// now < t0 + D. Attempts are additionally bounded by a maximum attempt
// count derived once from the backoff curve, never recomputed per job.
package retry

import "time"

const (
	// backoffBase is the sleep before the second attempt.
	backoffBase = 100 * time.Millisecond
	// backoffCap bounds a single backoff sleep.
	backoffCap = 1 * time.Hour
)

// DefaultMaxDuration is the standard retry budget for a job.
const DefaultMaxDuration = 24 * time.Hour

// DefaultRetryAfter is used when a rate-limit response carries no usable
// retry-after value.
const DefaultRetryAfter = 60 * time.Second

// BackoffDuration returns the exponential backoff sleep taken before the
// given 1-based attempt. The first attempt never sleeps.
func BackoffDuration(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := backoffBase
	for i := 2; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// MaxAttempts returns the number of attempts the backoff curve permits
// within maxDuration: the largest n such that the cumulative sleep before
// attempt n still fits the budget. Computed once at startup.
func MaxAttempts(maxDuration time.Duration) int {
	if maxDuration <= 0 {
		return 1
	}
	var elapsed time.Duration
	attempts := 1
	for {
		next := BackoffDuration(attempts + 1)
		if elapsed+next > maxDuration {
			return attempts
		}
		elapsed += next
		attempts++
	}
}
