package retry

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Context describes one attempt to the code executing it.
type Context struct {
	// Attempt is the 1-based attempt counter.
	Attempt int
	// IsFinalAttempt is true when no further attempt will follow.
	IsFinalAttempt bool
	// TimeRemaining is the wall-clock budget left when the attempt began.
	TimeRemaining time.Duration
}

// AttemptFunc runs one attempt of a job. Returning nil ends the job
// successfully; returning an error wrapped with Permanent ends it as a
// terminal failure; any other error schedules another attempt.
type AttemptFunc func(ctx context.Context, rc Context) error

// Policy is the retry/time-budget state machine shared by every job of a
// queue. MaxAttempts is derived once from the backoff curve and the
// budget, not recomputed per job.
type Policy struct {
	MaxDuration time.Duration
	MaxAttempts int
	Clock       Clock
}

// NewPolicy builds a policy for the given budget. In ephemeral mode the
// attempt count collapses to 1 so tests never wait out a backoff curve.
func NewPolicy(maxDuration time.Duration, ephemeral bool, clock Clock) Policy {
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDuration
	}
	if clock == nil {
		clock = SystemClock()
	}
	attempts := MaxAttempts(maxDuration)
	if ephemeral {
		attempts = 1
	}
	return Policy{
		MaxDuration: maxDuration,
		MaxAttempts: attempts,
		Clock:       clock,
	}
}

// Remaining returns the wall-clock budget left for a job created at
// createdAt.
func (p Policy) Remaining(createdAt time.Time) time.Duration {
	return createdAt.Add(p.MaxDuration).Sub(p.Clock.Now())
}

// Run executes attempt until a terminal outcome: success, a permanent
// failure, an expired budget, or attempt exhaustion. The budget only
// gates whether a new attempt starts; it never interrupts one in flight.
func (p Policy) Run(ctx context.Context, createdAt time.Time, attempt AttemptFunc) error {
	skipWait := false
	var lastErr error

	for n := 1; n <= p.MaxAttempts; n++ {
		remaining := p.Remaining(createdAt)
		if remaining <= 0 {
			return &OutOfTimeError{CreatedAt: createdAt, Budget: p.MaxDuration}
		}

		if n > 1 && !skipWait {
			if err := p.Clock.Sleep(ctx, BackoffDuration(n)); err != nil {
				return err
			}
			remaining = p.Remaining(createdAt)
			if remaining <= 0 {
				return &OutOfTimeError{CreatedAt: createdAt, Budget: p.MaxDuration}
			}
		}
		skipWait = false

		rc := Context{
			Attempt:        n,
			IsFinalAttempt: n >= p.MaxAttempts,
			TimeRemaining:  remaining,
		}
		err := attempt(ctx, rc)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var se *sleptError
		if errors.As(err, &se) {
			// The classifier already waited out the rate-limit window;
			// don't stack a backoff sleep on top.
			skipWait = true
			err = se.err
		}
		lastErr = err

		logrus.WithFields(logrus.Fields{
			"attempt":        n,
			"max_attempts":   p.MaxAttempts,
			"time_remaining": remaining,
			"error":          err,
		}).Debug("Job attempt failed")
	}

	return lastErr
}
