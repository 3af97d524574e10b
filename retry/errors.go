package retry

import (
	"errors"
	"fmt"
	"time"
)

// OutOfTimeError reports that a job's wall-clock budget expired before it
// could complete. Terminal; never retried.
type OutOfTimeError struct {
	CreatedAt time.Time
	Budget    time.Duration
}

func (e *OutOfTimeError) Error() string {
	return fmt.Sprintf("job ran out of time (created %s, budget %s)",
		e.CreatedAt.Format(time.RFC3339), e.Budget)
}

// IsOutOfTime reports whether err is a budget-expired failure.
func IsOutOfTime(err error) bool {
	var oe *OutOfTimeError
	return errors.As(err, &oe)
}

// StoppedError reports that the server refused the job outright (400/508)
// and asked us to stop. Terminal; distinguished from budget expiry by cause.
type StoppedError struct {
	Code int
}

func (e *StoppedError) Error() string {
	return fmt.Sprintf("server refused job with status %d", e.Code)
}

// Permanent marks err as non-retryable: Run ends the job immediately
// instead of attempting again.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e *permanentError) Unwrap() error { return e.err }

// sleptError marks an error whose classifier already slept for the
// rate-limit window; the attempt loop skips its own backoff once.
type sleptError struct {
	err   error
	slept time.Duration
}

func (e *sleptError) Error() string {
	return fmt.Sprintf("rate limited (slept %s): %v", e.slept, e.err)
}
func (e *sleptError) Unwrap() error { return e.err }
