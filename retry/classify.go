package retry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relayq/transport"
)

// Failure carries everything the classifier needs about one failed
// fan-out attempt.
type Failure struct {
	// Errors is the non-empty collection gathered from the attempt; a
	// send to many recipients can fail many ways at once.
	Errors []error
	// Rethrow is the original error preserved so outer handlers can
	// pattern-match specific shapes (identity key changed, unregistered).
	Rethrow error
	// MarkFailed persists failure state. Invoked exactly once when no
	// further attempt will happen, so the failure survives restart.
	MarkFailed func()
}

// HandleFailure classifies the errors from one attempt and returns the
// error the attempt should surface to Run.
//
// The classifier decides how long to wait and whether to persist a
// failure first; except for the hard-stop case it leaves whether to
// retry to the attempt-count and time-budget machinery in Run:
//
//   - 413/429 anywhere: remember the longest retry-after hint.
//   - 400/508 anywhere: the server asked us to stop; overrides retrying.
//   - final attempt or stop: MarkFailed fires, once.
//   - stop: return a permanent StoppedError; the original error is
//     deliberately not rethrown past this point.
//   - rate-limited and not final: sleep min(retryAfter, TimeRemaining)
//     here, and tell Run to skip its own backoff once.
//   - otherwise: rethrow the preserved original.
func (p Policy) HandleFailure(ctx context.Context, rc Context, f Failure) error {
	longestWait, stopCode := classifyErrors(f.Errors)
	stop := stopCode != 0

	if rc.IsFinalAttempt || stop {
		if f.MarkFailed != nil {
			f.MarkFailed()
		}
	}

	if stop {
		logrus.WithFields(logrus.Fields{
			"status":  stopCode,
			"attempt": rc.Attempt,
		}).Warn("Server refused job; not retrying")
		return Permanent(&StoppedError{Code: stopCode})
	}

	if longestWait > 0 && !rc.IsFinalAttempt {
		wait := longestWait
		if rc.TimeRemaining < wait {
			wait = rc.TimeRemaining
		}
		logrus.WithFields(logrus.Fields{
			"wait":    wait,
			"attempt": rc.Attempt,
		}).Info("Rate limited; sleeping before next attempt")
		if err := p.Clock.Sleep(ctx, wait); err != nil {
			return err
		}
		if f.Rethrow != nil {
			return &sleptError{err: f.Rethrow, slept: wait}
		}
		return nil
	}

	return f.Rethrow
}

// classifyErrors scans one attempt's error collection and extracts the
// longest rate-limit wait plus the first hard-stop status, if any.
func classifyErrors(errs []error) (longestWait time.Duration, stopCode int) {
	for _, err := range errs {
		code := transport.StatusCode(err)
		switch code {
		case transport.StatusPayloadTooLarge, transport.StatusRateLimited:
			wait := transport.RetryAfterIn(err, DefaultRetryAfter)
			if wait > longestWait {
				longestWait = wait
			}
		case transport.StatusLoopDetected, transport.StatusBadRequest:
			if stopCode == 0 {
				stopCode = code
			}
		}
	}
	return longestWait, stopCode
}
