package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Status codes the delivery pipeline gives special meaning to.
const (
	StatusUnregistered    = http.StatusNotFound // recipient has no account
	StatusDeviceConflict  = http.StatusConflict // cached device list has extra/missing entries
	StatusStaleDevices    = http.StatusGone     // sessions exist for devices the server no longer knows
	StatusPayloadTooLarge = http.StatusRequestEntityTooLarge
	StatusRateLimited     = http.StatusTooManyRequests
	StatusBadRequest      = http.StatusBadRequest   // server refusal, never retried
	StatusLoopDetected    = http.StatusLoopDetected // server refusal, never retried
	StatusUnauthorized    = http.StatusUnauthorized
	StatusForbidden       = http.StatusForbidden
)

// StatusCodeUnknown is reported when an error carries no HTTP status.
const StatusCodeUnknown = -1

// StatusError is a structured server refusal.
//
// The device list fields are only populated for the codes that define
// them: ExtraDevices/MissingDevices on 409, StaleDevices on 410, and
// RetryAfter on 413/429.
type StatusError struct {
	Code           int
	RetryAfter     time.Duration
	ExtraDevices   []uint32
	MissingDevices []uint32
	StaleDevices   []uint32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d", e.Code)
}

// NetworkError wraps a connectivity failure. Network errors are always
// retryable within the job's time budget.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusCode extracts an HTTP-like status code from err, looking through
// wrapping for a StatusError. Returns StatusCodeUnknown when none is found.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return StatusCodeUnknown
}

// AsStatus returns the StatusError carried by err, if any.
func AsStatus(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsRateLimit reports whether err is a 413 or 429 refusal.
func IsRateLimit(err error) bool {
	code := StatusCode(err)
	return code == StatusPayloadTooLarge || code == StatusRateLimited
}

// IsHardStop reports whether the server asked us to stop retrying.
func IsHardStop(err error) bool {
	code := StatusCode(err)
	return code == StatusBadRequest || code == StatusLoopDetected
}

// IsUnregistered reports whether err means the recipient has no account.
func IsUnregistered(err error) bool { return StatusCode(err) == StatusUnregistered }

// IsNetwork reports whether err is a connectivity failure.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// RetryAfterIn returns the retry-after hint carried by err, or fallback
// when the error carries none.
func RetryAfterIn(err error, fallback time.Duration) time.Duration {
	if se, ok := AsStatus(err); ok && se.RetryAfter > 0 {
		return se.RetryAfter
	}
	return fallback
}

// ParseRetryAfter parses a Retry-After header value, accepting both the
// delta-seconds and HTTP-date forms. Returns 0 for values it cannot parse.
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
