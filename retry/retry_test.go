package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/relayq/transport"
)

// fakeClock advances instantly on Sleep and records every sleep taken.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

func TestBackoffDurationCurve(t *testing.T) {
	assert.Equal(t, time.Duration(0), BackoffDuration(1))
	assert.Equal(t, 100*time.Millisecond, BackoffDuration(2))
	assert.Equal(t, 200*time.Millisecond, BackoffDuration(3))
	assert.Equal(t, 400*time.Millisecond, BackoffDuration(4))
	assert.Equal(t, backoffCap, BackoffDuration(100), "curve must cap")
}

func TestMaxAttemptsDerivation(t *testing.T) {
	// One attempt always fits; a zero budget still permits one try.
	assert.Equal(t, 1, MaxAttempts(0))
	assert.Equal(t, 1, MaxAttempts(50*time.Millisecond))
	// 100ms budget admits exactly the first backoff sleep.
	assert.Equal(t, 2, MaxAttempts(100*time.Millisecond))

	// The 24h default yields a stable, bounded attempt count.
	n := MaxAttempts(DefaultMaxDuration)
	assert.Greater(t, n, 10)
	assert.Less(t, n, 100)
}

func TestNewPolicyEphemeralCollapsesAttempts(t *testing.T) {
	p := NewPolicy(DefaultMaxDuration, true, newFakeClock())
	assert.Equal(t, 1, p.MaxAttempts)

	p = NewPolicy(DefaultMaxDuration, false, newFakeClock())
	assert.Greater(t, p.MaxAttempts, 1)
}

func TestRunSucceedsFirstAttempt(t *testing.T) {
	clock := newFakeClock()
	p := NewPolicy(time.Hour, false, clock)

	calls := 0
	err := p.Run(context.Background(), clock.Now(), func(ctx context.Context, rc Context) error {
		calls++
		assert.Equal(t, 1, rc.Attempt)
		assert.False(t, rc.IsFinalAttempt)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, clock.slept(), "first attempt never sleeps")
}

func TestRunRetriesWithBackoff(t *testing.T) {
	clock := newFakeClock()
	p := NewPolicy(time.Hour, false, clock)

	calls := 0
	err := p.Run(context.Background(), clock.Now(), func(ctx context.Context, rc Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, clock.slept())
}

func TestRunBudgetMonotonicity(t *testing.T) {
	clock := newFakeClock()
	p := NewPolicy(time.Hour, false, clock)
	createdAt := clock.Now()

	// Move past the budget: no attempt may start, even though the
	// attempt counter is untouched.
	clock.advance(time.Hour + time.Second)

	calls := 0
	err := p.Run(context.Background(), createdAt, func(ctx context.Context, rc Context) error {
		calls++
		return nil
	})
	assert.True(t, IsOutOfTime(err), "expected out-of-time, got %v", err)
	assert.Equal(t, 0, calls)
}

func TestRunBudgetExpiresBetweenAttempts(t *testing.T) {
	clock := newFakeClock()
	p := NewPolicy(time.Hour, false, clock)
	createdAt := clock.Now()

	calls := 0
	err := p.Run(context.Background(), createdAt, func(ctx context.Context, rc Context) error {
		calls++
		clock.advance(2 * time.Hour) // attempt overruns the budget
		return errors.New("transient")
	})
	assert.True(t, IsOutOfTime(err))
	assert.Equal(t, 1, calls, "no new attempt may start after the budget ends")
}

func TestRunStopsOnPermanentError(t *testing.T) {
	clock := newFakeClock()
	p := NewPolicy(time.Hour, false, clock)

	calls := 0
	boom := errors.New("identity changed")
	err := p.Run(context.Background(), clock.Now(), func(ctx context.Context, rc Context) error {
		calls++
		return Permanent(boom)
	})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRunExhaustsAttempts(t *testing.T) {
	clock := newFakeClock()
	p := Policy{MaxDuration: time.Hour, MaxAttempts: 3, Clock: clock}

	calls := 0
	boom := errors.New("transient")
	err := p.Run(context.Background(), clock.Now(), func(ctx context.Context, rc Context) error {
		calls++
		assert.Equal(t, calls >= 3, rc.IsFinalAttempt)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestHandleFailureRateLimitSleepsLongestHint(t *testing.T) {
	clock := newFakeClock()
	p := Policy{MaxDuration: time.Hour, MaxAttempts: 10, Clock: clock}

	rethrow := errors.New("original")
	err := p.HandleFailure(context.Background(), Context{Attempt: 1, TimeRemaining: time.Hour}, Failure{
		Errors: []error{
			&transport.StatusError{Code: 429, RetryAfter: 30 * time.Second},
			&transport.StatusError{Code: 413, RetryAfter: 90 * time.Second},
			&transport.StatusError{Code: 500},
		},
		Rethrow: rethrow,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, rethrow)
	assert.Equal(t, []time.Duration{90 * time.Second}, clock.slept())
}

func TestHandleFailureRateLimitWaitBoundedByBudget(t *testing.T) {
	clock := newFakeClock()
	p := Policy{MaxDuration: time.Hour, MaxAttempts: 10, Clock: clock}

	err := p.HandleFailure(context.Background(), Context{Attempt: 1, TimeRemaining: 30 * time.Second}, Failure{
		Errors:  []error{&transport.StatusError{Code: 429, RetryAfter: 120 * time.Second}},
		Rethrow: errors.New("original"),
	})
	require.Error(t, err)
	assert.Equal(t, []time.Duration{30 * time.Second}, clock.slept(),
		"sleep must be min(retryAfter, timeRemaining)")
}

func TestHandleFailureRateLimitFallbackHint(t *testing.T) {
	clock := newFakeClock()
	p := Policy{MaxDuration: time.Hour, MaxAttempts: 10, Clock: clock}

	err := p.HandleFailure(context.Background(), Context{Attempt: 1, TimeRemaining: time.Hour}, Failure{
		Errors:  []error{&transport.StatusError{Code: 429}},
		Rethrow: errors.New("original"),
	})
	require.Error(t, err)
	assert.Equal(t, []time.Duration{DefaultRetryAfter}, clock.slept())
}

func TestHandleFailureHardStop(t *testing.T) {
	clock := newFakeClock()
	p := Policy{MaxDuration: time.Hour, MaxAttempts: 10, Clock: clock}

	marked := 0
	err := p.HandleFailure(context.Background(), Context{Attempt: 1, TimeRemaining: time.Hour}, Failure{
		Errors:     []error{&transport.StatusError{Code: 508}},
		Rethrow:    errors.New("original"),
		MarkFailed: func() { marked++ },
	})
	require.Error(t, err)
	assert.True(t, IsPermanent(err), "hard stop must not be retried")
	var se *StoppedError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 508, se.Code)
	assert.Equal(t, 1, marked, "markFailed fires exactly once on stop")
	assert.Empty(t, clock.slept())
}

func TestHandleFailureStopOverridesRateLimit(t *testing.T) {
	clock := newFakeClock()
	p := Policy{MaxDuration: time.Hour, MaxAttempts: 10, Clock: clock}

	err := p.HandleFailure(context.Background(), Context{Attempt: 1, TimeRemaining: time.Hour}, Failure{
		Errors: []error{
			&transport.StatusError{Code: 429, RetryAfter: time.Minute},
			&transport.StatusError{Code: 400},
		},
		Rethrow: errors.New("original"),
	})
	assert.True(t, IsPermanent(err))
	assert.Empty(t, clock.slept(), "stop flag must override the rate-limit sleep")
}

func TestHandleFailureMarksFailedOnFinalAttempt(t *testing.T) {
	clock := newFakeClock()
	p := Policy{MaxDuration: time.Hour, MaxAttempts: 3, Clock: clock}

	marked := 0
	rethrow := errors.New("original")
	err := p.HandleFailure(context.Background(),
		Context{Attempt: 3, IsFinalAttempt: true, TimeRemaining: time.Hour},
		Failure{
			Errors:     []error{&transport.StatusError{Code: 429, RetryAfter: time.Minute}},
			Rethrow:    rethrow,
			MarkFailed: func() { marked++ },
		})
	assert.ErrorIs(t, err, rethrow)
	assert.Equal(t, 1, marked)
	assert.Empty(t, clock.slept(), "no rate-limit sleep on the final attempt")
}

func TestHandleFailureSleepSkipsNextBackoff(t *testing.T) {
	clock := newFakeClock()
	p := Policy{MaxDuration: time.Hour, MaxAttempts: 5, Clock: clock}
	createdAt := clock.Now()

	calls := 0
	err := p.Run(context.Background(), createdAt, func(ctx context.Context, rc Context) error {
		calls++
		if calls == 1 {
			return p.HandleFailure(ctx, rc, Failure{
				Errors:  []error{&transport.StatusError{Code: 429, RetryAfter: 10 * time.Second}},
				Rethrow: errors.New("rate limited"),
			})
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	// Only the classifier's sleep happened; Run skipped its backoff.
	assert.Equal(t, []time.Duration{10 * time.Second}, clock.slept())
}

func TestHandleFailureNetworkErrorJustRethrows(t *testing.T) {
	clock := newFakeClock()
	p := Policy{MaxDuration: time.Hour, MaxAttempts: 10, Clock: clock}

	rethrow := &transport.NetworkError{Op: "send", Err: errors.New("timeout")}
	err := p.HandleFailure(context.Background(), Context{Attempt: 1, TimeRemaining: time.Hour}, Failure{
		Errors:  []error{rethrow},
		Rethrow: rethrow,
	})
	assert.Equal(t, rethrow, err)
	assert.Empty(t, clock.slept())
}
