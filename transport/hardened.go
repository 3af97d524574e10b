package transport

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// HardenConfig tunes the client-side protections applied by Harden.
type HardenConfig struct {
	// Name labels the circuit breaker in logs. Defaults to "transport".
	Name string
	// RequestsPerSecond caps the outbound submission rate. Zero disables
	// the limiter.
	RequestsPerSecond float64
	// Burst is the limiter burst size. Defaults to 1 when a rate is set.
	Burst int
	// ConsecutiveFailures opens the breaker after this many consecutive
	// network failures. Defaults to 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	// Defaults to 30s.
	OpenTimeout time.Duration
}

type hardened struct {
	inner   Transport
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// Harden wraps t with a token-bucket rate limiter and a circuit breaker.
//
// Only network failures count against the breaker; structured server
// refusals (StatusError) are real answers and pass through untouched.
// While the breaker is open, sends fail fast with a NetworkError so the
// retry machinery treats the outage like any other connectivity problem.
func Harden(t Transport, cfg HardenConfig) Transport {
	if cfg.Name == "" {
		cfg.Name = "transport"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// A structured refusal means the server is reachable.
			return err == nil || !IsNetwork(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Transport circuit breaker state changed")
		},
	})

	return &hardened{inner: t, limiter: limiter, breaker: breaker}
}

func (h *hardened) SendEnvelopes(ctx context.Context, identifier string, envelopes []Envelope, timestamp time.Time, online bool) (*Result, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, &NetworkError{Op: "rate limit wait", Err: err}
		}
	}

	res, err := h.breaker.Execute(func() (interface{}, error) {
		return h.inner.SendEnvelopes(ctx, identifier, envelopes, timestamp, online)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &NetworkError{Op: "send envelopes", Err: err}
		}
		return nil, err
	}
	result, _ := res.(*Result)
	return result, nil
}
