// Package resilience builds the circuit breakers that guard shared
// provider endpoints (OAuth token endpoints, mail APIs).
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes one breaker.
type BreakerConfig struct {
	MaxRequests         uint32        // allowed while half-open
	Interval            time.Duration // closed-state counter reset
	Timeout             time.Duration // open-state duration before half-open
	ConsecutiveFailures uint32
	MinRequests         uint32
	FailureRatio        float64
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		MinRequests:         10,
		FailureRatio:        0.6,
	}
}

// IsOpen reports whether err came from a breaker refusing the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Registry hands out one named breaker per endpoint. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	log      zerolog.Logger
	breakers map[string]*gobreaker.CircuitBreaker

	// isSuccessful decides which errors count as endpoint failures.
	isSuccessful func(error) bool
}

// NewRegistry creates a registry. isSuccessful may be nil, in which case
// every non-nil error counts as a failure.
func NewRegistry(cfg BreakerConfig, log zerolog.Logger, isSuccessful func(error) bool) *Registry {
	return &Registry{
		cfg:          cfg,
		log:          log,
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
		isSuccessful: isSuccessful,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cfg := r.cfg
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
		IsSuccessful: r.isSuccessful,
	}
	cb := gobreaker.NewCircuitBreaker(settings)
	r.breakers[name] = cb
	return cb
}

// States reports every known breaker's state, for readiness output.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State().String()
	}
	return out
}
