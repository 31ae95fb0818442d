package ratelimit

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 30 * time.Second
)

// Breaker wraps a gobreaker circuit breaker with the policy used for
// every external service: open after a run of consecutive failures,
// allow a single probe after the cooldown.
type Breaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

func NewBreaker(name string, failureThreshold uint32, cooldown time.Duration) *Breaker {
	if failureThreshold == 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{cb: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
	})}
}

// Allow reserves one protected call. While the breaker is open it
// returns an error matched by IsOpen without side effects. Otherwise
// the caller reports the call's outcome through the returned function;
// an outcome that is reported neither as success nor as failure leaves
// the failure streak untouched.
func (b *Breaker) Allow() (report func(success bool), err error) {
	return b.cb.Allow()
}

// State exposes the underlying breaker state for logging.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// IsOpen reports whether err means the breaker refused the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
