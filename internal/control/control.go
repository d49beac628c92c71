// Package control holds the limits applied around completion requests.
package control

import (
	"context"
	"errors"
	"time"

	modelpkg "github.com/stupiduntilnot/rpgchat/internal/model"
)

// Policy defines request limits and circuit behavior.
type Policy struct {
	RequestTimeout   time.Duration
	CircuitThreshold int
	CircuitCooldown  time.Duration
}

// DefaultPolicy returns the default policy.
func DefaultPolicy() Policy {
	return Policy{
		RequestTimeout:   120 * time.Second,
		CircuitThreshold: 5,
		CircuitCooldown:  30 * time.Second,
	}
}

// Breaker builds a circuit breaker from the policy, or nil when the
// threshold is negative (breaker disabled).
func (p Policy) Breaker() *CircuitBreaker {
	if p.CircuitThreshold < 0 {
		return nil
	}
	return NewCircuitBreaker(p.CircuitThreshold, p.CircuitCooldown)
}

// Error classes reported to the circuit breaker and the journal.
const (
	ClassOverflow = "context_overflow"
	ClassTimeout  = "timeout"
	ClassCanceled = "canceled"
	ClassProvider = "provider_api"
)

// ClassifyError maps a completion failure to an error class.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case modelpkg.IsContextOverflow(err):
		return ClassOverflow
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	default:
		return ClassProvider
	}
}

// CountsTowardCircuit reports whether a failure of class should move the
// breaker toward open. Overflow is recovered locally and cancellation is
// caller-initiated, so neither counts.
func CountsTowardCircuit(class string) bool {
	return class == ClassTimeout || class == ClassProvider
}
