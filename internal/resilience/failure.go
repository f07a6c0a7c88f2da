// SPDX-License-Identifier: MIT

// Package resilience provides per-backend fault isolation: circuit breakers,
// a closed failure-class taxonomy, and class-driven bounded retries.
package resilience

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

// FailureClass is the closed set of failure classifications. It drives retry
// decisions and dead-letter records and must not be silently extended.
type FailureClass string

const (
	ClassConnectionBootstrap FailureClass = "CONNECTION_BOOTSTRAP"
	ClassTimeout             FailureClass = "TIMEOUT"
	ClassCircuitOpen         FailureClass = "CIRCUIT_OPEN"
	ClassPolicyDenied        FailureClass = "POLICY_DENIED"
	ClassValidationFailed    FailureClass = "VALIDATION_FAILED"
	ClassExecutionError      FailureClass = "EXECUTION_ERROR"
	ClassBackpressure        FailureClass = "BACKPRESSURE"
	ClassUnknown             FailureClass = "UNKNOWN"
)

// Classes lists every valid failure class.
func Classes() []FailureClass {
	return []FailureClass{
		ClassConnectionBootstrap,
		ClassTimeout,
		ClassCircuitOpen,
		ClassPolicyDenied,
		ClassValidationFailed,
		ClassExecutionError,
		ClassBackpressure,
		ClassUnknown,
	}
}

// Valid reports whether c belongs to the closed set.
func (c FailureClass) Valid() bool {
	switch c {
	case ClassConnectionBootstrap, ClassTimeout, ClassCircuitOpen, ClassPolicyDenied,
		ClassValidationFailed, ClassExecutionError, ClassBackpressure, ClassUnknown:
		return true
	}
	return false
}

// Sentinels for classification at component boundaries. Callers wrap these
// with %w so Classify can recover the class.
var (
	ErrPolicyDenied     = errors.New("policy denied")
	ErrValidationFailed = errors.New("validation failed")
	ErrBackpressure     = errors.New("backpressure")
	ErrExecution        = errors.New("execution error")
)

// RetryPolicy is the static retry behavior attached to a failure class.
type RetryPolicy struct {
	Retryable   bool
	MaxRetries  int
	BackoffBase time.Duration
}

// retryPolicies is the static class table. CIRCUIT_OPEN, POLICY_DENIED, and
// VALIDATION_FAILED never retry.
var retryPolicies = map[FailureClass]RetryPolicy{
	ClassConnectionBootstrap: {Retryable: true, MaxRetries: 3, BackoffBase: 200 * time.Millisecond},
	ClassTimeout:             {Retryable: true, MaxRetries: 2, BackoffBase: 500 * time.Millisecond},
	ClassCircuitOpen:         {Retryable: false},
	ClassPolicyDenied:        {Retryable: false},
	ClassValidationFailed:    {Retryable: false},
	ClassExecutionError:      {Retryable: true, MaxRetries: 1, BackoffBase: 250 * time.Millisecond},
	ClassBackpressure:        {Retryable: true, MaxRetries: 2, BackoffBase: 400 * time.Millisecond},
	ClassUnknown:             {Retryable: false},
}

// PolicyFor returns the retry policy for class. Unknown classes fall back to
// the UNKNOWN policy.
func PolicyFor(class FailureClass) RetryPolicy {
	if p, ok := retryPolicies[class]; ok {
		return p
	}
	return retryPolicies[ClassUnknown]
}

// Classify maps an error onto the failure-class enum.
func Classify(err error) FailureClass {
	if err == nil {
		return ClassUnknown
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return ClassCircuitOpen
	case errors.Is(err, ErrPolicyDenied):
		return ClassPolicyDenied
	case errors.Is(err, ErrValidationFailed):
		return ClassValidationFailed
	case errors.Is(err, ErrBackpressure):
		return ClassBackpressure
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EHOSTUNREACH):
		return ClassConnectionBootstrap
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassConnectionBootstrap
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ClassConnectionBootstrap
	}

	if errors.Is(err, ErrExecution) {
		return ClassExecutionError
	}
	return ClassUnknown
}
