// SPDX-License-Identifier: MIT

package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/telemetry"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// attempting the backend.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// clock abstracts time operations for testability.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// CircuitBreakerConfig holds per-backend breaker tuning.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures to trip (default 5)
	Cooldown         time.Duration // open -> half-open delay (default 30s)
	SuccessThreshold int           // half-open probes to close (default 2)
}

// DefaultCircuitBreakerConfig returns the defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		SuccessThreshold: 2,
	}
}

// CircuitBreaker isolates one backend. closed -> open on consecutive failures,
// open -> half-open after cooldown, half-open -> closed after the configured
// number of consecutive probe successes, half-open -> open on any failure.
type CircuitBreaker struct {
	mu        sync.Mutex
	name      string // backend name for metrics and events
	state     State
	failures  int
	successes int  // consecutive half-open probe successes
	probing   bool // a half-open probe is in flight
	cfg       CircuitBreakerConfig
	openedAt  time.Time
	clock     clock
	emitter   *telemetry.Emitter
}

// Option configuration pattern
type Option func(*CircuitBreaker)

func WithClock(c clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

func WithEmitter(e *telemetry.Emitter) Option {
	return func(cb *CircuitBreaker) { cb.emitter = e }
}

// NewCircuitBreaker creates a new circuit breaker for the named backend.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig, opts ...Option) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}

	cb := &CircuitBreaker{
		name:  name,
		state: StateClosed,
		cfg:   cfg,
		clock: realClock{},
	}
	for _, opt := range opts {
		opt(cb)
	}

	metrics.SetCircuitBreakerState(cb.name, string(cb.state))
	return cb
}

// Execute runs fn respecting the breaker state.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.allowRequest(ctx) {
		return ErrCircuitOpen
	}

	if err := fn(); err != nil {
		cb.recordFailure(ctx)
		return err
	}

	cb.recordSuccess(ctx)
	return nil
}

func (cb *CircuitBreaker) allowRequest(ctx context.Context) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.clock.Now().Sub(cb.openedAt) > cb.cfg.Cooldown {
			cb.transitionTo(ctx, StateHalfOpen, "cooldown_elapsed")
			cb.probing = true // the transitioning caller is the probe
			return true
		}
		return false
	default: // StateHalfOpen: one probe at a time
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
}

func (cb *CircuitBreaker) recordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.successes = 0

	if cb.state == StateHalfOpen {
		cb.probing = false
		metrics.RecordCircuitBreakerTrip(cb.name, "half_open_failure")
		cb.transitionTo(ctx, StateOpen, "half_open_failure")
		return
	}

	if cb.state == StateClosed && cb.failures >= cb.cfg.FailureThreshold {
		metrics.RecordCircuitBreakerTrip(cb.name, "threshold_exceeded")
		cb.transitionTo(ctx, StateOpen, "threshold_exceeded")
	}
}

func (cb *CircuitBreaker) recordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0

	if cb.state == StateHalfOpen {
		cb.probing = false
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.transitionTo(ctx, StateClosed, "probe_successes")
		}
		return
	}
	cb.successes = 0
}

// transitionTo handles state transitions, metrics, and the transition event.
// Caller must hold lock.
func (cb *CircuitBreaker) transitionTo(ctx context.Context, newState State, reason string) {
	if cb.state == newState {
		return
	}
	prior := cb.state
	cb.state = newState
	if newState == StateOpen {
		cb.openedAt = cb.clock.Now()
	}
	if newState != StateHalfOpen {
		cb.successes = 0
		cb.probing = false
	}
	metrics.SetCircuitBreakerState(cb.name, string(newState))
	if cb.emitter != nil {
		cb.emitter.Emit(ctx, "breaker.transition", map[string]any{
			"backend":   cb.name,
			"old_state": string(prior),
			"new_state": string(newState),
			"reason":    reason,
		})
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot reports the breaker's observable state for diagnostics.
type Snapshot struct {
	Backend          string    `json:"backend"`
	State            string    `json:"state"`
	Failures         int       `json:"consecutive_failures"`
	FailureThreshold int       `json:"failure_threshold"`
	Successes        int       `json:"half_open_successes"`
	SuccessThreshold int       `json:"success_threshold"`
	OpenedAt         time.Time `json:"opened_at,omitempty"`
	CooldownSeconds  float64   `json:"cooldown_seconds"`
}

// Snapshot returns the current observable state.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Backend:          cb.name,
		State:            string(cb.state),
		Failures:         cb.failures,
		FailureThreshold: cb.cfg.FailureThreshold,
		Successes:        cb.successes,
		SuccessThreshold: cb.cfg.SuccessThreshold,
		OpenedAt:         cb.openedAt,
		CooldownSeconds:  cb.cfg.Cooldown.Seconds(),
	}
}
