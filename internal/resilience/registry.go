// SPDX-License-Identifier: MIT

package resilience

import (
	"sort"
	"sync"

	"github.com/arbiterhq/arbiter/internal/telemetry"
)

// Backend names known to the registry.
const (
	BackendModelRouter  = "model_router"
	BackendMemory       = "memory"
	BackendToolExecutor = "tool_executor"
	BackendPerception   = "perception"
)

// Registry holds one breaker per named backend.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
	emitter  *telemetry.Emitter
	clock    clock
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock injects a clock into every breaker the registry creates.
func WithRegistryClock(c clock) RegistryOption {
	return func(r *Registry) { r.clock = c }
}

// NewRegistry creates a breaker registry with shared configuration.
func NewRegistry(cfg CircuitBreakerConfig, emitter *telemetry.Emitter, opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
		emitter:  emitter,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Breaker returns the breaker for the named backend, creating it on first use.
func (r *Registry) Breaker(backend string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[backend]; ok {
		return cb
	}
	opts := []Option{WithEmitter(r.emitter)}
	if r.clock != nil {
		opts = append(opts, WithClock(r.clock))
	}
	cb := NewCircuitBreaker(backend, r.cfg, opts...)
	r.breakers[backend] = cb
	return cb
}

// Snapshots returns the state of every registered breaker, sorted by backend
// name. The diagnostics endpoint returns this verbatim.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}
