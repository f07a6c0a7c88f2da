// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arbiter_circuit_breaker_state",
		Help: "Circuit breaker state by backend (the active state carries 1, others 0)",
	}, []string{"backend", "state"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_circuit_breaker_trips_total",
		Help: "Total number of circuit breaker trips (transitions to open state)",
	}, []string{"backend", "reason"})
)

var circuitStates = []string{"closed", "half-open", "open"}

// SetCircuitBreakerState records the active circuit breaker state for a backend.
func SetCircuitBreakerState(backend, state string) {
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		circuitBreakerState.WithLabelValues(backend, s).Set(value)
	}
}

// RecordCircuitBreakerTrip increments the trip counter when a breaker opens.
func RecordCircuitBreakerTrip(backend, reason string) {
	circuitBreakerTrips.WithLabelValues(backend, reason).Inc()
}
