// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_ratelimit_exceeded_total",
		Help: "Total rate limit rejections",
	}, []string{"limit_type"})

	budgetEnforcements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_budget_enforcements_total",
		Help: "Output budget enforcement decisions by dimension and strategy",
	}, []string{"dimension", "strategy"})

	backpressureSheds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_backpressure_shed_total",
		Help: "Inputs shed from per-session queues",
	}, []string{"strategy"})

	backpressureAdmits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbiter_backpressure_admitted_total",
		Help: "Inputs admitted to per-session queues",
	})
)

// RecordRateLimitExceeded counts a rate-limit denial.
func RecordRateLimitExceeded(limitType string) {
	rateLimitExceeded.WithLabelValues(limitType).Inc()
}

// RecordBudgetEnforcement counts a budget decision that altered output.
func RecordBudgetEnforcement(dimension, strategy string) {
	budgetEnforcements.WithLabelValues(dimension, strategy).Inc()
}

// RecordBackpressureShed counts an evicted queue entry.
func RecordBackpressureShed(strategy string) {
	backpressureSheds.WithLabelValues(strategy).Inc()
}

// RecordBackpressureAdmit counts an admitted queue entry.
func RecordBackpressureAdmit() {
	backpressureAdmits.Inc()
}
