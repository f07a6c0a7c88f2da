// SPDX-License-Identifier: MIT

// Package metrics defines the Prometheus instrumentation surface.
// One file per concern; all collectors are registered via promauto.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_turns_total",
		Help: "Total turns by completion reason",
	}, []string{"completion_reason", "profile"})

	turnStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arbiter_turn_stage_duration_seconds",
		Help:    "Per-stage turn latency",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"stage"})

	fallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_fallback_envelopes_total",
		Help: "Fallback envelopes emitted, by trigger",
	}, []string{"trigger"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_retries_total",
		Help: "Retry attempts by failure class",
	}, []string{"failure_class"})
)

// RecordTurn counts a finished turn.
func RecordTurn(completionReason, profile string) {
	turnsTotal.WithLabelValues(completionReason, profile).Inc()
}

// ObserveStage records the duration of one pipeline stage.
func ObserveStage(stage string, d time.Duration) {
	turnStageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordFallback counts an emitted fallback envelope.
func RecordFallback(trigger string) {
	fallbacksTotal.WithLabelValues(trigger).Inc()
}

// RecordRetry counts a retry attempt for the given failure class.
func RecordRetry(failureClass string) {
	retriesTotal.WithLabelValues(failureClass).Inc()
}
