// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	confirmationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_confirmations_total",
		Help: "Confirmation requirement transitions by outcome",
	}, []string{"outcome"})

	bypassAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbiter_confirmation_bypass_attempts_total",
		Help: "Attempts to execute a guarded tool without a consumable approval",
	})

	deadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_dead_letters_total",
		Help: "Dead letters enqueued by failure class",
	}, []string{"failure_class"})

	dlqDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbiter_dlq_depth",
		Help: "Current number of queued dead letters",
	})

	replaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_dlq_replays_total",
		Help: "Dead letter replay evaluations by mode and verdict",
	}, []string{"mode", "verdict"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbiter_active_sessions",
		Help: "Currently active sessions",
	})

	sessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbiter_sessions_expired_total",
		Help: "Sessions closed by the idle-expiry sweep",
	})

	bargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbiter_barge_ins_total",
		Help: "Turns cancelled by a newer input on the same session",
	})
)

// RecordConfirmation counts a confirmation transition (approved, denied, expired, executed).
func RecordConfirmation(outcome string) {
	confirmationsTotal.WithLabelValues(outcome).Inc()
}

// RecordBypassAttempt counts a rejected guarded-tool execution attempt.
func RecordBypassAttempt() {
	bypassAttempts.Inc()
}

// RecordDeadLetter counts an enqueued dead letter.
func RecordDeadLetter(failureClass string) {
	deadLetters.WithLabelValues(failureClass).Inc()
}

// SetDLQDepth records the current queue depth.
func SetDLQDepth(n int) {
	dlqDepth.Set(float64(n))
}

// RecordReplay counts one replay evaluation.
func RecordReplay(mode, verdict string) {
	replaysTotal.WithLabelValues(mode, verdict).Inc()
}

// SetActiveSessions records the current session count.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// RecordSessionExpired counts a sweeper-closed session.
func RecordSessionExpired() {
	sessionsExpired.Inc()
}

// RecordBargeIn counts a barge-in cancellation.
func RecordBargeIn() {
	bargeIns.Inc()
}
