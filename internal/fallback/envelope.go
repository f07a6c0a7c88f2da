// SPDX-License-Identifier: MIT

// Package fallback defines the deterministic envelope returned when the
// model router is unreachable or retries are exhausted.
package fallback

import "github.com/arbiterhq/arbiter/internal/metrics"

// ContractVersion is bumped whenever the trigger set changes.
const ContractVersion = "1.1"

// Trigger is the closed, versioned set of fallback causes.
type Trigger string

const (
	TriggerRouterUnavailable Trigger = "router_unavailable"
	TriggerRouterError       Trigger = "router_error"
	TriggerUnexpectedError   Trigger = "unexpected_error"
)

// Valid reports whether t belongs to the contract's trigger set.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerRouterUnavailable, TriggerRouterError, TriggerUnexpectedError:
		return true
	}
	return false
}

// DefaultResponse is used when the caller supplies no polite-failure text.
const DefaultResponse = "I'm having trouble reaching the assistant right now. Please try again in a moment."

// Envelope is the deterministic fallback payload.
type Envelope struct {
	Response        string  `json:"response"`
	Source          string  `json:"source"`
	Model           string  `json:"model"`
	Provider        string  `json:"provider"`
	FallbackUsed    bool    `json:"fallback_used"`
	Trigger         Trigger `json:"fallback_trigger"`
	Reason          string  `json:"fallback_reason"`
	ContractVersion string  `json:"fallback_contract_version"`
	CorrelationID   string  `json:"correlation_id"`
}

// New builds a fallback envelope. Unknown triggers coerce to
// unexpected_error so the contract's closed set holds.
func New(trigger Trigger, reason, correlationID, response string) Envelope {
	if !trigger.Valid() {
		trigger = TriggerUnexpectedError
	}
	if response == "" {
		response = DefaultResponse
	}
	metrics.RecordFallback(string(trigger))
	return Envelope{
		Response:        response,
		Source:          "fallback",
		Model:           "fallback",
		Provider:        "static",
		FallbackUsed:    true,
		Trigger:         trigger,
		Reason:          reason,
		ContractVersion: ContractVersion,
		CorrelationID:   correlationID,
	}
}
