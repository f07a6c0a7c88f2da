// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID     = "session_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"
	FieldTurnID        = "turn_id"
	FieldUserID        = "user_id"
	FieldRequirementID = "requirement_id"
	FieldLetterID      = "letter_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldStage     = "stage"
	FieldBackend   = "backend"
	FieldToolName  = "tool_name"

	// State fields
	FieldOldState     = "old_state"
	FieldNewState     = "new_state"
	FieldFailureClass = "failure_class"
	FieldReason       = "reason"

	// Latency fields
	FieldDurationMS = "duration_ms"
)
