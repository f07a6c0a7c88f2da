// SPDX-License-Identifier: MIT

// Package store persists the state that must survive restart: sessions,
// confirmations, dead letters, and idempotency keys.
package store

// SessionRecord is the persisted shape of one session.
type SessionRecord struct {
	SessionID      string
	UserID         string
	ConversationID string
	Profile        string
	Status         string
	CreatedAtMs    int64
	ExpiresAtMs    int64
	LastActivityMs int64
	TurnCount      int
	Metadata       map[string]any
}

// ConfirmationRecord is the persisted shape of one confirmation requirement.
type ConfirmationRecord struct {
	RequirementID string
	SessionID     string
	TurnID        string
	ToolName      string
	Args          map[string]any
	RiskTier      string
	State         string
	CreatedAtMs   int64
	ExpiresAtMs   int64
}

// DeadLetterRecord is the durable mirror of one dead letter.
type DeadLetterRecord struct {
	LetterID      string
	CorrelationID string
	Descriptor    map[string]any
	FailureClass  string
	RetryCount    int
	PayloadHash   string
	CreatedAtMs   int64
	ReplayHistory []string
}

// IdempotencyEntry binds a client-supplied key to an action and its cached result.
type IdempotencyEntry struct {
	Key         string
	ActionID    string
	Result      map[string]any
	CreatedAtMs int64
	ExpiresAtMs int64
}
