// SPDX-License-Identifier: MIT

// Package session owns the conversation table: admission quotas, idle
// expiry, and the at-most-one-turn-per-session barge-in protocol.
package session

import (
	"time"
)

// Profile selects the generation posture for a session's turns.
type Profile string

const (
	ProfileLowLatency    Profile = "low_latency_chat"
	ProfileDeepReasoning Profile = "deep_reasoning"
	ProfileToolOriented  Profile = "tool_oriented"
	ProfileVision        Profile = "vision"
)

// Valid reports whether p is a known profile.
func (p Profile) Valid() bool {
	switch p {
	case ProfileLowLatency, ProfileDeepReasoning, ProfileToolOriented, ProfileVision:
		return true
	}
	return false
}

// ModelTimeout is the per-profile model-call deadline.
func (p Profile) ModelTimeout() time.Duration {
	switch p {
	case ProfileDeepReasoning:
		return 20 * time.Second
	case ProfileToolOriented:
		return 10 * time.Second
	case ProfileVision:
		return 8 * time.Second
	default:
		return 2 * time.Second
	}
}

// Status is the session lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
	StatusExpired Status = "expired"
)

// TurnState is the conversation state of the session's current turn. The
// Manager owns the idle/listening/terminal edges; the pipeline reports the
// stage edges (thinking, tooling, responding) as the turn progresses.
type TurnState string

const (
	TurnIdle       TurnState = "idle"
	TurnListening  TurnState = "listening"
	TurnThinking   TurnState = "thinking"
	TurnTooling    TurnState = "tooling"
	TurnResponding TurnState = "responding"
	TurnComplete   TurnState = "complete"
	TurnCancelled  TurnState = "cancelled"
)

// Session is one client conversation. Mutations go through the Manager.
type Session struct {
	SessionID      string         `json:"session_id"`
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id"`
	Profile        Profile        `json:"profile"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	LastActivity   time.Time      `json:"last_activity"`
	TurnCount      int            `json:"turn_count"`
	TurnState      TurnState      `json:"turn_state"`
	VisionEnabled  bool           `json:"vision_enabled"`
	RateClass      string         `json:"rate_class,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (s *Session) clone() *Session {
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
