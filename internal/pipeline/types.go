// SPDX-License-Identifier: MIT

// Package pipeline drives one turn through recall, model routing, the
// policy-gated tool loop, memory write, and output normalization.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/internal/backends"
	"github.com/arbiterhq/arbiter/internal/policy"
)

// ModelClient routes one conversation to a model.
type ModelClient interface {
	Chat(ctx context.Context, req *backends.ChatRequest) (*backends.ChatResponse, error)
}

// MemoryClient recalls and stores conversation memory.
type MemoryClient interface {
	Search(ctx context.Context, req *backends.SearchRequest) (*backends.SearchResponse, error)
	Store(ctx context.Context, req *backends.StoreRequest) error
}

// ToolClient executes one tool call.
type ToolClient interface {
	Execute(ctx context.Context, req *backends.ExecuteRequest) (*backends.ExecuteResponse, error)
}

// PerceptionClient summarizes vision frames.
type PerceptionClient interface {
	Describe(ctx context.Context, req *backends.DescribeRequest) (*backends.DescribeResponse, error)
}

// TurnRequest is the validated input to one turn.
type TurnRequest struct {
	SessionID string
	InputText string
	Frames    []backends.Frame
	Model     string // optional explicit model override
}

// ToolOutcome reports one attempted tool call.
type ToolOutcome struct {
	ToolName      string         `json:"tool_name"`
	Status        string         `json:"status"` // executed, denied, expired, blocked, failed
	RequirementID string         `json:"requirement_id,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// MemoryReport summarizes the turn's memory interaction.
type MemoryReport struct {
	Written        bool `json:"written"`
	RetrievedCount int  `json:"retrieved_count"`
	Truncated      bool `json:"truncated,omitempty"`
}

// Latency is the per-stage breakdown in milliseconds.
type Latency struct {
	MemoryReadMs  int64 `json:"memory_read_ms"`
	PerceptionMs  int64 `json:"perception_ms,omitempty"`
	ModelMs       int64 `json:"model_ms"`
	ToolMs        int64 `json:"tool_ms"`
	MemoryWriteMs int64 `json:"memory_write_ms"`
	TotalMs       int64 `json:"total_ms"`
}

// Quality annotates how the turn was produced.
type Quality struct {
	GenerationProfileUsed string `json:"generation_profile_used"`
	FallbackUsed          bool   `json:"fallback_used"`
	FallbackTrigger       string `json:"fallback_trigger,omitempty"`
	ToolCallsAttempted    int    `json:"tool_calls_attempted"`
	ToolCallsExecuted     int    `json:"tool_calls_executed"`
	CompletionReason      string `json:"completion_reason"`
}

// Completion reasons.
const (
	ReasonComplete  = "complete"
	ReasonCancelled = "cancelled"
	ReasonFallback  = "fallback"
)

// TurnResult is the pipeline's terminal output for one turn.
type TurnResult struct {
	TurnID        string        `json:"turn_id"`
	CorrelationID string        `json:"correlation_id"`
	AssistantText string        `json:"assistant_text"`
	Model         string        `json:"model,omitempty"`
	ToolCalls     []ToolOutcome `json:"tool_calls,omitempty"`
	Memory        MemoryReport  `json:"memory"`
	Latency       Latency       `json:"latency"`
	Quality       Quality       `json:"quality"`
	Truncated     bool          `json:"truncated,omitempty"`
}

// FrameTooLargeError is the typed rejection for an oversized vision frame.
type FrameTooLargeError struct {
	Index int
	Size  int
	Limit int
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("frame %d is %d bytes, above the %d byte limit", e.Index, e.Size, e.Limit)
}

// InvalidFrameError is the typed rejection for an unsupported mime type.
type InvalidFrameError struct {
	Index    int
	MimeType string
}

func (e *InvalidFrameError) Error() string {
	return fmt.Sprintf("frame %d has unsupported mime type %q", e.Index, e.MimeType)
}

// PolicyDeniedError surfaces a blocked tool to the client.
type PolicyDeniedError struct {
	ToolName string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("tool %s is blocked by policy", e.ToolName)
}

// Config tunes the pipeline's stage budgets.
type Config struct {
	RecallTimeout    time.Duration // memory recall (default 500ms)
	ToolTimeout      time.Duration // one tool execution (default 5s)
	ConfirmationWait time.Duration // guarded-tool approval wait (default 120s)
	TurnBudget       time.Duration // whole turn (default 60s)
	MaxToolCalls     int           // per-turn tool ceiling (default 5)
	MaxFrameBytes    int           // per-frame byte budget (default 2 MiB)
	FallbackText     string        // polite-failure override, empty for default
}

// DefaultConfig returns the stage-budget defaults.
func DefaultConfig() Config {
	return Config{
		RecallTimeout:    500 * time.Millisecond,
		ToolTimeout:      5 * time.Second,
		ConfirmationWait: policy.DefaultConfirmationTTL,
		TurnBudget:       60 * time.Second,
		MaxToolCalls:     5,
		MaxFrameBytes:    2 << 20,
	}
}
