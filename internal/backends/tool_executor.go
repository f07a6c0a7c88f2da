// SPDX-License-Identifier: MIT

package backends

import (
	"context"
	"time"
)

// ExecuteRequest invokes one tool.
type ExecuteRequest struct {
	ToolName      string         `json:"tool_name"`
	Args          map[string]any `json:"args,omitempty"`
	TimeoutMs     int            `json:"timeout_ms"`
	CorrelationID string         `json:"correlation_id"`
}

// ExecuteResponse reports the tool outcome.
type ExecuteResponse struct {
	Status      string         `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	SideEffects []string       `json:"side_effects,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// ToolExecutor talks to the tool execution service.
type ToolExecutor struct {
	client *Client
}

// NewToolExecutor builds a tool-executor client.
func NewToolExecutor(baseURL string, timeout time.Duration) *ToolExecutor {
	return &ToolExecutor{client: NewClient("tool_executor", baseURL, timeout)}
}

// Execute runs one tool call.
func (t *ToolExecutor) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	var resp ExecuteResponse
	if err := t.client.postJSON(ctx, "/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
