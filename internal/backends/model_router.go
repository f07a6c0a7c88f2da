// SPDX-License-Identifier: MIT

package backends

import (
	"context"
	"time"
)

// Message is one chat turn in the router's conversation format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args,omitempty"`
}

// ChatRequest is the model router's /chat payload.
type ChatRequest struct {
	Messages      []Message `json:"messages"`
	TaskType      string    `json:"task_type"`
	Model         string    `json:"model,omitempty"`
	CorrelationID string    `json:"correlation_id"`
}

// ChatResponse is the router's reply.
type ChatResponse struct {
	Response  string     `json:"response"`
	Model     string     `json:"model,omitempty"`
	Provider  string     `json:"provider,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ModelRouter talks to the model-routing service.
type ModelRouter struct {
	client *Client
}

// NewModelRouter builds a model-router client.
func NewModelRouter(baseURL string, timeout time.Duration) *ModelRouter {
	return &ModelRouter{client: NewClient("model_router", baseURL, timeout)}
}

// Chat routes one conversation to a model.
func (r *ModelRouter) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var resp ChatResponse
	if err := r.client.postJSON(ctx, "/chat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
