// SPDX-License-Identifier: MIT

package backends

import (
	"context"
	"time"
)

// MemoryEntry is one recalled memory item.
type MemoryEntry struct {
	EntryID   string  `json:"entry_id"`
	Content   string  `json:"content"`
	Relevance float64 `json:"relevance,omitempty"`
	CreatedAt string  `json:"created_at,omitempty"`
}

// SearchRequest queries the memory engine.
type SearchRequest struct {
	Query         string `json:"query"`
	SessionID     string `json:"session_id"`
	Limit         int    `json:"limit,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// SearchResponse carries the recalled entries.
type SearchResponse struct {
	Entries []MemoryEntry `json:"entries"`
}

// StoreRequest writes one exchange into memory.
type StoreRequest struct {
	SessionID     string `json:"session_id"`
	UserText      string `json:"user_text"`
	AssistantText string `json:"assistant_text"`
	CorrelationID string `json:"correlation_id"`
}

// Memory talks to the memory engine. All failures are non-fatal to a turn.
type Memory struct {
	client *Client
}

// NewMemory builds a memory-engine client.
func NewMemory(baseURL string, timeout time.Duration) *Memory {
	return &Memory{client: NewClient("memory", baseURL, timeout)}
}

// Search recalls context for a turn.
func (m *Memory) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	var resp SearchResponse
	if err := m.client.postJSON(ctx, "/search", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Store writes a completed exchange.
func (m *Memory) Store(ctx context.Context, req *StoreRequest) error {
	return m.client.postJSON(ctx, "/store", req, nil)
}
