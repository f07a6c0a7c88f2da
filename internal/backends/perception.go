// SPDX-License-Identifier: MIT

package backends

import (
	"context"
	"time"
)

// Frame is one vision frame submitted with a turn. Data is base64.
type Frame struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// DescribeRequest submits frames for perception.
type DescribeRequest struct {
	Frames        []Frame `json:"frames"`
	Prompt        string  `json:"prompt,omitempty"`
	CorrelationID string  `json:"correlation_id"`
}

// DescribeResponse carries the perception summary.
type DescribeResponse struct {
	Description string   `json:"description"`
	Labels      []string `json:"labels,omitempty"`
}

// Perception talks to the vision service.
type Perception struct {
	client *Client
}

// NewPerception builds a perception client.
func NewPerception(baseURL string, timeout time.Duration) *Perception {
	return &Perception{client: NewClient("perception", baseURL, timeout)}
}

// Describe summarizes the supplied frames.
func (p *Perception) Describe(ctx context.Context, req *DescribeRequest) (*DescribeResponse, error) {
	var resp DescribeResponse
	if err := p.client.postJSON(ctx, "/describe", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
