// SPDX-License-Identifier: MIT

// Package backends holds the HTTP clients for the services the gateway
// fronts: model router, memory engine, tool executor, and perception.
package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/arbiterhq/arbiter/internal/log"
	"github.com/arbiterhq/arbiter/internal/resilience"
)

// HeaderCorrelationID carries the correlation id to every backend.
const HeaderCorrelationID = "X-Correlation-ID"

// Client is the shared JSON-over-HTTP plumbing for one backend.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

// NewClient builds a backend client. timeout bounds the whole exchange and
// is layered under any per-call context deadline.
func NewClient(name, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		name:    name,
		baseURL: baseURL,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Name returns the backend name used for breakers and metrics.
func (c *Client) Name() string { return c.name }

// postJSON issues one JSON POST and decodes the response into out.
// Transport errors surface unwrapped so the failure classifier can read
// them; HTTP statuses map onto the classification sentinels.
func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: encode %s request: %v", resilience.ErrValidationFailed, path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build %s request: %v", resilience.ErrValidationFailed, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cid := log.CorrelationIDFromContext(ctx); cid != "" {
		req.Header.Set(HeaderCorrelationID, cid)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", c.name, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s returned %d: %s", resilience.ErrExecution, c.name, path, resp.StatusCode, payload)
	case resp.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s returned %d: %s", resilience.ErrValidationFailed, c.name, path, resp.StatusCode, payload)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", resilience.ErrExecution, path, err)
	}
	return nil
}
