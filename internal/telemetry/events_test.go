// SPDX-License-Identifier: MIT

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/log"
)

func TestEmitterCarriesCorrelation(t *testing.T) {
	sink := NewMemorySink(16)
	em := NewEmitter(sink)

	ctx := log.ContextWithCorrelationID(context.Background(), "req_0011223344556677")
	ctx = log.ContextWithSessionID(ctx, "s-1")
	ctx = log.ContextWithTurnID(ctx, "t-1")

	em.Emit(ctx, "turn.started", map[string]any{"stage": "admission"})
	em.Emit(ctx, "turn.completed", nil)

	events := sink.ForCorrelation("req_0011223344556677")
	require.Len(t, events, 2)
	assert.Equal(t, "turn.started", events[0].Name)
	assert.Equal(t, "s-1", events[0].SessionID)
	assert.Equal(t, "t-1", events[0].TurnID)
	assert.Equal(t, "turn.completed", events[1].Name)
}

func TestEmitterRedactsFields(t *testing.T) {
	sink := NewMemorySink(16)
	em := NewEmitter(sink)

	ctx := log.ContextWithCorrelationID(context.Background(), "req_aaaaaaaaaaaaaaaa")
	em.Emit(ctx, "tool.requested", map[string]any{
		"api_key": "sk-verysecretkey12345678",
		"args":    "write to bob@example.com",
	})

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "***", events[0].Fields["api_key"])
	assert.NotContains(t, events[0].Fields["args"], "bob@example.com")
}

func TestMemorySinkBounded(t *testing.T) {
	sink := NewMemorySink(3)
	em := NewEmitter(sink)
	ctx := log.ContextWithCorrelationID(context.Background(), "req_bbbbbbbbbbbbbbbb")
	for i := 0; i < 10; i++ {
		em.Emit(ctx, "e", nil)
	}
	assert.Len(t, sink.Events(), 3)
}
