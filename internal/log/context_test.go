// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithCorrelationID(ctx, "req_abc123def4567890")
	ctx = ContextWithSessionID(ctx, "sess-1")
	ctx = ContextWithTurnID(ctx, "turn-1")
	ctx = ContextWithRequestID(ctx, "r-9")

	assert.Equal(t, "req_abc123def4567890", CorrelationIDFromContext(ctx))
	assert.Equal(t, "sess-1", SessionIDFromContext(ctx))
	assert.Equal(t, "turn-1", TurnIDFromContext(ctx))
	assert.Equal(t, "r-9", RequestIDFromContext(ctx))
}

func TestContextMissingValues(t *testing.T) {
	assert.Empty(t, CorrelationIDFromContext(context.Background()))
	assert.Empty(t, CorrelationIDFromContext(nil)) //nolint:staticcheck // nil-safety contract
}

func TestWithContextEnrichesLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := ContextWithCorrelationID(context.Background(), "corr_deadbeef")
	logger := WithContext(ctx, base)
	logger.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "corr_deadbeef", entry[FieldCorrelationID])
}

func TestComponentLoggersChainDirectly(t *testing.T) {
	var buf bytes.Buffer
	ctx := ContextWithCorrelationID(context.Background(), "corr_feedface")
	ctxLogger := WithComponentFromContext(ctx, "gate").Output(&buf)
	ctxLogger.Info().Msg("chained")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "gate", entry[FieldComponent])
	assert.Equal(t, "corr_feedface", entry[FieldCorrelationID])

	buf.Reset()
	plain := WithComponent("dlq").Output(&buf)
	plain.Warn().Msg("chained")
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "dlq", entry[FieldComponent])
}

func TestWithContextNoFieldsReturnsSameLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	logger := WithContext(context.Background(), base)
	logger.Info().Msg("plain")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	_, hasCorr := entry[FieldCorrelationID]
	assert.False(t, hasCorr)
}
