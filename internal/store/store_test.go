// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arbiter.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func testSession(id string) *SessionRecord {
	now := time.Now()
	return &SessionRecord{
		SessionID:      id,
		UserID:         "u1",
		ConversationID: "c1",
		Profile:        "low_latency_chat",
		Status:         "active",
		CreatedAtMs:    now.UnixMilli(),
		ExpiresAtMs:    now.Add(30 * time.Minute).UnixMilli(),
		LastActivityMs: now.UnixMilli(),
		TurnCount:      2,
		Metadata:       map[string]any{"vision": true},
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	rec := testSession("s-1")
	require.NoError(t, s.PersistSession(ctx, rec))

	got, err := s.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, rec.UserID, got.UserID)
	assert.Equal(t, rec.TurnCount, got.TurnCount)
	assert.Equal(t, true, got.Metadata["vision"])

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadActiveSessionsSurvivesReopen(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PersistSession(ctx, testSession("s-1")))
	closed := testSession("s-2")
	closed.Status = "closed"
	require.NoError(t, s.PersistSession(ctx, closed))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	active, err := reopened.LoadActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "s-1", active[0].SessionID)
}

func TestConfirmationRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PersistSession(ctx, testSession("s-1")))
	rec := &ConfirmationRecord{
		RequirementID: "req-1",
		SessionID:     "s-1",
		TurnID:        "t-1",
		ToolName:      "file.write",
		Args:          map[string]any{"path": "/tmp/x"},
		RiskTier:      "guarded_write",
		State:         "pending",
		CreatedAtMs:   time.Now().UnixMilli(),
		ExpiresAtMs:   time.Now().Add(2 * time.Minute).UnixMilli(),
	}
	require.NoError(t, s.PersistConfirmation(ctx, rec))

	pending, err := s.LoadPendingConfirmations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "file.write", pending[0].ToolName)
	assert.Equal(t, "/tmp/x", pending[0].Args["path"])

	rec.State = "approved"
	require.NoError(t, s.PersistConfirmation(ctx, rec))
	pending, err = s.LoadPendingConfirmations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestConfirmationCascadesWithSession(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PersistSession(ctx, testSession("s-1")))
	require.NoError(t, s.PersistConfirmation(ctx, &ConfirmationRecord{
		RequirementID: "req-1", SessionID: "s-1", TurnID: "t-1",
		ToolName: "file.write", RiskTier: "guarded_write", State: "pending",
		CreatedAtMs: time.Now().UnixMilli(), ExpiresAtMs: time.Now().Add(time.Minute).UnixMilli(),
	}))

	require.NoError(t, s.DeleteSession(ctx, "s-1"))
	pending, err := s.LoadPendingConfirmations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIdempotencyKeyLifecycle(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()

	result := map[string]any{"turn_id": "t-1", "ok": true}
	require.NoError(t, s.PersistIdempotencyKey(ctx, "idem_abc", "act_001", result, 300*time.Second))

	// Survives a restart with byte-equal fields.
	require.NoError(t, s.Close())
	reopened, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	entry, err := reopened.GetIdempotencyKey(ctx, "idem_abc")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "act_001", entry.ActionID)
	assert.Equal(t, "t-1", entry.Result["turn_id"])

	// Missing key is nil, not an error.
	entry, err = reopened.GetIdempotencyKey(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestIdempotencyKeyExpiryAndReuse(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	s.clock = func() time.Time { return now }

	require.NoError(t, s.PersistIdempotencyKey(ctx, "idem_abc", "act_001", nil, time.Second))

	// After TTL the entry reads as absent.
	s.clock = func() time.Time { return now.Add(2 * time.Second) }
	entry, err := s.GetIdempotencyKey(ctx, "idem_abc")
	require.NoError(t, err)
	assert.Nil(t, entry)

	// Re-submission with a different action id replaces the binding.
	require.NoError(t, s.PersistIdempotencyKey(ctx, "idem_abc", "act_002", nil, time.Minute))
	entry, err = s.GetIdempotencyKey(ctx, "idem_abc")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "act_002", entry.ActionID)

	pruned, err := s.PruneExpiredIdempotencyKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pruned)
}

func TestPruneExpiredIdempotencyKeysCounts(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	s.clock = func() time.Time { return now }
	require.NoError(t, s.PersistIdempotencyKey(ctx, "a", "act_a", nil, time.Second))
	require.NoError(t, s.PersistIdempotencyKey(ctx, "b", "act_b", nil, time.Hour))

	s.clock = func() time.Time { return now.Add(10 * time.Second) }
	pruned, err := s.PruneExpiredIdempotencyKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
}

func TestDeadLetterMirrorRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	rec := &DeadLetterRecord{
		LetterID:      "dl-1",
		CorrelationID: "req_0123456789abcdef",
		Descriptor:    map[string]any{"tool_name": "web.fetch"},
		FailureClass:  "TIMEOUT",
		RetryCount:    3,
		PayloadHash:   "abc123",
		CreatedAtMs:   time.Now().UnixMilli(),
	}
	require.NoError(t, s.PersistDeadLetter(ctx, rec))

	rec.ReplayHistory = []string{"2026-01-01T00:00:00Z dry_run accept"}
	require.NoError(t, s.PersistDeadLetter(ctx, rec))

	letters, err := s.LoadDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "TIMEOUT", letters[0].FailureClass)
	assert.Len(t, letters[0].ReplayHistory, 1)

	require.NoError(t, s.DeleteDeadLetter(ctx, "dl-1"))
	letters, err = s.LoadDeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, letters)
}
