// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/internal/persistence/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the single-writer durable state store backed by SQLite.
type Store struct {
	DB    *sql.DB
	clock func() time.Time
}

// Open opens (or creates) the store at dbPath and applies pending migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &Store{DB: db, clock: time.Now}
	if err := sqlite.Migrate(db, migrations()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.DB.Close()
}

// --- Sessions ---

// PersistSession upserts one session record.
func (s *Store) PersistSession(ctx context.Context, rec *SessionRecord) error {
	metadataJSON, _ := json.Marshal(rec.Metadata)
	query := `
	INSERT INTO sessions (
		session_id, user_id, conversation_id, profile, status,
		created_at_ms, expires_at_ms, last_activity_ms, turn_count, metadata_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		user_id = excluded.user_id,
		conversation_id = excluded.conversation_id,
		profile = excluded.profile,
		status = excluded.status,
		expires_at_ms = excluded.expires_at_ms,
		last_activity_ms = excluded.last_activity_ms,
		turn_count = excluded.turn_count,
		metadata_json = excluded.metadata_json
	`
	_, err := s.DB.ExecContext(ctx, query,
		rec.SessionID, rec.UserID, rec.ConversationID, rec.Profile, rec.Status,
		rec.CreatedAtMs, rec.ExpiresAtMs, rec.LastActivityMs, rec.TurnCount, metadataJSON,
	)
	return err
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT session_id, user_id, conversation_id, profile, status,
		        created_at_ms, expires_at_ms, last_activity_ms, turn_count, metadata_json
		 FROM sessions WHERE session_id = ?`, id)
	rec, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// LoadActiveSessions returns every session whose status is "active".
// Called once at process start to rehydrate the session manager.
func (s *Store) LoadActiveSessions(ctx context.Context) ([]*SessionRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT session_id, user_id, conversation_id, profile, status,
		        created_at_ms, expires_at_ms, last_activity_ms, turn_count, metadata_json
		 FROM sessions WHERE status = 'active'`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and (via FK cascade) its confirmations.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", id)
	return err
}

// --- Confirmations ---

// PersistConfirmation upserts one confirmation requirement.
func (s *Store) PersistConfirmation(ctx context.Context, rec *ConfirmationRecord) error {
	argsJSON, _ := json.Marshal(rec.Args)
	query := `
	INSERT INTO confirmations (
		requirement_id, session_id, turn_id, tool_name, args_json,
		risk_tier, state, created_at_ms, expires_at_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(requirement_id) DO UPDATE SET
		state = excluded.state,
		expires_at_ms = excluded.expires_at_ms
	`
	_, err := s.DB.ExecContext(ctx, query,
		rec.RequirementID, rec.SessionID, rec.TurnID, rec.ToolName, argsJSON,
		rec.RiskTier, rec.State, rec.CreatedAtMs, rec.ExpiresAtMs,
	)
	return err
}

// LoadPendingConfirmations returns every requirement still in state "pending".
func (s *Store) LoadPendingConfirmations(ctx context.Context) ([]*ConfirmationRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT requirement_id, session_id, turn_id, tool_name, args_json,
		        risk_tier, state, created_at_ms, expires_at_ms
		 FROM confirmations WHERE state = 'pending'`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*ConfirmationRecord
	for rows.Next() {
		var rec ConfirmationRecord
		var argsJSON []byte
		if err := rows.Scan(&rec.RequirementID, &rec.SessionID, &rec.TurnID, &rec.ToolName,
			&argsJSON, &rec.RiskTier, &rec.State, &rec.CreatedAtMs, &rec.ExpiresAtMs); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(argsJSON, &rec.Args)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// --- Dead letters ---

// PersistDeadLetter upserts the durable mirror of one dead letter.
func (s *Store) PersistDeadLetter(ctx context.Context, rec *DeadLetterRecord) error {
	descriptorJSON, _ := json.Marshal(rec.Descriptor)
	historyJSON, _ := json.Marshal(rec.ReplayHistory)
	query := `
	INSERT INTO dead_letters (
		letter_id, correlation_id, descriptor_json, failure_class,
		retry_count, payload_hash, created_at_ms, replay_history_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(letter_id) DO UPDATE SET
		retry_count = excluded.retry_count,
		replay_history_json = excluded.replay_history_json
	`
	_, err := s.DB.ExecContext(ctx, query,
		rec.LetterID, rec.CorrelationID, descriptorJSON, rec.FailureClass,
		rec.RetryCount, rec.PayloadHash, rec.CreatedAtMs, historyJSON,
	)
	return err
}

// DeleteDeadLetter removes a mirrored letter (FIFO eviction or consumed replay).
func (s *Store) DeleteDeadLetter(ctx context.Context, letterID string) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM dead_letters WHERE letter_id = ?", letterID)
	return err
}

// LoadDeadLetters returns mirrored letters, oldest first.
func (s *Store) LoadDeadLetters(ctx context.Context) ([]*DeadLetterRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT letter_id, correlation_id, descriptor_json, failure_class,
		        retry_count, payload_hash, created_at_ms, replay_history_json
		 FROM dead_letters ORDER BY created_at_ms ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*DeadLetterRecord
	for rows.Next() {
		var rec DeadLetterRecord
		var descriptorJSON, historyJSON []byte
		if err := rows.Scan(&rec.LetterID, &rec.CorrelationID, &descriptorJSON, &rec.FailureClass,
			&rec.RetryCount, &rec.PayloadHash, &rec.CreatedAtMs, &historyJSON); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(descriptorJSON, &rec.Descriptor)
		_ = json.Unmarshal(historyJSON, &rec.ReplayHistory)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// --- Idempotency keys ---

// PersistIdempotencyKey stores or replaces the binding for key. Last write wins.
func (s *Store) PersistIdempotencyKey(ctx context.Context, key, actionID string, result map[string]any, ttl time.Duration) error {
	resultJSON, _ := json.Marshal(result)
	now := s.clock()
	_, err := s.DB.ExecContext(ctx,
		`INSERT OR REPLACE INTO idempotency_keys (key, action_id, result_json, created_at_ms, expires_at_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		key, actionID, resultJSON, now.UnixMilli(), now.Add(ttl).UnixMilli(),
	)
	return err
}

// GetIdempotencyKey returns the entry for key, or nil when missing or expired.
// Expired entries are treated as absent so the key may be reused.
func (s *Store) GetIdempotencyKey(ctx context.Context, key string) (*IdempotencyEntry, error) {
	var entry IdempotencyEntry
	var resultJSON []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT key, action_id, result_json, created_at_ms, expires_at_ms
		 FROM idempotency_keys WHERE key = ?`, key).
		Scan(&entry.Key, &entry.ActionID, &resultJSON, &entry.CreatedAtMs, &entry.ExpiresAtMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if entry.ExpiresAtMs <= s.clock().UnixMilli() {
		return nil, nil
	}
	_ = json.Unmarshal(resultJSON, &entry.Result)
	return &entry, nil
}

// PruneExpiredIdempotencyKeys removes expired entries and reports how many.
func (s *Store) PruneExpiredIdempotencyKeys(ctx context.Context) (int, error) {
	res, err := s.DB.ExecContext(ctx,
		"DELETE FROM idempotency_keys WHERE expires_at_ms <= ?", s.clock().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Helpers ---

func scanSession(scanner interface {
	Scan(dest ...interface{}) error
}) (*SessionRecord, error) {
	var rec SessionRecord
	var metadataJSON []byte
	err := scanner.Scan(
		&rec.SessionID, &rec.UserID, &rec.ConversationID, &rec.Profile, &rec.Status,
		&rec.CreatedAtMs, &rec.ExpiresAtMs, &rec.LastActivityMs, &rec.TurnCount, &metadataJSON,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	_ = json.Unmarshal(metadataJSON, &rec.Metadata)
	return &rec, nil
}
