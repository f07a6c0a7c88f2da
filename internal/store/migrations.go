// SPDX-License-Identifier: MIT

package store

import "github.com/arbiterhq/arbiter/internal/persistence/sqlite"

// migrations is the ordered schema history for the gateway store.
// Never edit an applied step; append a new one.
func migrations() []sqlite.Migration {
	return []sqlite.Migration{
		{
			Name: "0001_sessions",
			SQL: `
			CREATE TABLE IF NOT EXISTS sessions (
				session_id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				conversation_id TEXT NOT NULL,
				profile TEXT NOT NULL,
				status TEXT NOT NULL,
				created_at_ms INTEGER NOT NULL,
				expires_at_ms INTEGER NOT NULL,
				last_activity_ms INTEGER NOT NULL,
				turn_count INTEGER NOT NULL DEFAULT 0,
				metadata_json TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
			CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at_ms);
			`,
		},
		{
			Name: "0002_confirmations",
			SQL: `
			CREATE TABLE IF NOT EXISTS confirmations (
				requirement_id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
				turn_id TEXT NOT NULL,
				tool_name TEXT NOT NULL,
				args_json TEXT,
				risk_tier TEXT NOT NULL,
				state TEXT NOT NULL,
				created_at_ms INTEGER NOT NULL,
				expires_at_ms INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_confirmations_session_state ON confirmations(session_id, state);
			`,
		},
		{
			Name: "0003_dead_letters",
			SQL: `
			CREATE TABLE IF NOT EXISTS dead_letters (
				letter_id TEXT PRIMARY KEY,
				correlation_id TEXT NOT NULL,
				descriptor_json TEXT,
				failure_class TEXT NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 0,
				payload_hash TEXT NOT NULL,
				created_at_ms INTEGER NOT NULL,
				replay_history_json TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_dead_letters_created ON dead_letters(created_at_ms);
			`,
		},
		{
			Name: "0004_idempotency_keys",
			SQL: `
			CREATE TABLE IF NOT EXISTS idempotency_keys (
				key TEXT PRIMARY KEY,
				action_id TEXT NOT NULL,
				result_json TEXT,
				created_at_ms INTEGER NOT NULL,
				expires_at_ms INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys(expires_at_ms);
			`,
		},
	}
}
