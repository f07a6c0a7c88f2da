// SPDX-License-Identifier: MIT

// Package sqlite owns the single durable storage primitive of the gateway.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver
)

// Config defines standard SQLite operational parameters.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int // 1 serializes all writes; raise only for read-heavy WAL use
}

// DefaultConfig returns the recommended configuration. A single connection
// keeps every write serialized so SQLITE_BUSY cannot surface under WAL.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 1,
	}
}

// Open initializes a SQLite connection pool with mandatory PRAGMAs.
// WAL journaling, synchronous=NORMAL, foreign keys, and the busy timeout are
// enforced on every connection via the DSN so no pooled connection can drift.
func Open(dbPath string, cfg Config) (*sql.DB, error) {
	// modernc.org/sqlite supports _pragma in the DSN.
	// Format: file:path?_pragma=foo(bar)&_pragma=baz(qux)
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	return db, nil
}
