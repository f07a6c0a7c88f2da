// SPDX-License-Identifier: MIT

package sqlite

import (
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Migration is one numbered schema step. Names follow "0001_create_sessions";
// the numeric prefix orders them and must be contiguous starting at 1.
type Migration struct {
	Name string
	SQL  string
}

// Migrate applies pending migrations in order inside one transaction each and
// records them in schema_migrations. Applied migrations are never re-applied;
// a second invocation over the same set is a no-op.
func Migrate(db *sql.DB, migrations []Migration) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at_ms INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("sqlite: create schema_migrations: %w", err)
	}

	if err := checkMonotonic(migrations); err != nil {
		return err
	}

	applied := map[string]bool{}
	rows, err := db.Query("SELECT name FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("sqlite: read schema_migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Name] {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: migration %s failed: %w", m.Name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (name, applied_at_ms) VALUES (?, ?)",
			m.Name, time.Now().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: record migration %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// AppliedMigrations returns the recorded migration names in application order.
func AppliedMigrations(db *sql.DB) ([]string, error) {
	rows, err := db.Query("SELECT name FROM schema_migrations ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// checkMonotonic rejects duplicate or non-contiguous migration numbers before
// anything is applied.
func checkMonotonic(migrations []Migration) error {
	versions := make([]int, 0, len(migrations))
	seen := map[int]bool{}
	for _, m := range migrations {
		prefix, _, ok := strings.Cut(m.Name, "_")
		if !ok {
			return fmt.Errorf("sqlite: migration %q has no numeric prefix", m.Name)
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return fmt.Errorf("sqlite: migration %q has no numeric prefix", m.Name)
		}
		if seen[v] {
			return fmt.Errorf("sqlite: duplicate migration version %d", v)
		}
		seen[v] = true
		versions = append(versions, v)
	}
	sort.Ints(versions)
	for i, v := range versions {
		if v != i+1 {
			return fmt.Errorf("sqlite: migration versions not contiguous: expected %d, got %d", i+1, v)
		}
	}
	return nil
}
