// SPDX-License-Identifier: MIT

package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMigrations() []Migration {
	return []Migration{
		{Name: "0001_widgets", SQL: "CREATE TABLE widgets (id TEXT PRIMARY KEY)"},
		{Name: "0002_widget_index", SQL: "CREATE INDEX idx_widgets ON widgets(id)"},
	}
}

func TestOpenEnforcesPragmas(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "t.db"), DefaultConfig())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var journal string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journal))
	assert.Equal(t, "wal", journal)

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestDefaultConfigSerializesWrites(t *testing.T) {
	assert.Equal(t, 1, DefaultConfig().MaxOpenConns)

	db, err := Open(filepath.Join(t.TempDir(), "t.db"), DefaultConfig())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	assert.Equal(t, 1, db.Stats().MaxOpenConnections)
}

func TestMigrateAppliesOnce(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "t.db"), DefaultConfig())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, Migrate(db, testMigrations()))

	// Second invocation is a no-op.
	require.NoError(t, Migrate(db, testMigrations()))

	names, err := AppliedMigrations(db)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_widgets", "0002_widget_index"}, names)
}

func TestMigrateRejectsNonContiguous(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "t.db"), DefaultConfig())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	err = Migrate(db, []Migration{
		{Name: "0001_a", SQL: "CREATE TABLE a (id TEXT)"},
		{Name: "0003_c", SQL: "CREATE TABLE c (id TEXT)"},
	})
	assert.ErrorContains(t, err, "not contiguous")
}

func TestMigrateRejectsDuplicates(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "t.db"), DefaultConfig())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	err = Migrate(db, []Migration{
		{Name: "0001_a", SQL: "CREATE TABLE a (id TEXT)"},
		{Name: "0001_b", SQL: "CREATE TABLE b (id TEXT)"},
	})
	assert.ErrorContains(t, err, "duplicate")
}
