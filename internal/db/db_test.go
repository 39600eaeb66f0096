package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===== Test Helpers =====

func openTestDB(t *testing.T) (*DB, *Repository, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))
	return store, NewRepository(store.DB), ctx
}

// ===== Connection =====

func TestOpen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	store, err := Open(dir)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(filepath.Join(dir, FileName))
	assert.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), store.Path())

	var mode string
	require.NoError(t, store.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, store.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	assert.Equal(t, 1, store.Stats().MaxOpenConnections)
}

// ===== Migrations =====

func TestMigrate_createsSchemaAndIsIdempotent(t *testing.T) {
	store, _, ctx := openTestDB(t)

	for _, table := range []string{"sessions", "cached_credentials", "user_settings", "auth_attempts",
		"operation_queue", "idempotency_ledger", "model_cache", "error_records"} {
		var name string
		err := store.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}

	require.NoError(t, store.Migrate(ctx))

	m := NewMigrator(store.DB, Migrations)
	v, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	applied, err := m.Applied(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, "initial_schema", applied[0].Description)
	assert.Len(t, applied[0].Checksum, 64)
}

func TestMigrator_Down(t *testing.T) {
	store, _, ctx := openTestDB(t)
	m := NewMigrator(store.DB, Migrations)

	require.NoError(t, m.Down(ctx))
	v, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)

	var n int
	require.NoError(t, store.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name='operation_queue'").Scan(&n))
	assert.Zero(t, n)

	assert.Error(t, m.Down(ctx))
}

func TestMigrator_rejectsModifiedMigration(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	fsys := fstest.MapFS{
		"V1__things.up.sql": {Data: []byte("CREATE TABLE things (id INTEGER);")},
		"notes.txt":         {Data: []byte("ignored")},
	}
	m := NewMigrator(store.DB, fsys)
	require.NoError(t, m.Up(ctx))

	fsys["V1__things.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE things (id TEXT);")}
	err = m.Up(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "modified")
}

func TestMigrator_appliesInVersionOrder(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	fsys := fstest.MapFS{
		"V10__add_col.up.sql": {Data: []byte("ALTER TABLE things ADD COLUMN name TEXT;")},
		"V2__things.up.sql":   {Data: []byte("CREATE TABLE things (id INTEGER);")},
	}
	m := NewMigrator(store.DB, fsys)
	require.NoError(t, m.Up(ctx))

	v, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, v)
}
