// Package db provides the durable local store: connection management,
// schema migrations and repositories for every persisted model.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the local store file inside the data directory.
const FileName = "possync.db"

// DB wraps the sql.DB with possync-specific configuration.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the local store in dataDir.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenFile(filepath.Join(dataDir, FileName))
}

// OpenFile opens a SQLite database at path with:
// - WAL journal so readers never block the writer
// - a busy timeout instead of immediate SQLITE_BUSY
// - foreign key enforcement
// - a single connection, which makes every transaction single-writer
func OpenFile(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := sqlDB.PingContext(context.Background()); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{DB: sqlDB, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies the embedded local-store migrations.
func (db *DB) Migrate(ctx context.Context) error {
	return NewMigrator(db.DB, Migrations).Up(ctx)
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
