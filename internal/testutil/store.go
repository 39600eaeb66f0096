// Package testutil provides shared fixtures for package tests.
package testutil

import (
	"context"
	"testing"

	"github.com/kimhsiao/possync/internal/db"
)

// NewStore opens a migrated local store in a temp dir.
func NewStore(t *testing.T) (*db.DB, *db.Repository, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, db.NewRepository(store.DB), ctx
}
