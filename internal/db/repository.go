package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/kimhsiao/possync/internal/errors"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Repository provides CRUD operations for all models. A Repository obtained
// inside WithTx runs every call on that transaction.
type Repository struct {
	db *sql.DB
	q  querier
	tx bool
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, q: db}
}

// InTx reports whether r is bound to a transaction.
func (r *Repository) InTx() bool {
	return r.tx
}

// WithTx runs fn in a single transaction and commits when fn returns nil.
// Nested calls reuse the outer transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *Repository) error) error {
	if r.tx {
		return fn(r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&Repository{db: r.db, q: tx, tx: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "commit transaction", err)
	}
	return nil
}

func notFound(what, id string) error {
	return errors.Newf(errors.ErrNotFound, "%s %s not found", what, id)
}

func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.Wrap(errors.ErrDatabase, op, err)
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
