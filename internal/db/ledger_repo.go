package db

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/possync/internal/models"
)

// =====================================================
// Idempotency Ledger Operations
// =====================================================

// InsertLedgerClaim inserts an in_flight record. It reports false, without
// error, when a record for key already exists.
func (r *Repository) InsertLedgerClaim(ctx context.Context, key string, now int64) (bool, error) {
	res, err := r.q.ExecContext(ctx, `INSERT INTO idempotency_ledger (key, status, attempts, created_at, updated_at)
		VALUES (?, 'in_flight', 1, ?, ?)
		ON CONFLICT(key) DO NOTHING`, key, now, now)
	if err != nil {
		return false, dbErr("insert ledger claim", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, dbErr("insert ledger claim", err)
	}
	return n == 1, nil
}

// GetLedgerRecord retrieves a ledger record by key.
func (r *Repository) GetLedgerRecord(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	var result []byte
	err := r.q.QueryRowContext(ctx, `SELECT key, status, result, last_error, attempts, created_at, updated_at, expires_at
		FROM idempotency_ledger WHERE key = ?`, key).Scan(
		&rec.Key, &rec.Status, &result, &rec.LastError, &rec.Attempts, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("idempotency record", key)
	}
	if err != nil {
		return nil, dbErr("get ledger record", err)
	}
	if len(result) > 0 {
		rec.Result = json.RawMessage(result)
	}
	return &rec, nil
}

// ReclaimLedger moves a record from status back to in_flight, provided
// nobody else changed it since it was read (attempts acts as the version).
func (r *Repository) ReclaimLedger(ctx context.Context, key string, status models.IdempotencyStatus, attempts int, now int64) (bool, error) {
	res, err := r.q.ExecContext(ctx, `UPDATE idempotency_ledger
		SET status = 'in_flight', attempts = attempts + 1, last_error = '', updated_at = ?, expires_at = 0
		WHERE key = ? AND status = ? AND attempts = ?`, now, key, status, attempts)
	if err != nil {
		return false, dbErr("reclaim ledger", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, dbErr("reclaim ledger", err)
	}
	return n == 1, nil
}

// CommitLedger marks an in_flight record committed with its result.
func (r *Repository) CommitLedger(ctx context.Context, key string, result json.RawMessage, now, expiresAt int64) error {
	res, err := r.q.ExecContext(ctx, `UPDATE idempotency_ledger
		SET status = 'committed', result = ?, last_error = '', updated_at = ?, expires_at = ?
		WHERE key = ? AND status = 'in_flight'`, []byte(result), now, expiresAt, key)
	if err != nil {
		return dbErr("commit ledger", err)
	}
	n, err := affected(res)
	if err != nil {
		return dbErr("commit ledger", err)
	}
	if n == 0 {
		return notFound("in-flight idempotency record", key)
	}
	return nil
}

// FailLedger marks an in_flight record failed so a later attempt can reclaim it.
func (r *Repository) FailLedger(ctx context.Context, key, lastErr string, now, expiresAt int64) error {
	res, err := r.q.ExecContext(ctx, `UPDATE idempotency_ledger
		SET status = 'failed', last_error = ?, updated_at = ?, expires_at = ?
		WHERE key = ? AND status = 'in_flight'`, lastErr, now, expiresAt, key)
	if err != nil {
		return dbErr("fail ledger", err)
	}
	n, err := affected(res)
	if err != nil {
		return dbErr("fail ledger", err)
	}
	if n == 0 {
		return notFound("in-flight idempotency record", key)
	}
	return nil
}

// DeleteExpiredLedger deletes up to limit settled records whose expiry has passed.
func (r *Repository) DeleteExpiredLedger(ctx context.Context, now int64, limit int) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM idempotency_ledger WHERE key IN (
		SELECT key FROM idempotency_ledger
		WHERE status != 'in_flight' AND expires_at <= ?
		LIMIT ?)`, now, limit)
	if err != nil {
		return 0, dbErr("delete expired ledger", err)
	}
	return affected(res)
}

// CountLedgerByStatus returns record counts per status.
func (r *Repository) CountLedgerByStatus(ctx context.Context) (map[models.IdempotencyStatus]int, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM idempotency_ledger GROUP BY status`)
	if err != nil {
		return nil, dbErr("ledger stats", err)
	}
	defer rows.Close()

	counts := make(map[models.IdempotencyStatus]int)
	for rows.Next() {
		var status models.IdempotencyStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, dbErr("scan ledger stats", err)
		}
		counts[status] = n
	}
	return counts, dbErr("ledger stats", rows.Err())
}
