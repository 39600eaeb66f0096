package db

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/models"
)

// =====================================================
// Operation Queue Operations
// =====================================================

const queueColumns = `sequence, item_id, client_instance_id, user_id, session_id, op_type, entity_id, payload,
	idempotency_key, status, attempt_count, max_attempts, next_retry_at, last_error, result,
	created_at, updated_at, synced_at`

func scanQueueItem(row interface{ Scan(...interface{}) error }) (*models.QueueItem, error) {
	var item models.QueueItem
	var payload, result []byte
	err := row.Scan(&item.Sequence, &item.ItemID, &item.ClientInstanceID, &item.UserID, &item.SessionID,
		&item.OpType, &item.EntityID, &payload, &item.IdempotencyKey, &item.Status, &item.AttemptCount,
		&item.MaxAttempts, &item.NextRetryAt, &item.LastError, &result,
		&item.CreatedAt, &item.UpdatedAt, &item.SyncedAt)
	if err != nil {
		return nil, err
	}
	item.Payload = json.RawMessage(payload)
	if len(result) > 0 {
		item.Result = json.RawMessage(result)
	}
	return &item, nil
}

func (r *Repository) queryQueueItems(ctx context.Context, query string, args ...interface{}) ([]*models.QueueItem, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("query queue", err)
	}
	defer rows.Close()

	var out []*models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, dbErr("scan queue item", err)
		}
		out = append(out, item)
	}
	return out, dbErr("query queue", rows.Err())
}

// InsertQueueItem appends item to the queue and fills in its sequence.
func (r *Repository) InsertQueueItem(ctx context.Context, item *models.QueueItem) error {
	res, err := r.q.ExecContext(ctx, `INSERT INTO operation_queue (item_id, client_instance_id, user_id, session_id,
		op_type, entity_id, payload, idempotency_key, status, attempt_count, max_attempts, next_retry_at,
		last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ItemID, item.ClientInstanceID, item.UserID, item.SessionID, item.OpType, item.EntityID,
		[]byte(item.Payload), item.IdempotencyKey, item.Status, item.AttemptCount, item.MaxAttempts,
		item.NextRetryAt, item.LastError, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return dbErr("insert queue item", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return dbErr("insert queue item", err)
	}
	item.Sequence = seq
	return nil
}

// CountUnsynced counts items that still occupy queue capacity.
func (r *Repository) CountUnsynced(ctx context.Context) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM operation_queue WHERE status != 'synced'`).Scan(&n)
	return n, dbErr("count unsynced", err)
}

// GetQueueItem retrieves a queue item by ID.
func (r *Repository) GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM operation_queue WHERE item_id = ?`, id)
	item, err := scanQueueItem(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("queue item", id)
	}
	return item, dbErr("get queue item", err)
}

// ListReadyQueueItems returns pending items due at now, in sequence order.
// An item is withheld while an earlier item of the same client instance is
// processing or waiting for its retry time, which keeps per-client order.
func (r *Repository) ListReadyQueueItems(ctx context.Context, now int64, limit int) ([]*models.QueueItem, error) {
	return r.ListReadyQueueItemsAfter(ctx, now, 0, limit)
}

// ListReadyQueueItemsAfter is ListReadyQueueItems restricted to sequences
// greater than after.
func (r *Repository) ListReadyQueueItemsAfter(ctx context.Context, now, after int64, limit int) ([]*models.QueueItem, error) {
	return r.queryQueueItems(ctx, `SELECT `+queueColumns+` FROM operation_queue q
		WHERE q.status = 'pending' AND q.next_retry_at <= ? AND q.sequence > ?
		  AND NOT EXISTS (
			SELECT 1 FROM operation_queue b
			WHERE b.client_instance_id = q.client_instance_id
			  AND b.sequence < q.sequence
			  AND (b.status = 'processing' OR (b.status = 'pending' AND b.next_retry_at > ?)))
		ORDER BY q.sequence
		LIMIT ?`, now, after, now, limit)
}

// ListQueueItemsByStatus returns items in status, oldest first.
func (r *Repository) ListQueueItemsByStatus(ctx context.Context, status models.QueueStatus, limit int) ([]*models.QueueItem, error) {
	return r.queryQueueItems(ctx, `SELECT `+queueColumns+` FROM operation_queue
		WHERE status = ? ORDER BY sequence LIMIT ?`, status, limit)
}

// ListQueueItemsByKey returns every item sharing an idempotency key.
func (r *Repository) ListQueueItemsByKey(ctx context.Context, key string) ([]*models.QueueItem, error) {
	return r.queryQueueItems(ctx, `SELECT `+queueColumns+` FROM operation_queue
		WHERE idempotency_key = ? ORDER BY sequence`, key)
}

func (r *Repository) updateQueueItem(ctx context.Context, op, id, query string, args ...interface{}) error {
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return dbErr(op, err)
	}
	n, err := affected(res)
	if err != nil {
		return dbErr(op, err)
	}
	if n == 0 {
		return errors.Newf(errors.ErrConstraint, "%s: queue item %s not in expected state", op, id)
	}
	return nil
}

// MarkQueueProcessing moves a pending item to processing and counts the attempt.
func (r *Repository) MarkQueueProcessing(ctx context.Context, id string, now int64) error {
	return r.updateQueueItem(ctx, "mark processing", id, `UPDATE operation_queue
		SET status = 'processing', attempt_count = attempt_count + 1, updated_at = ?
		WHERE item_id = ? AND status = 'pending'`, now, id)
}

// MarkQueueSynced records the server result. Items already synced are left alone.
func (r *Repository) MarkQueueSynced(ctx context.Context, id string, result json.RawMessage, now int64) error {
	return r.updateQueueItem(ctx, "mark synced", id, `UPDATE operation_queue
		SET status = 'synced', result = ?, last_error = '', synced_at = ?, updated_at = ?
		WHERE item_id = ? AND status IN ('pending', 'processing')`, []byte(result), now, now, id)
}

// MarkQueueRetry returns a processing item to pending with a retry time.
func (r *Repository) MarkQueueRetry(ctx context.Context, id string, nextRetryAt int64, lastErr string, now int64) error {
	return r.updateQueueItem(ctx, "mark retry", id, `UPDATE operation_queue
		SET status = 'pending', next_retry_at = ?, last_error = ?, updated_at = ?
		WHERE item_id = ? AND status IN ('pending', 'processing')`, nextRetryAt, lastErr, now, id)
}

// MarkQueueFailed moves an item to the terminal failed state.
func (r *Repository) MarkQueueFailed(ctx context.Context, id, lastErr string, now int64) error {
	return r.updateQueueItem(ctx, "mark failed", id, `UPDATE operation_queue
		SET status = 'failed', last_error = ?, updated_at = ?
		WHERE item_id = ? AND status IN ('pending', 'processing')`, lastErr, now, id)
}

// ResetProcessingItems returns items left processing by a crash to pending.
func (r *Repository) ResetProcessingItems(ctx context.Context, now int64) (int64, error) {
	res, err := r.q.ExecContext(ctx, `UPDATE operation_queue
		SET status = 'pending', next_retry_at = ?, updated_at = ?
		WHERE status = 'processing'`, now, now)
	if err != nil {
		return 0, dbErr("reset processing", err)
	}
	return affected(res)
}

// RetryFailedItems resets failed items to pending with a fresh attempt budget.
func (r *Repository) RetryFailedItems(ctx context.Context, now int64) (int64, error) {
	res, err := r.q.ExecContext(ctx, `UPDATE operation_queue
		SET status = 'pending', attempt_count = 0, next_retry_at = ?, last_error = '', updated_at = ?
		WHERE status = 'failed'`, now, now)
	if err != nil {
		return 0, dbErr("retry failed", err)
	}
	return affected(res)
}

// DeleteSyncedBefore removes synced items confirmed before cutoff.
func (r *Repository) DeleteSyncedBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM operation_queue WHERE status = 'synced' AND synced_at < ?`, cutoff)
	if err != nil {
		return 0, dbErr("delete synced", err)
	}
	return affected(res)
}

// QueueStatusCounts returns item counts per status.
func (r *Repository) QueueStatusCounts(ctx context.Context) (map[models.QueueStatus]int, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM operation_queue GROUP BY status`)
	if err != nil {
		return nil, dbErr("queue stats", err)
	}
	defer rows.Close()

	counts := make(map[models.QueueStatus]int)
	for rows.Next() {
		var status models.QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, dbErr("scan queue stats", err)
		}
		counts[status] = n
	}
	return counts, dbErr("queue stats", rows.Err())
}

// EarliestPendingRetry returns the smallest next_retry_at among pending items.
func (r *Repository) EarliestPendingRetry(ctx context.Context) (int64, bool, error) {
	var at sql.NullInt64
	err := r.q.QueryRowContext(ctx, `SELECT MIN(next_retry_at) FROM operation_queue WHERE status = 'pending'`).Scan(&at)
	if err != nil {
		return 0, false, dbErr("earliest retry", err)
	}
	return at.Int64, at.Valid, nil
}
