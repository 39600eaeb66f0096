// Package queue provides the durable operation queue for offline operations.
// Items survive restarts, keep per-client order and carry their idempotency
// key unchanged across retries.
package queue

import (
	"bytes"
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/possync/internal/config"
	"github.com/kimhsiao/possync/internal/db"
	"github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/logging"
	"github.com/kimhsiao/possync/internal/models"
	"github.com/kimhsiao/possync/internal/sync/ledger"
	"github.com/kimhsiao/possync/internal/telemetry"
	"github.com/kimhsiao/possync/internal/uuid"
)

// Operation is a client operation submitted for durable queuing.
type Operation struct {
	ClientInstanceID string          `json:"client_instance_id"`
	UserID           string          `json:"user_id"`
	SessionID        string          `json:"session_id"`
	OpType           string          `json:"op_type"`
	EntityID         string          `json:"entity_id,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	// IdempotencyKey is derived from the operation when empty.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Options configures a Queue.
type Options struct {
	Capacity    int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Retention   time.Duration
	Now         func() time.Time
}

// OptionsFromConfig maps the queue section of the config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Capacity:    cfg.Queue.Capacity,
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase,
		BackoffMax:  cfg.Queue.BackoffMax,
		Retention:   cfg.Queue.Retention,
	}
}

// Queue is the SQLite-backed operation queue.
type Queue struct {
	repo     *db.Repository
	opts     Options
	notEmpty chan struct{}
}

// New creates a Queue on repo.
func New(repo *db.Repository, opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = 10000
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 30 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 16 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{repo: repo, opts: opts, notEmpty: make(chan struct{}, 1)}
}

// NotEmpty receives a value after an enqueue commits. Signals coalesce.
func (q *Queue) NotEmpty() <-chan struct{} {
	return q.notEmpty
}

func (q *Queue) signal() {
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// Capacity returns the configured maximum of unsynced items.
func (q *Queue) Capacity() int {
	return q.opts.Capacity
}

// Enqueue durably appends op. It fails with CAPACITY_EXCEEDED when the
// queue is full; nothing is ever evicted to make room.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (*models.QueueItem, error) {
	return q.EnqueueWith(ctx, op, nil)
}

// EnqueueWith runs fn and the enqueue in one transaction, so the business
// write and its queued operation commit together or not at all.
func (q *Queue) EnqueueWith(ctx context.Context, op Operation, fn func(tx *db.Repository) error) (*models.QueueItem, error) {
	item, err := q.newItem(op)
	if err != nil {
		return nil, err
	}

	err = q.repo.WithTx(ctx, func(tx *db.Repository) error {
		if fn != nil {
			if err := fn(tx); err != nil {
				return err
			}
		}
		n, err := tx.CountUnsynced(ctx)
		if err != nil {
			return err
		}
		if n >= q.opts.Capacity {
			return errors.Newf(errors.ErrCapacityExceeded, "queue is full (max size: %d)", q.opts.Capacity)
		}
		return tx.InsertQueueItem(ctx, item)
	})
	if err != nil {
		if errors.Is(err, errors.ErrCapacityExceeded) {
			telemetry.RecordCount(telemetry.QueueRejected, 1, map[string]string{"op_type": item.OpType})
			logging.ErrorWithCode("Enqueue rejected", string(errors.ErrCapacityExceeded), err, map[string]interface{}{
				"op_type":            item.OpType,
				"client_instance_id": item.ClientInstanceID,
				"capacity":           q.opts.Capacity,
			})
		}
		return nil, err
	}

	telemetry.RecordCount(telemetry.QueueEnqueued, 1, map[string]string{"op_type": item.OpType})
	logging.Debug("Operation enqueued", map[string]interface{}{
		"item_id":  item.ItemID.String(),
		"sequence": item.Sequence,
		"op_type":  item.OpType,
	})
	q.signal()
	return item, nil
}

func (q *Queue) newItem(op Operation) (*models.QueueItem, error) {
	if op.ClientInstanceID == "" || op.UserID == "" {
		return nil, errors.New(errors.ErrInvalid, "operation needs client_instance_id and user_id")
	}
	if op.OpType == "" {
		return nil, errors.New(errors.ErrInvalid, "op_type is required")
	}
	payload := bytes.TrimSpace(op.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return nil, errors.New(errors.ErrInvalid, "payload is not valid JSON")
	}

	key := op.IdempotencyKey
	if key == "" {
		var err error
		key, err = ledger.DeriveKey(ledger.KeyInput{
			ClientInstanceID: op.ClientInstanceID,
			OpType:           op.OpType,
			EntityID:         op.EntityID,
			Payload:          payload,
		})
		if err != nil {
			return nil, err
		}
	}

	now := q.opts.Now().Unix()
	return &models.QueueItem{
		ItemID:           models.UUID(uuid.New()),
		ClientInstanceID: op.ClientInstanceID,
		UserID:           op.UserID,
		SessionID:        op.SessionID,
		OpType:           op.OpType,
		EntityID:         op.EntityID,
		Payload:          json.RawMessage(payload),
		IdempotencyKey:   key,
		Status:           models.QueuePending,
		MaxAttempts:      q.opts.MaxAttempts,
		NextRetryAt:      now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// DequeueBatch returns up to max ready items in sequence order. Within one
// client instance it stops at the first item that is not ready, so a
// backing-off item holds back the ones behind it.
func (q *Queue) DequeueBatch(ctx context.Context, max int) ([]*models.QueueItem, error) {
	return q.DequeueAfter(ctx, 0, max)
}

// DequeueAfter is DequeueBatch restricted to items with a sequence greater
// than after. A drain uses it as a cursor so items it deliberately left
// pending are not returned again in the same pass.
func (q *Queue) DequeueAfter(ctx context.Context, after int64, max int) ([]*models.QueueItem, error) {
	if max <= 0 {
		max = 50
	}
	return q.repo.ListReadyQueueItemsAfter(ctx, q.opts.Now().Unix(), after, max)
}

// MarkProcessing records the start of an attempt.
func (q *Queue) MarkProcessing(ctx context.Context, itemID string) error {
	return q.repo.MarkQueueProcessing(ctx, itemID, q.opts.Now().Unix())
}

// MarkSynced records the server result. The item is never sent again.
func (q *Queue) MarkSynced(ctx context.Context, itemID string, result json.RawMessage) error {
	return q.repo.MarkQueueSynced(ctx, itemID, result, q.opts.Now().Unix())
}

// MarkFailed records a failed attempt and returns the resulting status.
// A permanent failure, or a transient one that used the last attempt, is
// terminal; otherwise the item is rescheduled with exponential backoff.
func (q *Queue) MarkFailed(ctx context.Context, itemID string, cause error, permanent bool) (models.QueueStatus, error) {
	item, err := q.repo.GetQueueItem(ctx, itemID)
	if err != nil {
		return "", err
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := q.opts.Now()

	if permanent || item.AttemptCount >= item.MaxAttempts {
		if err := q.repo.MarkQueueFailed(ctx, itemID, msg, now.Unix()); err != nil {
			return "", err
		}
		logging.Warn("Operation failed permanently", map[string]interface{}{
			"item_id":   itemID,
			"op_type":   item.OpType,
			"attempts":  item.AttemptCount,
			"permanent": permanent,
			"error":     msg,
		})
		return models.QueueFailed, nil
	}

	delay := Backoff(item.AttemptCount, q.opts.BackoffBase, q.opts.BackoffMax)
	if err := q.repo.MarkQueueRetry(ctx, itemID, now.Add(delay).Unix(), msg, now.Unix()); err != nil {
		return "", err
	}
	logging.Info("Operation scheduled for retry", map[string]interface{}{
		"item_id":  itemID,
		"attempt":  item.AttemptCount,
		"max":      item.MaxAttempts,
		"retry_in": delay.String(),
	})
	return models.QueuePending, nil
}

// Backoff returns base*2^(attempt-1), capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// RecoverInFlight returns items left processing by an interrupted drain to
// pending. Call it once at startup before the first drain.
func (q *Queue) RecoverInFlight(ctx context.Context) (int64, error) {
	n, err := q.repo.ResetProcessingItems(ctx, q.opts.Now().Unix())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Warn("Recovered interrupted queue items", map[string]interface{}{"count": n})
		q.signal()
	}
	return n, nil
}

// Prune deletes synced items older than the retention window. Failed items
// are never pruned.
func (q *Queue) Prune(ctx context.Context) (int64, error) {
	cutoff := q.opts.Now().Add(-q.opts.Retention).Unix()
	n, err := q.repo.DeleteSyncedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Pruned synced queue items", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Get returns one item.
func (q *Queue) Get(ctx context.Context, itemID string) (*models.QueueItem, error) {
	return q.repo.GetQueueItem(ctx, itemID)
}

// ListFailed returns terminal items for the operator.
func (q *Queue) ListFailed(ctx context.Context, limit int) ([]*models.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.repo.ListQueueItemsByStatus(ctx, models.QueueFailed, limit)
}

// ListPending returns items waiting to be sent.
func (q *Queue) ListPending(ctx context.Context, limit int) ([]*models.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.repo.ListQueueItemsByStatus(ctx, models.QueuePending, limit)
}

// RetryFailed resets failed items to pending with a fresh attempt budget.
// Their idempotency keys are unchanged, so an item the server already
// applied is not applied again.
func (q *Queue) RetryFailed(ctx context.Context) (int64, error) {
	n, err := q.repo.RetryFailedItems(ctx, q.opts.Now().Unix())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Reset failed items for retry", map[string]interface{}{"count": n})
		q.signal()
	}
	return n, nil
}

// Stats returns queue statistics.
func (q *Queue) Stats(ctx context.Context) (models.QueueStats, error) {
	counts, err := q.repo.QueueStatusCounts(ctx)
	if err != nil {
		return models.QueueStats{}, err
	}
	return models.QueueStats{
		Pending:    counts[models.QueuePending],
		Processing: counts[models.QueueProcessing],
		Synced:     counts[models.QueueSynced],
		Failed:     counts[models.QueueFailed],
		Capacity:   q.opts.Capacity,
	}, nil
}

// NextRetryIn returns how long until the earliest pending item becomes
// ready. ok is false when nothing is pending.
func (q *Queue) NextRetryIn(ctx context.Context) (d time.Duration, ok bool, err error) {
	at, ok, err := q.repo.EarliestPendingRetry(ctx)
	if err != nil || !ok {
		return 0, ok, err
	}
	d = time.Unix(at, 0).Sub(q.opts.Now())
	if d < 0 {
		d = 0
	}
	return d, true, nil
}
