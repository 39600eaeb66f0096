package models

import (
	"time"

	"github.com/goccy/go-json"
)

// QueueStatus represents the status of a queued operation.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueSynced     QueueStatus = "synced"
	QueueFailed     QueueStatus = "failed"
)

// QueueItem is a durable, not-yet-confirmed client operation.
type QueueItem struct {
	Sequence         int64           `db:"sequence" json:"sequence"`
	ItemID           UUID            `db:"item_id" json:"item_id"`
	ClientInstanceID string          `db:"client_instance_id" json:"client_instance_id"`
	UserID           string          `db:"user_id" json:"user_id"`
	SessionID        string          `db:"session_id" json:"session_id"`
	OpType           string          `db:"op_type" json:"op_type"`
	EntityID         string          `db:"entity_id" json:"entity_id,omitempty"`
	Payload          json.RawMessage `db:"payload" json:"payload"`
	IdempotencyKey   string          `db:"idempotency_key" json:"idempotency_key"`
	Status           QueueStatus     `db:"status" json:"status"`
	AttemptCount     int             `db:"attempt_count" json:"attempt_count"`
	MaxAttempts      int             `db:"max_attempts" json:"max_attempts"`
	NextRetryAt      int64           `db:"next_retry_at" json:"next_retry_at"`
	LastError        string          `db:"last_error" json:"last_error,omitempty"`
	Result           json.RawMessage `db:"result" json:"result,omitempty"`
	CreatedAt        int64           `db:"created_at" json:"created_at"`
	UpdatedAt        int64           `db:"updated_at" json:"updated_at"`
	SyncedAt         int64           `db:"synced_at" json:"synced_at,omitempty"`
}

// TableName returns the table name for QueueItem.
func (QueueItem) TableName() string {
	return "operation_queue"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (q *QueueItem) CreatedAtTime() time.Time {
	return time.Unix(q.CreatedAt, 0)
}

// Ready reports whether the item may be attempted at now.
func (q *QueueItem) Ready(now time.Time) bool {
	return q.Status == QueuePending && q.NextRetryAt <= now.Unix()
}

// QueueStats summarizes the queue.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Synced     int `json:"synced"`
	Failed     int `json:"failed"`
	Capacity   int `json:"capacity"`
}

// Unsynced counts the items that occupy capacity.
func (s QueueStats) Unsynced() int {
	return s.Pending + s.Processing + s.Failed
}
