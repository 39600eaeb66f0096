// Package sync drains the durable operation queue to the server, consulting
// the idempotency ledger before every send.
package sync

import (
	"context"
	"time"

	"github.com/goccy/go-json"
)

// SyncEngineInterface defines the interface for sync engine operations.
// The scheduler and the local API depend on it rather than on *Engine.
type SyncEngineInterface interface {
	// DrainOnce sends every ready queue item once and reports the outcome.
	// It fails with SYNC_IN_PROGRESS when another drain is running.
	DrainOnce(ctx context.Context) (*SyncReport, error)

	// SetEventHandler sets the handler for per-item and per-drain events.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the end time of the last completed drain.
	LastSync() *time.Time

	// LastReport returns the report of the last completed drain.
	LastReport() *SyncReport

	// LastError returns the error of the last drain, if it aborted.
	LastError() error
}

// Submission is one operation as sent to the server.
type Submission struct {
	IdempotencyKey   string          `json:"-"`
	ClientInstanceID string          `json:"client_instance_id"`
	UserID           string          `json:"user_id"`
	OpType           string          `json:"op_type"`
	EntityID         string          `json:"entity_id,omitempty"`
	Payload          json.RawMessage `json:"payload"`
}

// Submitter delivers operations to the server. The server deduplicates by
// IdempotencyKey. Errors must carry an errors.ErrorCode: SYNC_REJECTED for
// permanent rejections, anything else is retried.
type Submitter interface {
	SubmitOperation(ctx context.Context, sub Submission) (json.RawMessage, error)
}

// SessionGate reports whether a (user, client instance) pair may still
// send operations.
type SessionGate interface {
	HasLiveSession(ctx context.Context, userID, clientInstanceID string) (bool, error)
}
