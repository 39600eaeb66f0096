package app

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/possync/internal/connectivity"
	"github.com/kimhsiao/possync/internal/db"
	"github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/logging"
	"github.com/kimhsiao/possync/internal/models"
	"github.com/kimhsiao/possync/internal/session"
	syncpkg "github.com/kimhsiao/possync/internal/sync"
	"github.com/kimhsiao/possync/internal/sync/queue"
	"github.com/kimhsiao/possync/internal/sync/scheduler"
)

// =====================================================
// Sessions
// =====================================================

// Login opens a session for userID on this client instance.
func (a *App) Login(ctx context.Context, userID, credential string) (*models.Session, error) {
	key, err := session.NewKey(userID, a.clientID)
	if err != nil {
		return nil, err
	}
	return a.sessions.Create(ctx, key, credential)
}

// ValidateSession checks a session of this client instance.
func (a *App) ValidateSession(ctx context.Context, sessionID string) (*session.Validation, error) {
	v, err := a.sessions.Validate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if v.Session.ClientInstanceID != a.clientID {
		return nil, errors.Newf(errors.ErrSessionNotFound, "session %s not found", sessionID)
	}
	return v, nil
}

// RefreshSession extends a live session.
func (a *App) RefreshSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if _, err := a.ValidateSession(ctx, sessionID); err != nil && !errors.Is(err, errors.ErrSessionExpired) {
		return nil, err
	}
	return a.sessions.Refresh(ctx, sessionID)
}

// Logout terminates a session. A drain in progress stops sending this
// client's items; they stay queued for the next session.
func (a *App) Logout(ctx context.Context, sessionID string) error {
	s, err := a.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.ClientInstanceID != a.clientID {
		return errors.Newf(errors.ErrSessionNotFound, "session %s not found", sessionID)
	}
	// terminate first so a drain starting now sees the session ended
	if err := a.sessions.Terminate(ctx, sessionID); err != nil {
		return err
	}
	a.engine.CancelClient(a.clientID)
	return nil
}

// SetUserTimeout changes a user's session timeout.
func (a *App) SetUserTimeout(ctx context.Context, userID string, d time.Duration) error {
	return a.sessions.SetUserTimeout(ctx, userID, d)
}

// SetOfflinePIN stores a PIN that allows offline login.
func (a *App) SetOfflinePIN(ctx context.Context, userID, pin string) error {
	return a.sessions.SetOfflinePIN(ctx, userID, pin)
}

// =====================================================
// Operations
// =====================================================

// Submission is an operation submitted under a session.
type Submission struct {
	SessionID      string          `json:"session_id"`
	OpType         string          `json:"op_type"`
	EntityID       string          `json:"entity_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Submit durably enqueues an operation on behalf of a valid session.
func (a *App) Submit(ctx context.Context, sub Submission) (*models.QueueItem, error) {
	return a.SubmitWith(ctx, sub, nil)
}

// SubmitWith enqueues an operation in the same transaction as fn. Neither
// takes effect unless both succeed.
func (a *App) SubmitWith(ctx context.Context, sub Submission, fn func(tx *db.Repository) error) (*models.QueueItem, error) {
	v, err := a.ValidateSession(ctx, sub.SessionID)
	if err != nil {
		return nil, err
	}
	op := queue.Operation{
		ClientInstanceID: a.clientID,
		UserID:           v.Session.UserID,
		SessionID:        sub.SessionID,
		OpType:           sub.OpType,
		EntityID:         sub.EntityID,
		Payload:          sub.Payload,
		IdempotencyKey:   sub.IdempotencyKey,
	}
	item, err := a.queue.EnqueueWith(ctx, op, fn)
	if errors.Is(err, errors.ErrCapacityExceeded) {
		a.hub.BroadcastQueueRejected(a.queue.Capacity(), sub.OpType)
	}
	return item, err
}

// =====================================================
// Sync & status
// =====================================================

// SyncNow probes the server and, when it answers, drains the queue.
func (a *App) SyncNow(ctx context.Context) (*syncpkg.SyncReport, error) {
	if !a.monitor.IsOnline() {
		a.monitor.Probe(ctx)
	}
	return a.scheduler.SyncNow(ctx)
}

// RetryFailed moves terminally failed items back to pending and asks for a
// drain.
func (a *App) RetryFailed(ctx context.Context) (int64, error) {
	n, err := a.queue.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Failed items requeued", map[string]interface{}{"items": n})
		a.scheduler.TriggerSync()
	}
	return n, nil
}

// Maintenance runs every sweep once.
func (a *App) Maintenance(ctx context.Context) (MaintenanceReport, error) {
	var rep MaintenanceReport
	var err error
	if rep.Sessions, err = a.sessions.SweepExpired(ctx); err != nil {
		return rep, err
	}
	if rep.LedgerRecords, err = a.ledger.SweepExpired(ctx); err != nil {
		return rep, err
	}
	rep.Pruned = a.prune(ctx)
	return rep, nil
}

// MaintenanceReport is returned by Maintenance.
type MaintenanceReport struct {
	Sessions      session.SweepResult `json:"sessions"`
	LedgerRecords int64               `json:"ledger_records"`
	Pruned        PruneResult         `json:"pruned"`
}

// Status is a snapshot of the whole engine.
type Status struct {
	ClientInstanceID string                           `json:"client_instance_id"`
	Connectivity     connectivity.Status              `json:"connectivity"`
	Scheduler        scheduler.SchedulerStatus        `json:"scheduler"`
	Queue            models.QueueStats                `json:"queue"`
	Ledger           map[models.IdempotencyStatus]int `json:"ledger"`
	SyncStatus       syncpkg.SyncStatus               `json:"sync_status"`
	LastError        string                           `json:"last_error,omitempty"`
}

// Status collects component state.
func (a *App) Status(ctx context.Context) (Status, error) {
	st := Status{
		ClientInstanceID: a.clientID,
		Connectivity:     a.monitor.Status(),
		Scheduler:        a.scheduler.GetStatus(ctx),
		SyncStatus:       a.engine.Status(),
	}
	var err error
	if st.Queue, err = a.queue.Stats(ctx); err != nil {
		return st, err
	}
	if st.Ledger, err = a.ledger.Stats(ctx); err != nil {
		return st, err
	}
	if lastErr := a.engine.LastError(); lastErr != nil {
		st.LastError = lastErr.Error()
	}
	return st, nil
}

// ErrorRecords lists recent permanent failures.
func (a *App) ErrorRecords(ctx context.Context, limit int) ([]*models.ErrorRecord, error) {
	return a.repo.ListErrorRecords(ctx, limit)
}
