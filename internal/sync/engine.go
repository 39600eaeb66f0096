package sync

import (
	"context"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/possync/internal/config"
	"github.com/kimhsiao/possync/internal/db"
	"github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/logging"
	"github.com/kimhsiao/possync/internal/models"
	"github.com/kimhsiao/possync/internal/sync/ledger"
	"github.com/kimhsiao/possync/internal/sync/queue"
	"github.com/kimhsiao/possync/internal/telemetry"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncReport summarizes one drain.
type SyncReport struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	// Attempted counts items sent to the server.
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	// Deduplicated counts items settled from an earlier commit of their key.
	Deduplicated int `json:"deduplicated"`
	Retried      int `json:"retried"`
	Failed       int `json:"failed"`
	// Skipped counts items held back behind an earlier item of their
	// client instance.
	Skipped int `json:"skipped"`
	// InFlight counts items whose key was claimed by another attempt.
	InFlight int `json:"in_flight"`
	// Deferred counts items left queued because their session has ended
	// or their client logged out.
	Deferred int    `json:"deferred"`
	Error    string `json:"error,omitempty"`
}

// Options configures an Engine.
type Options struct {
	BatchSize      int
	RequestTimeout time.Duration
	Now            func() time.Time
}

// OptionsFromConfig maps the sync and queue sections of the config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BatchSize:      cfg.Queue.BatchSize,
		RequestTimeout: cfg.Sync.RequestTimeout,
	}
}

// Engine drains the operation queue.
type Engine struct {
	repo   *db.Repository
	queue  *queue.Queue
	ledger *ledger.Ledger
	remote Submitter
	gate   SessionGate
	opts   Options

	draining atomic.Bool

	mu         gosync.RWMutex
	status     SyncStatus
	lastSync   *time.Time
	lastReport *SyncReport
	lastErr    error
	handler    SyncEventHandler
	cancelled  map[string]struct{}
}

// NewEngine creates an Engine. gate may be nil, in which case every item is
// sent regardless of session state.
func NewEngine(repo *db.Repository, q *queue.Queue, l *ledger.Ledger, remote Submitter, gate SessionGate, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		repo:      repo,
		queue:     q,
		ledger:    l,
		remote:    remote,
		gate:      gate,
		opts:      opts,
		status:    SyncStatusIdle,
		cancelled: make(map[string]struct{}),
	}
}

// SetEventHandler sets the event handler for sync notifications.
func (e *Engine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

func (e *Engine) emit(ev SyncEvent) {
	e.mu.RLock()
	h := e.handler
	e.mu.RUnlock()
	if h != nil {
		h(ev)
	}
}

// Status returns the current sync status.
func (e *Engine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastSync returns the end time of the last completed drain.
func (e *Engine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// LastReport returns the report of the last completed drain.
func (e *Engine) LastReport() *SyncReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastReport
}

// LastError returns the last drain error.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// CancelClient stops the running drain from sending further items of
// clientInstanceID. Its items stay queued. It has no effect on later drains.
func (e *Engine) CancelClient(clientInstanceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled[clientInstanceID] = struct{}{}
}

func (e *Engine) isCancelled(clientInstanceID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.cancelled[clientInstanceID]
	return ok
}

// drain is the state of one DrainOnce pass.
type drain struct {
	report *SyncReport
	// clients, and owners without a session, whose remaining items wait
	// for a later pass
	blocked  map[string]bool
	deferred map[string]bool
	live     map[string]bool
}

// DrainOnce sends every ready item once, in sequence order per client
// instance. Transient server failures are absorbed into the report; the
// returned error is reserved for local failures and cancellation.
func (e *Engine) DrainOnce(ctx context.Context) (*SyncReport, error) {
	if !e.draining.CompareAndSwap(false, true) {
		return nil, errors.New(errors.ErrSyncInProgress, "sync already in progress")
	}
	defer e.draining.Store(false)

	e.mu.Lock()
	e.status = SyncStatusSyncing
	e.cancelled = make(map[string]struct{})
	e.mu.Unlock()

	d := &drain{
		report:   &SyncReport{StartTime: e.opts.Now()},
		blocked:  make(map[string]bool),
		deferred: make(map[string]bool),
		live:     make(map[string]bool),
	}
	err := e.run(ctx, d)
	e.finish(d.report, err)
	return d.report, err
}

func (e *Engine) run(ctx context.Context, d *drain) error {
	var cursor int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		items, err := e.queue.DequeueAfter(ctx, cursor, e.opts.BatchSize)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		for _, item := range items {
			cursor = item.Sequence
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.process(ctx, d, item); err != nil {
				return err
			}
		}
	}
}

// process runs one item through gate, ledger, submit and settle.
func (e *Engine) process(ctx context.Context, d *drain, item *models.QueueItem) error {
	client := item.ClientInstanceID
	owner := ownerKey(item)
	switch {
	case d.deferred[owner]:
		d.report.Deferred++
		return nil
	case d.blocked[client]:
		d.report.Skipped++
		return nil
	}

	ok, err := e.sessionLive(ctx, d, item)
	if err != nil {
		return err
	}
	if !ok || e.isCancelled(client) {
		d.report.Deferred++
		d.deferred[owner] = true
		// later items of other users on this client wait too
		d.blocked[client] = true
		return nil
	}

	claim, err := e.ledger.Claim(ctx, item.IdempotencyKey)
	if err != nil {
		return err
	}

	switch claim.Outcome {
	case ledger.AlreadyCommitted:
		if err := e.queue.MarkSynced(ctx, item.ItemID.String(), claim.Result); err != nil {
			return err
		}
		d.report.Deduplicated++
		telemetry.RecordCount(telemetry.SyncItems, 1, map[string]string{"outcome": "deduplicated"})
		item.Status = models.QueueSynced
		item.Result = claim.Result
		e.emit(SyncEvent{Type: EventItemSynced, Item: item})
		return nil
	case ledger.InFlight:
		d.report.Skipped++
		d.report.InFlight++
		d.blocked[client] = true
		return nil
	}

	if err := e.queue.MarkProcessing(ctx, item.ItemID.String()); err != nil {
		_ = e.ledger.Fail(context.WithoutCancel(ctx), item.IdempotencyKey, err)
		return err
	}
	item.AttemptCount++
	d.report.Attempted++

	rctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	result, sendErr := e.remote.SubmitOperation(rctx, Submission{
		IdempotencyKey:   item.IdempotencyKey,
		ClientInstanceID: item.ClientInstanceID,
		UserID:           item.UserID,
		OpType:           item.OpType,
		EntityID:         item.EntityID,
		Payload:          item.Payload,
	})
	cancel()

	// settle even when ctx was cancelled mid-send
	sctx := context.WithoutCancel(ctx)
	if sendErr == nil {
		return e.settleCommitted(sctx, d, item, result)
	}
	if err := e.settleFailed(sctx, d, item, sendErr); err != nil {
		return err
	}
	return ctx.Err()
}

func (e *Engine) sessionLive(ctx context.Context, d *drain, item *models.QueueItem) (bool, error) {
	if e.gate == nil {
		return true, nil
	}
	k := ownerKey(item)
	if live, ok := d.live[k]; ok {
		return live, nil
	}
	live, err := e.gate.HasLiveSession(ctx, item.UserID, item.ClientInstanceID)
	if err != nil {
		return false, err
	}
	d.live[k] = live
	return live, nil
}

// ownerKey identifies the (user, client instance) pair of an item.
func ownerKey(item *models.QueueItem) string {
	return item.UserID + "\x00" + item.ClientInstanceID
}

func (e *Engine) settleCommitted(ctx context.Context, d *drain, item *models.QueueItem, result json.RawMessage) error {
	if err := e.ledger.Commit(ctx, item.IdempotencyKey, result); err != nil {
		return err
	}
	if err := e.queue.MarkSynced(ctx, item.ItemID.String(), result); err != nil {
		return err
	}
	d.report.Synced++
	telemetry.RecordCount(telemetry.SyncItems, 1, map[string]string{"outcome": "synced"})
	item.Status = models.QueueSynced
	item.Result = result
	e.emit(SyncEvent{Type: EventItemSynced, Item: item})
	return nil
}

func (e *Engine) settleFailed(ctx context.Context, d *drain, item *models.QueueItem, sendErr error) error {
	permanent := isPermanent(sendErr)
	if err := e.ledger.Fail(ctx, item.IdempotencyKey, sendErr); err != nil {
		return err
	}
	status, err := e.queue.MarkFailed(ctx, item.ItemID.String(), sendErr, permanent)
	if err != nil {
		return err
	}
	item.Status = status
	item.LastError = sendErr.Error()

	if status == models.QueueFailed {
		d.report.Failed++
		telemetry.RecordCount(telemetry.SyncItems, 1, map[string]string{"outcome": "failed"})
		code := errorCode(sendErr)
		logging.ErrorWithCode("Operation failed", string(code), sendErr, map[string]interface{}{
			"item_id":            item.ItemID.String(),
			"op_type":            item.OpType,
			"client_instance_id": item.ClientInstanceID,
			"attempts":           item.AttemptCount,
		})
		if err := e.repo.InsertErrorRecord(ctx, &models.ErrorRecord{
			Component: "sync",
			Code:      string(code),
			Message:   sendErr.Error(),
			ItemID:    item.ItemID.String(),
			CreatedAt: e.opts.Now().Unix(),
		}); err != nil {
			return err
		}
		e.emit(SyncEvent{Type: EventItemFailed, Item: item, Error: sendErr.Error()})
		return nil
	}

	// the item backs off; later items of its client wait behind it
	d.report.Retried++
	d.blocked[item.ClientInstanceID] = true
	telemetry.RecordCount(telemetry.SyncItems, 1, map[string]string{"outcome": "retry"})
	e.emit(SyncEvent{Type: EventItemRetry, Item: item, Error: sendErr.Error()})
	return nil
}

func (e *Engine) finish(report *SyncReport, err error) {
	report.EndTime = e.opts.Now()
	report.Duration = report.EndTime.Sub(report.StartTime)
	if err != nil {
		report.Error = err.Error()
	}
	telemetry.RecordTiming(telemetry.SyncDrainDuration, report.Duration, nil)

	e.mu.Lock()
	e.lastReport = report
	e.lastErr = err
	if err != nil {
		e.status = SyncStatusFailed
	} else {
		e.status = SyncStatusIdle
		end := report.EndTime
		e.lastSync = &end
	}
	e.mu.Unlock()

	fields := map[string]interface{}{
		"attempted":    report.Attempted,
		"synced":       report.Synced,
		"deduplicated": report.Deduplicated,
		"retried":      report.Retried,
		"failed":       report.Failed,
		"skipped":      report.Skipped,
		"deferred":     report.Deferred,
		"duration_ms":  report.Duration.Milliseconds(),
	}
	if err != nil {
		logging.Error("Sync drain aborted", err, fields)
	} else if report.Attempted+report.Deduplicated+report.Deferred+report.Skipped > 0 {
		logging.Info("Sync drain completed", fields)
	}
	e.emit(SyncEvent{Type: EventDrainCompleted, Report: report})
}
