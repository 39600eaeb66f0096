package app

import (
	"context"
	"time"

	"github.com/kimhsiao/possync/internal/logging"
	"github.com/kimhsiao/possync/internal/sync/scheduler"
)

// tasks returns the maintenance tasks; the sync drain task is added by the
// scheduler itself.
func (a *App) tasks() []scheduler.TaskSpec {
	cfg := a.cfg
	return []scheduler.TaskSpec{
		{
			Name:     scheduler.TaskConnectivity,
			Interval: cfg.Connectivity.ProbeInterval,
			Run: func(ctx context.Context) time.Duration {
				a.monitor.Probe(ctx)
				return 0
			},
		},
		{
			Name:         scheduler.TaskLedgerSweep,
			Interval:     cfg.Ledger.SweepInterval,
			InitialDelay: cfg.Ledger.SweepInterval,
			Run: func(ctx context.Context) time.Duration {
				if _, err := a.ledger.SweepExpired(ctx); err != nil {
					logging.Error("Ledger sweep failed", err)
				}
				return 0
			},
		},
		{
			Name:         scheduler.TaskSessionSweep,
			Interval:     cfg.Session.SweepInterval,
			InitialDelay: time.Second,
			Run: func(ctx context.Context) time.Duration {
				if _, err := a.sessions.SweepExpired(ctx); err != nil {
					logging.Error("Session sweep failed", err)
				}
				return 0
			},
		},
		{
			Name:         scheduler.TaskQueuePrune,
			Interval:     time.Hour,
			InitialDelay: time.Minute,
			Run: func(ctx context.Context) time.Duration {
				a.prune(ctx)
				return 0
			},
		},
		{
			Name:           scheduler.TaskCacheRefresh,
			Interval:       cfg.Cache.TTL,
			RequiresOnline: true,
			Run: func(ctx context.Context) time.Duration {
				summary, err := a.cache.RefreshAll(ctx, nil, true)
				if err != nil {
					logging.Warn("Model refresh pass incomplete", map[string]interface{}{
						"refreshed": summary.Refreshed,
						"failed":    summary.Failed,
						"error":     err.Error(),
					})
				}
				return 0
			},
		},
	}
}

// PruneResult reports one maintenance pass.
type PruneResult struct {
	QueueItems   int64 `json:"queue_items"`
	ErrorRecords int64 `json:"error_records"`
}

// prune removes synced queue items and old error records past retention.
func (a *App) prune(ctx context.Context) PruneResult {
	var res PruneResult
	var err error
	if res.QueueItems, err = a.queue.Prune(ctx); err != nil {
		logging.Error("Queue prune failed", err)
	}
	cutoff := a.now().Add(-a.cfg.Queue.Retention).Unix()
	if res.ErrorRecords, err = a.repo.DeleteErrorRecordsBefore(ctx, cutoff); err != nil {
		logging.Error("Error record prune failed", err)
	}
	return res
}
