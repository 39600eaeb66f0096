// Package scheduler runs the background tasks of the sync daemon. Every task
// has its own cancellable handle and re-arms itself with the delay its last
// run asked for.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/logging"
	"github.com/kimhsiao/possync/internal/models"
	syncpkg "github.com/kimhsiao/possync/internal/sync"
	"github.com/kimhsiao/possync/internal/sync/queue"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine        syncpkg.SyncEngineInterface
	queue         *queue.Queue
	syncInterval  time.Duration
	minRetryDelay time.Duration
	syncTimeout   time.Duration
	recheck       time.Duration

	mu           sync.RWMutex
	tasks        map[string]*task
	ctx          context.Context
	cancel       context.CancelFunc
	isRunning    bool
	isOnline     bool
	lastSyncTime time.Time
	activeSyncs  int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // poll interval of the drain task
	MinRetryDelay time.Duration // lower bound when re-arming for a queued retry
	SyncTimeout   time.Duration // upper bound on one drain
	// InFlightRecheck re-arms the drain task when a key was held by another
	// attempt; set it to the ledger claim TTL.
	InFlightRecheck time.Duration
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  5 * time.Minute,
		MinRetryDelay: time.Second,
		SyncTimeout:   5 * time.Minute,

		InFlightRecheck: 2 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. engine and q may be nil when the
// scheduler only runs registered tasks.
func NewScheduler(engine syncpkg.SyncEngineInterface, q *queue.Queue, config *SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config == nil {
		config = def
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = def.SyncInterval
	}
	if config.MinRetryDelay <= 0 {
		config.MinRetryDelay = def.MinRetryDelay
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = def.SyncTimeout
	}
	if config.InFlightRecheck <= 0 {
		config.InFlightRecheck = def.InFlightRecheck
	}

	return &Scheduler{
		engine:        engine,
		queue:         q,
		syncInterval:  config.SyncInterval,
		minRetryDelay: config.MinRetryDelay,
		syncTimeout:   config.SyncTimeout,
		recheck:       config.InFlightRecheck,
		tasks:         make(map[string]*task),
		isOnline:      true,
	}
}

// Register adds a task. Tasks registered after Start begin immediately.
func (s *Scheduler) Register(spec TaskSpec) error {
	t, err := newTask(spec)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "register task", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[spec.Name]; ok {
		return errors.Newf(errors.ErrDuplicate, "task %s already registered", spec.Name)
	}
	s.tasks[spec.Name] = t
	if s.isRunning {
		s.launch(t)
	}
	return nil
}

// launch starts t; s.mu must be held and s.ctx set.
func (s *Scheduler) launch(t *task) {
	ctx, cancel := context.WithCancel(s.ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(ctx, s.IsOnline)
}

// Start starts every registered task plus the sync drain task.
func (s *Scheduler) Start(ctx context.Context) {
	if s.engine != nil {
		s.mu.RLock()
		_, exists := s.tasks[TaskSync]
		s.mu.RUnlock()
		if !exists {
			_ = s.Register(TaskSpec{
				Name:           TaskSync,
				Interval:       s.SyncInterval(),
				RequiresOnline: true,
				Run:            s.runSync,
			})
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.isRunning = true
	for _, t := range s.tasks {
		s.launch(t)
	}

	logging.Info("Background scheduler started", map[string]interface{}{"tasks": len(s.tasks)})
}

// Stop cancels every task and waits for their goroutines to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.cancel()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		if t.cancel != nil {
			<-t.done
		}
	}

	logging.Info("Background scheduler stopped", nil)
}

// Trigger runs the named task now. It reports false for unknown tasks.
func (s *Scheduler) Trigger(name string) bool {
	s.mu.RLock()
	t, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	t.fire()
	return true
}

// Cancel stops and removes the named task.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	t, ok := s.tasks[name]
	delete(s.tasks, name)
	s.mu.Unlock()
	if !ok {
		return false
	}
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	return true
}

// SetOnlineStatus changes the online status of the scheduler. Coming back
// online runs every online-only task right away.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	var wake []*task
	if isOnline && !wasOnline {
		for _, t := range s.tasks {
			if t.spec.RequiresOnline {
				wake = append(wake, t)
			}
		}
	}
	s.mu.Unlock()

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
	}
	for _, t := range wake {
		t.fire()
	}
}

// SyncInterval returns the poll interval of the drain task.
func (s *Scheduler) SyncInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncInterval
}

// SetSyncInterval changes the poll interval from the next run on.
func (s *Scheduler) SetSyncInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.syncInterval = d
	s.mu.Unlock()
}

// runSync is the drain task. It re-arms early when a queued retry comes due
// before the next poll, or when a claimed key may have been abandoned.
func (s *Scheduler) runSync(ctx context.Context) time.Duration {
	interval := s.SyncInterval()

	report, err := s.drain(ctx)
	switch {
	case errors.Is(err, errors.ErrSyncInProgress):
		return s.minRetryDelay
	case err != nil:
		if ctx.Err() == nil {
			logging.ErrorWithCode("Periodic sync failed", string(errors.CodeOf(err)), err,
				map[string]interface{}{"interval_seconds": interval.Seconds()})
		}
		return interval
	}

	next := interval
	if report != nil && report.InFlight > 0 && s.recheck < next {
		next = s.recheck
	}
	if s.queue != nil {
		d, ok, err := s.queue.NextRetryIn(ctx)
		if err == nil && ok && d > 0 && d < next {
			if d < s.minRetryDelay {
				d = s.minRetryDelay
			}
			next = d
		}
	}
	return next
}

func (s *Scheduler) drain(ctx context.Context) (*syncpkg.SyncReport, error) {
	s.mu.Lock()
	s.activeSyncs++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.activeSyncs--
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	report, err := s.engine.DrainOnce(syncCtx)
	if err != nil {
		return report, err
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()
	return report, nil
}

// TriggerSync asks the drain task to run now.
// Returns false if a sync is already in progress or no drain task exists.
func (s *Scheduler) TriggerSync() bool {
	s.mu.RLock()
	isSyncing := s.activeSyncs > 0
	s.mu.RUnlock()

	if isSyncing {
		return false
	}
	return s.Trigger(TaskSync)
}

// SyncNow runs a drain in the caller's goroutine and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncReport, error) {
	if s.engine == nil {
		return nil, fmt.Errorf("scheduler has no sync engine")
	}
	if !s.IsOnline() {
		return nil, errors.New(errors.ErrSyncTransient, "offline, sync deferred")
	}
	report, err := s.drain(ctx)
	if err != nil {
		return report, err
	}

	logging.Info("Manual sync completed",
		map[string]interface{}{
			"synced":       report.Synced,
			"deduplicated": report.Deduplicated,
			"failed":       report.Failed,
		})
	return report, nil
}

// SchedulerStatus is a snapshot returned by GetStatus.
type SchedulerStatus struct {
	IsRunning      bool                `json:"is_running"`
	IsOnline       bool                `json:"is_online"`
	LastSyncTime   *time.Time          `json:"last_sync_time,omitempty"`
	SyncInProgress bool                `json:"sync_in_progress"`
	LastReport     *syncpkg.SyncReport `json:"last_report,omitempty"`
	QueueStats     *models.QueueStats  `json:"queue_stats,omitempty"`
	Tasks          []TaskStatus        `json:"tasks"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.activeSyncs > 0,
	}
	if !s.lastSyncTime.IsZero() {
		last := s.lastSyncTime
		status.LastSyncTime = &last
	}
	for _, t := range s.tasks {
		status.Tasks = append(status.Tasks, t.status())
	}
	s.mu.RUnlock()

	sort.Slice(status.Tasks, func(i, j int) bool { return status.Tasks[i].Name < status.Tasks[j].Name })

	if s.engine != nil {
		status.LastReport = s.engine.LastReport()
	}
	if s.queue != nil {
		if stats, err := s.queue.Stats(ctx); err == nil {
			status.QueueStats = &stats
		}
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
