package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/possync/internal/logging"
)

// Names of the tasks the daemon registers.
const (
	TaskSync         = "sync"
	TaskConnectivity = "connectivity"
	TaskLedgerSweep  = "ledger_sweep"
	TaskSessionSweep = "session_sweep"
	TaskQueuePrune   = "queue_prune"
	TaskCacheRefresh = "cache_refresh"
)

// RunFunc performs one run of a task and returns the delay until the next
// run. A non-positive delay selects the task's Interval.
type RunFunc func(ctx context.Context) time.Duration

// TaskSpec describes a background task.
type TaskSpec struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	// RequiresOnline tasks are skipped while offline and run immediately
	// when the scheduler comes back online.
	RequiresOnline bool
	Run            RunFunc
}

// TaskStatus is a snapshot of one task.
type TaskStatus struct {
	Name      string     `json:"name"`
	Runs      int        `json:"runs"`
	Running   bool       `json:"running"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt time.Time  `json:"next_run_at"`
}

// task owns one timer and one goroutine. Cancelling its context is the only
// way to stop it; done closes when the goroutine has returned.
type task struct {
	spec    TaskSpec
	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	runs    int
	running bool
	lastRun time.Time
	nextRun time.Time
}

func newTask(spec TaskSpec) (*task, error) {
	if spec.Name == "" || spec.Run == nil {
		return nil, fmt.Errorf("task needs a name and a run function")
	}
	if spec.Interval <= 0 {
		return nil, fmt.Errorf("task %s: interval must be positive", spec.Name)
	}
	return &task{
		spec:    spec,
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

// fire asks the task to run now. Requests coalesce.
func (t *task) fire() {
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

func (t *task) loop(ctx context.Context, online func() bool) {
	defer close(t.done)

	t.setNext(t.spec.InitialDelay)
	timer := time.NewTimer(t.spec.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.trigger:
			timer.Stop()
		case <-timer.C:
		}

		next := t.spec.Interval
		if !t.spec.RequiresOnline || online() {
			next = t.runOnce(ctx)
		}
		if ctx.Err() != nil {
			return
		}
		t.setNext(next)
		timer.Reset(next)
	}
}

func (t *task) runOnce(ctx context.Context) (next time.Duration) {
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			logging.Error("Background task panicked", fmt.Errorf("%v", r), map[string]interface{}{"task": t.spec.Name})
			next = t.spec.Interval
		}
		t.mu.Lock()
		t.running = false
		t.runs++
		t.lastRun = time.Now()
		t.mu.Unlock()
	}()

	next = t.spec.Run(ctx)
	if next <= 0 {
		next = t.spec.Interval
	}
	return next
}

func (t *task) setNext(d time.Duration) {
	t.mu.Lock()
	t.nextRun = time.Now().Add(d)
	t.mu.Unlock()
}

func (t *task) status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := TaskStatus{Name: t.spec.Name, Runs: t.runs, Running: t.running, NextRunAt: t.nextRun}
	if !t.lastRun.IsZero() {
		last := t.lastRun
		st.LastRunAt = &last
	}
	return st
}
