package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/possync/internal/db"
	"github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/models"
	"github.com/kimhsiao/possync/internal/sync/ledger"
	"github.com/kimhsiao/possync/internal/sync/queue"
	"github.com/kimhsiao/possync/internal/testutil"
)

// ===== Test Helpers =====

// fakeServer applies each idempotency key at most once, like the real server.
type fakeServer struct {
	mu      gosync.Mutex
	applied map[string]json.RawMessage
	effects int
	calls   int
	// script holds the error returned by successive calls; nil succeeds.
	script []error
	// lostResponse applies the operation before returning the scripted error.
	lostResponse bool
	block        chan struct{}
	// entered receives once per call before block is waited on.
	entered chan struct{}
}

func newFakeServer() *fakeServer {
	return &fakeServer{applied: make(map[string]json.RawMessage)}
}

func (f *fakeServer) SubmitOperation(ctx context.Context, sub Submission) (json.RawMessage, error) {
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	var scripted error
	if len(f.script) > 0 {
		scripted, f.script = f.script[0], f.script[1:]
	}
	if scripted != nil && !f.lostResponse {
		return nil, scripted
	}
	res, ok := f.applied[sub.IdempotencyKey]
	if !ok {
		f.effects++
		res = json.RawMessage(fmt.Sprintf(`{"receipt":"r-%d"}`, f.effects))
		f.applied[sub.IdempotencyKey] = res
	}
	if scripted != nil {
		return nil, scripted
	}
	return res, nil
}

func (f *fakeServer) counts() (calls, effects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.effects
}

type gateFunc func(userID, clientInstanceID string) bool

func (g gateFunc) HasLiveSession(_ context.Context, userID, clientInstanceID string) (bool, error) {
	return g(userID, clientInstanceID), nil
}

type harness struct {
	engine *Engine
	queue  *queue.Queue
	ledger *ledger.Ledger
	repo   *db.Repository
	server *fakeServer
	clock  *testutil.ManualClock
	ctx    context.Context
}

func newHarness(t *testing.T, gate SessionGate) *harness {
	t.Helper()
	_, repo, ctx := testutil.NewStore(t)
	clock := testutil.NewManualClock()
	q := queue.New(repo, queue.Options{
		Capacity:    100,
		MaxAttempts: 3,
		BackoffBase: 30 * time.Second,
		BackoffMax:  16 * time.Minute,
		Now:         clock.Now,
	})
	l := ledger.New(repo, ledger.Options{ClaimTTL: time.Minute, Retention: 30 * time.Minute, Now: clock.Now})
	server := newFakeServer()
	e := NewEngine(repo, q, l, server, gate, Options{BatchSize: 2, RequestTimeout: time.Second, Now: clock.Now})
	return &harness{engine: e, queue: q, ledger: l, repo: repo, server: server, clock: clock, ctx: ctx}
}

func (h *harness) enqueue(t *testing.T, client string, n int) *models.QueueItem {
	t.Helper()
	return h.enqueueAs(t, client, "cashier-1", n)
}

func (h *harness) enqueueAs(t *testing.T, client, user string, n int) *models.QueueItem {
	t.Helper()
	item, err := h.queue.Enqueue(h.ctx, queue.Operation{
		ClientInstanceID: client,
		UserID:           user,
		OpType:           "sale.create",
		EntityID:         fmt.Sprintf("sale-%d", n),
		Payload:          json.RawMessage(fmt.Sprintf(`{"total":%d}`, n)),
	})
	require.NoError(t, err)
	return item
}

func (h *harness) status(t *testing.T, item *models.QueueItem) *models.QueueItem {
	t.Helper()
	got, err := h.queue.Get(h.ctx, item.ItemID.String())
	require.NoError(t, err)
	return got
}

// ===== Drain =====

func TestDrainOnce_roundTripAndIdempotentDrain(t *testing.T) {
	h := newHarness(t, nil)
	var items []*models.QueueItem
	for i := 0; i < 5; i++ {
		items = append(items, h.enqueue(t, "till-a", i))
	}

	report, err := h.engine.DrainOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Attempted)
	assert.Equal(t, 5, report.Synced)

	for _, it := range items {
		got := h.status(t, it)
		assert.Equal(t, models.QueueSynced, got.Status)
		assert.NotEmpty(t, got.Result)
	}

	report, err = h.engine.DrainOnce(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted, "synced items are never resent")

	calls, effects := h.server.counts()
	assert.Equal(t, 5, calls)
	assert.Equal(t, 5, effects)
	assert.Equal(t, SyncStatusIdle, h.engine.Status())
	assert.NotNil(t, h.engine.LastSync())
}

func TestDrainOnce_identicalOperationsApplyOnce(t *testing.T) {
	h := newHarness(t, nil)
	var items []*models.QueueItem
	for i := 0; i < 5; i++ {
		items = append(items, h.enqueue(t, "till-a", 7))
	}

	report, err := h.engine.DrainOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 4, report.Deduplicated)

	_, effects := h.server.counts()
	assert.Equal(t, 1, effects)
	for _, it := range items {
		assert.Equal(t, models.QueueSynced, h.status(t, it).Status)
	}

	rec, err := h.ledger.Get(h.ctx, items[0].IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, models.IdempotencyCommitted, rec.Status)
}

func TestDrainOnce_transientFailureBacksOffAndKeepsOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.server.script = []error{errors.New(errors.ErrSyncTransient, "503 service unavailable")}

	a1 := h.enqueue(t, "till-a", 1)
	a2 := h.enqueue(t, "till-a", 2)
	b1 := h.enqueue(t, "till-b", 1)

	report, err := h.engine.DrainOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Synced)

	assert.Equal(t, models.QueuePending, h.status(t, a1).Status)
	assert.Equal(t, models.QueuePending, h.status(t, a2).Status)
	assert.Equal(t, models.QueueSynced, h.status(t, b1).Status)

	report, err = h.engine.DrainOnce(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted, "a1 is still backing off")

	h.clock.Advance(30 * time.Second)
	report, err = h.engine.DrainOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Synced)

	got := h.status(t, a1)
	assert.Equal(t, models.QueueSynced, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, models.QueueSynced, h.status(t, a2).Status)
}

func TestDrainOnce_lostResponseIsNotAppliedTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.server.lostResponse = true
	h.server.script = []error{
		errors.New(errors.ErrSyncTransient, "connection reset"),
		errors.New(errors.ErrSyncTransient, "connection reset"),
	}
	item := h.enqueue(t, "till-a", 1)

	for i := 0; i < 3; i++ {
		_, err := h.engine.DrainOnce(h.ctx)
		require.NoError(t, err)
		h.clock.Advance(time.Minute)
	}

	got := h.status(t, item)
	assert.Equal(t, models.QueueSynced, got.Status)
	calls, effects := h.server.counts()
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, effects)
}

func TestDrainOnce_permanentRejection(t *testing.T) {
	h := newHarness(t, nil)
	h.server.script = []error{errors.New(errors.ErrSyncRejected, "422 invalid sku")}

	var events []SyncEvent
	h.engine.SetEventHandler(func(ev SyncEvent) { events = append(events, ev) })

	item := h.enqueue(t, "till-a", 1)
	next := h.enqueue(t, "till-a", 2)

	report, err := h.engine.DrainOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Synced, "a terminal failure does not hold back later items")

	got := h.status(t, item)
	assert.Equal(t, models.QueueFailed, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Contains(t, got.LastError, "invalid sku")
	assert.Equal(t, models.QueueSynced, h.status(t, next).Status)

	records, err := h.repo.ListErrorRecords(h.ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, string(errors.ErrSyncRejected), records[0].Code)
	assert.Equal(t, item.ItemID.String(), records[0].ItemID)

	require.NotEmpty(t, events)
	assert.Equal(t, EventItemFailed, events[0].Type)
	assert.Equal(t, EventDrainCompleted, events[len(events)-1].Type)
}

func TestDrainOnce_exhaustedRetriesBecomeTerminal(t *testing.T) {
	h := newHarness(t, nil)
	transient := errors.New(errors.ErrSyncTransient, "503")
	h.server.script = []error{transient, transient, transient}
	item := h.enqueue(t, "till-a", 1)

	for i := 0; i < 3; i++ {
		_, err := h.engine.DrainOnce(h.ctx)
		require.NoError(t, err)
		h.clock.Advance(16 * time.Minute)
	}

	got := h.status(t, item)
	assert.Equal(t, models.QueueFailed, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
}

func TestDrainOnce_defersItemsWithoutLiveSession(t *testing.T) {
	live := map[string]bool{"till-a": false, "till-b": true}
	h := newHarness(t, gateFunc(func(_, client string) bool { return live[client] }))

	a1 := h.enqueue(t, "till-a", 1)
	h.enqueue(t, "till-a", 2)
	h.enqueue(t, "till-b", 1)

	report, err := h.engine.DrainOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Deferred)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, models.QueuePending, h.status(t, a1).Status)
	assert.Equal(t, 0, h.status(t, a1).AttemptCount)

	live["till-a"] = true
	report, err = h.engine.DrainOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Synced)
}

func TestDrainOnce_deferralHoldsLaterUsersOnSameClient(t *testing.T) {
	h := newHarness(t, gateFunc(func(user, _ string) bool { return user == "bob" }))

	alice := h.enqueueAs(t, "till-a", "alice", 1)
	bob := h.enqueueAs(t, "till-a", "bob", 2)
	other := h.enqueueAs(t, "till-b", "bob", 3)

	report, err := h.engine.DrainOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deferred)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Synced)

	// bob's later item must not overtake alice's earlier one on till-a
	assert.Equal(t, models.QueuePending, h.status(t, alice).Status)
	assert.Equal(t, models.QueuePending, h.status(t, bob).Status)
	assert.Equal(t, 0, h.status(t, bob).AttemptCount)
	assert.Equal(t, models.QueueSynced, h.status(t, other).Status)

	calls, _ := h.server.counts()
	assert.Equal(t, 1, calls)
}

func TestDrainOnce_cancelMidDrainDefersRemaining(t *testing.T) {
	h := newHarness(t, gateFunc(func(_, _ string) bool { return true }))
	h.server.block = make(chan struct{})
	h.server.entered = make(chan struct{}, 1)

	first := h.enqueue(t, "till-a", 1)
	second := h.enqueue(t, "till-a", 2)
	third := h.enqueue(t, "till-a", 3)

	type result struct {
		report *SyncReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := h.engine.DrainOnce(h.ctx)
		done <- result{r, err}
	}()

	select {
	case <-h.server.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first submission never reached the server")
	}
	// liveness for the owner is already cached as live at this point
	h.engine.CancelClient("till-a")
	close(h.server.block)

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not finish")
	}
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.report.Synced)
	assert.Equal(t, 2, res.report.Deferred)

	assert.Equal(t, models.QueueSynced, h.status(t, first).Status)
	assert.Equal(t, models.QueuePending, h.status(t, second).Status)
	assert.Equal(t, models.QueuePending, h.status(t, third).Status)
	calls, _ := h.server.counts()
	assert.Equal(t, 1, calls)
}

func TestDrainOnce_skipsKeyHeldElsewhere(t *testing.T) {
	h := newHarness(t, nil)
	item := h.enqueue(t, "till-a", 1)

	claim, err := h.ledger.Claim(h.ctx, item.IdempotencyKey)
	require.NoError(t, err)
	require.Equal(t, ledger.Claimed, claim.Outcome)

	report, err := h.engine.DrainOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.InFlight)
	assert.Zero(t, report.Attempted)
	assert.Equal(t, models.QueuePending, h.status(t, item).Status)
}

func TestDrainOnce_singleDrainAtATime(t *testing.T) {
	h := newHarness(t, nil)
	h.server.block = make(chan struct{})
	h.enqueue(t, "till-a", 1)

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.DrainOnce(h.ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return h.engine.Status() == SyncStatusSyncing }, time.Second, 5*time.Millisecond)
	_, err := h.engine.DrainOnce(h.ctx)
	assert.True(t, errors.Is(err, errors.ErrSyncInProgress))

	close(h.server.block)
	require.NoError(t, <-done)
}

func TestDrainOnce_cancelledContextLeavesItemsQueued(t *testing.T) {
	h := newHarness(t, nil)
	item := h.enqueue(t, "till-a", 1)

	ctx, cancel := context.WithCancel(h.ctx)
	cancel()
	report, err := h.engine.DrainOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotEmpty(t, report.Error)
	assert.Equal(t, SyncStatusFailed, h.engine.Status())
	assert.Equal(t, models.QueuePending, h.status(t, item).Status)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, isPermanent(errors.New(errors.ErrSyncRejected, "409")))
	assert.True(t, isPermanent(fmt.Errorf("wrapped: %w", errors.New(errors.ErrValidation, "bad"))))
	assert.False(t, isPermanent(errors.New(errors.ErrSyncTransient, "503")))
	assert.False(t, isPermanent(errors.New(errors.ErrSyncAuthFailed, "401")))
	assert.False(t, isPermanent(context.DeadlineExceeded))
	assert.Equal(t, errors.ErrSyncTimeout, errorCode(context.DeadlineExceeded))
	assert.Equal(t, errors.ErrSyncTransient, errorCode(fmt.Errorf("plain")))
}
