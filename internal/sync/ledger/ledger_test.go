package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/models"
	"github.com/kimhsiao/possync/internal/testutil"
)

func newLedger(t *testing.T) (*Ledger, *testutil.ManualClock, context.Context) {
	t.Helper()
	_, repo, ctx := testutil.NewStore(t)
	clock := testutil.NewManualClock()
	return New(repo, Options{
		ClaimTTL:   time.Minute,
		Retention:  30 * time.Minute,
		SweepBatch: 2,
		Now:        clock.Now,
	}), clock, ctx
}

// ===== Claim =====

func TestClaim_firstWinsThenCommitted(t *testing.T) {
	l, _, ctx := newLedger(t)

	c, err := l.Claim(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, Claimed, c.Outcome)

	c, err = l.Claim(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, InFlight, c.Outcome)

	require.NoError(t, l.Commit(ctx, "k1", json.RawMessage(`{"receipt":"r-1"}`)))

	c, err = l.Claim(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyCommitted, c.Outcome)
	assert.JSONEq(t, `{"receipt":"r-1"}`, string(c.Result))
}

func TestClaim_failedKeyIsReclaimable(t *testing.T) {
	l, _, ctx := newLedger(t)

	_, err := l.Claim(ctx, "k1")
	require.NoError(t, err)
	require.NoError(t, l.Fail(ctx, "k1", errors.New(errors.ErrSyncTransient, "timeout")))

	rec, err := l.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, models.IdempotencyFailed, rec.Status)
	assert.Contains(t, rec.LastError, "timeout")

	c, err := l.Claim(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, Claimed, c.Outcome)
	assert.Equal(t, 2, c.Attempts)
}

func TestClaim_abandonedInFlightAfterTTL(t *testing.T) {
	l, clock, ctx := newLedger(t)

	_, err := l.Claim(ctx, "k1")
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	c, err := l.Claim(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, InFlight, c.Outcome)

	clock.Advance(31 * time.Second)
	c, err = l.Claim(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, Claimed, c.Outcome)
}

func TestClaim_concurrentCallersOneWinner(t *testing.T) {
	l, _, ctx := newLedger(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := map[Outcome]int{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := l.Claim(ctx, "shared")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			outcomes[c.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[Claimed])
	assert.Equal(t, 7, outcomes[InFlight])
}

func TestClaim_emptyKey(t *testing.T) {
	l, _, ctx := newLedger(t)
	_, err := l.Claim(ctx, "")
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

func TestCommit_requiresClaim(t *testing.T) {
	l, _, ctx := newLedger(t)
	err := l.Commit(ctx, "never-claimed", nil)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

// ===== Sweep =====

func TestSweepExpired(t *testing.T) {
	l, clock, ctx := newLedger(t)

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		_, err := l.Claim(ctx, k)
		require.NoError(t, err)
	}
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, l.Commit(ctx, k, json.RawMessage(`{}`)))
	}
	require.NoError(t, l.Fail(ctx, "d", nil))

	n, err := l.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing has reached retention yet")

	clock.Advance(31 * time.Minute)
	n, err = l.SweepExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[models.IdempotencyStatus]int{models.IdempotencyInFlight: 1}, stats)
}

// ===== Key Derivation =====

func TestDeriveKey(t *testing.T) {
	base := KeyInput{
		ClientInstanceID: "till-a",
		OpType:           "sale.create",
		EntityID:         "sale-42",
		Payload:          json.RawMessage(`{"total": 12.50, "lines": [1, 2], "customer": "c-9"}`),
	}
	k1, err := DeriveKey(base)
	require.NoError(t, err)
	assert.Len(t, k1, 64)

	reordered := base
	reordered.Payload = json.RawMessage(`{"customer":"c-9","lines":[1,2],"total":12.50}`)
	k2, err := DeriveKey(reordered)
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "key order and whitespace do not matter")

	otherClient := base
	otherClient.ClientInstanceID = "till-b"
	k3, err := DeriveKey(otherClient)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	otherPayload := base
	otherPayload.Payload = json.RawMessage(`{"total": 12.5, "lines": [1, 2], "customer": "c-9"}`)
	k4, err := DeriveKey(otherPayload)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4, "numbers keep their literal form")

	_, err = DeriveKey(KeyInput{Payload: json.RawMessage(`{broken`)})
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}
