package db

import (
	"fmt"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/models"
	"github.com/kimhsiao/possync/internal/uuid"
)

// ===== Test Helpers =====

func newSession(user, client string, now int64) *models.Session {
	return &models.Session{
		SessionID:        models.UUID(uuid.New()),
		UserID:           user,
		ClientInstanceID: client,
		SessionKey:       fmt.Sprintf("user_%s_client_%s", user, client),
		Status:           models.SessionActive,
		TimeoutSeconds:   3600,
		CreatedAt:        now,
		LastActivityAt:   now,
		ExpiresAt:        now + 3600,
	}
}

func newItem(client string, now int64) *models.QueueItem {
	return &models.QueueItem{
		ItemID:           models.UUID(uuid.New()),
		ClientInstanceID: client,
		UserID:           "u1",
		OpType:           "order.create",
		Payload:          json.RawMessage(`{"total":10}`),
		IdempotencyKey:   uuid.New(),
		Status:           models.QueuePending,
		MaxAttempts:      5,
		NextRetryAt:      now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// ===== Transactions =====

func TestWithTx_rollsBackOnError(t *testing.T) {
	_, repo, ctx := openTestDB(t)

	boom := fmt.Errorf("boom")
	err := repo.WithTx(ctx, func(tx *Repository) error {
		assert.True(t, tx.InTx())
		require.NoError(t, tx.InsertQueueItem(ctx, newItem("c1", 100)))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := repo.CountUnsynced(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWithTx_nestedReusesTransaction(t *testing.T) {
	_, repo, ctx := openTestDB(t)

	err := repo.WithTx(ctx, func(tx *Repository) error {
		return tx.WithTx(ctx, func(inner *Repository) error {
			assert.Same(t, tx, inner)
			return inner.InsertQueueItem(ctx, newItem("c1", 100))
		})
	})
	require.NoError(t, err)

	n, err := repo.CountUnsynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// ===== Sessions =====

func TestSessions_oneLivePerKey(t *testing.T) {
	_, repo, ctx := openTestDB(t)

	first := newSession("u1", "c1", 100)
	require.NoError(t, repo.CreateSession(ctx, first))

	dup := newSession("u1", "c1", 100)
	assert.Error(t, repo.CreateSession(ctx, dup), "second live session for same pair must be rejected")

	other := newSession("u1", "c2", 100)
	require.NoError(t, repo.CreateSession(ctx, other))

	n, err := repo.TerminateLiveSessions(ctx, first.SessionKey, 200)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	require.NoError(t, repo.CreateSession(ctx, dup))

	live, err := repo.GetLiveSessionByKey(ctx, first.SessionKey)
	require.NoError(t, err)
	assert.Equal(t, dup.SessionID, live.SessionID)
}

func TestSessions_statusTransitions(t *testing.T) {
	_, repo, ctx := openTestDB(t)
	s := newSession("u1", "c1", 100)
	require.NoError(t, repo.CreateSession(ctx, s))

	require.NoError(t, repo.SetSessionStatus(ctx, s.SessionID.String(), models.SessionWarning, 150))
	require.NoError(t, repo.ExtendSession(ctx, s.SessionID.String(), 9000, 160))

	got, err := repo.GetSession(ctx, s.SessionID.String())
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, got.Status)
	assert.EqualValues(t, 9000, got.ExpiresAt)
	assert.EqualValues(t, 160, got.LastActivityAt)

	require.NoError(t, repo.SetSessionStatus(ctx, s.SessionID.String(), models.SessionTerminated, 170))
	got, err = repo.GetSession(ctx, s.SessionID.String())
	require.NoError(t, err)
	assert.EqualValues(t, 170, got.EndedAt)

	// terminated is terminal
	err = repo.SetSessionStatus(ctx, s.SessionID.String(), models.SessionActive, 180)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	err = repo.ExtendSession(ctx, s.SessionID.String(), 99999, 180)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestSessions_expireAndDelete(t *testing.T) {
	_, repo, ctx := openTestDB(t)
	s := newSession("u1", "c1", 100) // expires at 3700
	require.NoError(t, repo.CreateSession(ctx, s))

	live, err := repo.HasLiveSession(ctx, "u1", "c1", 3699)
	require.NoError(t, err)
	assert.True(t, live)

	n, err := repo.ExpireSessionsBefore(ctx, 3699, 3699)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.ExpireSessionsBefore(ctx, 3700, 3700)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	live, err = repo.HasLiveSession(ctx, "u1", "c1", 0)
	require.NoError(t, err)
	assert.False(t, live)

	n, err = repo.DeleteEndedSessions(ctx, 3700)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = repo.DeleteEndedSessions(ctx, 3701)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = repo.GetSession(ctx, s.SessionID.String())
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestCredentialsAndSettings(t *testing.T) {
	_, repo, ctx := openTestDB(t)

	require.NoError(t, repo.UpsertCredential(ctx, &models.CachedCredential{UserID: "u1", Kind: models.CredentialPIN, SecretHash: "h1", UpdatedAt: 1}))
	require.NoError(t, repo.UpsertCredential(ctx, &models.CachedCredential{UserID: "u1", Kind: models.CredentialPIN, SecretHash: "h2", UpdatedAt: 2}))
	require.NoError(t, repo.UpsertCredential(ctx, &models.CachedCredential{UserID: "u1", Kind: models.CredentialPassword, SecretHash: "p", UpdatedAt: 2}))

	creds, err := repo.GetCredentials(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, models.CredentialPassword, creds[0].Kind)
	assert.Equal(t, "h2", creds[1].SecretHash)

	_, found, err := repo.GetUserTimeout(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, repo.SetUserTimeout(ctx, "u1", 7200, 1))
	secs, found, err := repo.GetUserTimeout(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.EqualValues(t, 7200, secs)

	assert.Error(t, repo.SetUserTimeout(ctx, "u1", 60, 1), "schema enforces [1h, 24h]")
}

func TestAuthAttempts(t *testing.T) {
	_, repo, ctx := openTestDB(t)
	for _, at := range []int64{10, 50, 70} {
		require.NoError(t, repo.RecordAuthAttempt(ctx, "u1", at))
	}
	n, err := repo.CountAuthAttempts(ctx, "u1", 50)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pruned, err := repo.PruneAuthAttempts(ctx, 50)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)
}

// ===== Operation Queue =====

func TestQueue_readyItemsKeepPerClientOrder(t *testing.T) {
	_, repo, ctx := openTestDB(t)

	a1, a2 := newItem("A", 100), newItem("A", 100)
	b1 := newItem("B", 100)
	for _, it := range []*models.QueueItem{a1, b1, a2} {
		require.NoError(t, repo.InsertQueueItem(ctx, it))
	}
	assert.Less(t, a1.Sequence, b1.Sequence)

	ready, err := repo.ListReadyQueueItems(ctx, 100, 10)
	require.NoError(t, err)
	require.Len(t, ready, 3)
	assert.Equal(t, a1.ItemID, ready[0].ItemID)
	assert.Equal(t, b1.ItemID, ready[1].ItemID)
	assert.Equal(t, a2.ItemID, ready[2].ItemID)

	// a1 backing off blocks a2 but not B
	require.NoError(t, repo.MarkQueueProcessing(ctx, a1.ItemID.String(), 100))
	require.NoError(t, repo.MarkQueueRetry(ctx, a1.ItemID.String(), 130, "timeout", 100))

	ready, err = repo.ListReadyQueueItems(ctx, 110, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, b1.ItemID, ready[0].ItemID)

	ready, err = repo.ListReadyQueueItems(ctx, 130, 10)
	require.NoError(t, err)
	require.Len(t, ready, 3)
	assert.Equal(t, a1.ItemID, ready[0].ItemID)
	assert.Equal(t, 1, ready[0].AttemptCount)
	assert.Equal(t, "timeout", ready[0].LastError)

	// a terminal failure does not block later items
	require.NoError(t, repo.MarkQueueFailed(ctx, a1.ItemID.String(), "rejected", 130))
	ready, err = repo.ListReadyQueueItems(ctx, 130, 10)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, b1.ItemID, ready[0].ItemID)

	after, err := repo.ListReadyQueueItemsAfter(ctx, 130, ready[0].Sequence, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, ready[1].ItemID, after[0].ItemID)
}

func TestQueue_syncedLifecycle(t *testing.T) {
	_, repo, ctx := openTestDB(t)
	item := newItem("A", 100)
	require.NoError(t, repo.InsertQueueItem(ctx, item))
	id := item.ItemID.String()

	require.NoError(t, repo.MarkQueueProcessing(ctx, id, 101))
	assert.Error(t, repo.MarkQueueProcessing(ctx, id, 101), "already processing")
	require.NoError(t, repo.MarkQueueSynced(ctx, id, json.RawMessage(`{"order":"S1"}`), 102))

	got, err := repo.GetQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.QueueSynced, got.Status)
	assert.JSONEq(t, `{"order":"S1"}`, string(got.Result))
	assert.JSONEq(t, `{"total":10}`, string(got.Payload))
	assert.EqualValues(t, 102, got.SyncedAt)

	// synced is final
	err = repo.MarkQueueRetry(ctx, id, 200, "x", 200)
	assert.True(t, errors.Is(err, errors.ErrConstraint))

	n, err := repo.CountUnsynced(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	deleted, err := repo.DeleteSyncedBefore(ctx, 102)
	require.NoError(t, err)
	assert.Zero(t, deleted)
	deleted, err = repo.DeleteSyncedBefore(ctx, 103)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}

func TestQueue_recoveryAndRetry(t *testing.T) {
	_, repo, ctx := openTestDB(t)
	a, b := newItem("A", 100), newItem("B", 100)
	require.NoError(t, repo.InsertQueueItem(ctx, a))
	require.NoError(t, repo.InsertQueueItem(ctx, b))

	require.NoError(t, repo.MarkQueueProcessing(ctx, a.ItemID.String(), 100))
	require.NoError(t, repo.MarkQueueProcessing(ctx, b.ItemID.String(), 100))
	require.NoError(t, repo.MarkQueueFailed(ctx, b.ItemID.String(), "bad", 100))

	counts, err := repo.QueueStatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.QueueProcessing])
	assert.Equal(t, 1, counts[models.QueueFailed])

	n, err := repo.ResetProcessingItems(ctx, 150)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = repo.RetryFailedItems(ctx, 160)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := repo.GetQueueItem(ctx, b.ItemID.String())
	require.NoError(t, err)
	assert.Equal(t, models.QueuePending, got.Status)
	assert.Zero(t, got.AttemptCount)

	at, ok, err := repo.EarliestPendingRetry(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 150, at)

	byKey, err := repo.ListQueueItemsByKey(ctx, a.IdempotencyKey)
	require.NoError(t, err)
	assert.Len(t, byKey, 1)
}

func TestQueue_earliestRetryEmpty(t *testing.T) {
	_, repo, ctx := openTestDB(t)
	_, ok, err := repo.EarliestPendingRetry(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

// ===== Idempotency Ledger =====

func TestLedger_claimCommitReclaim(t *testing.T) {
	_, repo, ctx := openTestDB(t)

	ok, err := repo.InsertLedgerClaim(ctx, "k1", 100)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.InsertLedgerClaim(ctx, "k1", 101)
	require.NoError(t, err)
	assert.False(t, ok, "unique key enforced by storage")

	require.NoError(t, repo.FailLedger(ctx, "k1", "timeout", 102, 2000))
	rec, err := repo.GetLedgerRecord(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, models.IdempotencyFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)

	// stale version loses the race
	ok, err = repo.ReclaimLedger(ctx, "k1", models.IdempotencyFailed, 0, 103)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.ReclaimLedger(ctx, "k1", models.IdempotencyFailed, 1, 103)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, repo.CommitLedger(ctx, "k1", json.RawMessage(`{"id":7}`), 104, 1904))
	rec, err = repo.GetLedgerRecord(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, models.IdempotencyCommitted, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.JSONEq(t, `{"id":7}`, string(rec.Result))

	// only in_flight records can be committed or failed
	assert.True(t, errors.Is(repo.CommitLedger(ctx, "k1", nil, 105, 0), errors.ErrNotFound))
	assert.True(t, errors.Is(repo.FailLedger(ctx, "k1", "x", 105, 0), errors.ErrNotFound))
}

func TestLedger_deleteExpiredInBatches(t *testing.T) {
	_, repo, ctx := openTestDB(t)
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("k%d", i)
		_, err := repo.InsertLedgerClaim(ctx, key, 100)
		require.NoError(t, err)
		require.NoError(t, repo.CommitLedger(ctx, key, nil, 100, 200))
	}
	_, err := repo.InsertLedgerClaim(ctx, "inflight", 100)
	require.NoError(t, err)

	n, err := repo.DeleteExpiredLedger(ctx, 199, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.DeleteExpiredLedger(ctx, 200, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	n, err = repo.DeleteExpiredLedger(ctx, 200, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	counts, err := repo.CountLedgerByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[models.IdempotencyStatus]int{models.IdempotencyInFlight: 1}, counts)
}

// ===== Model Cache =====

func TestCache_versionNeverMovesBackwards(t *testing.T) {
	_, repo, ctx := openTestDB(t)

	put := func(version int64, data string) bool {
		ok, err := repo.PutCacheEntry(ctx, &models.CacheEntry{
			ModelKey: "products", Version: version, Data: json.RawMessage(data), DataHash: "h", FetchedAt: 100,
		})
		require.NoError(t, err)
		return ok
	}

	assert.True(t, put(3, `[3]`))
	assert.False(t, put(2, `[2]`))
	assert.True(t, put(4, `[4]`))

	got, err := repo.GetCacheEntry(ctx, "products")
	require.NoError(t, err)
	assert.EqualValues(t, 4, got.Version)
	assert.JSONEq(t, `[4]`, string(got.Data))

	require.NoError(t, repo.TouchCacheEntry(ctx, "products", 150))
	require.NoError(t, repo.TouchCacheEntry(ctx, "products", 160))
	n, err := repo.MarkCacheStale(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	all, err := repo.ListCacheEntries(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.EqualValues(t, 2, all[0].AccessCount)
	assert.EqualValues(t, 160, all[0].LastAccessedAt)
	assert.True(t, all[0].Stale)

	require.NoError(t, repo.DeleteCacheEntry(ctx, "products"))
	_, err = repo.GetCacheEntry(ctx, "products")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

// ===== Error Records =====

func TestErrorRecords(t *testing.T) {
	_, repo, ctx := openTestDB(t)
	for i := 0; i < 3; i++ {
		rec := &models.ErrorRecord{Component: "sync", Code: "SYNC_REJECTED", Message: fmt.Sprintf("m%d", i), CreatedAt: int64(100 + i)}
		require.NoError(t, repo.InsertErrorRecord(ctx, rec))
		assert.NotZero(t, rec.ID)
	}

	recs, err := repo.ListErrorRecords(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "m2", recs[0].Message)

	n, err := repo.DeleteErrorRecordsBefore(ctx, 101)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
