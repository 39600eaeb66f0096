package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUID_Scan(t *testing.T) {
	var u UUID
	require.NoError(t, u.Scan("abc"))
	assert.Equal(t, UUID("abc"), u)

	require.NoError(t, u.Scan([]byte("def")))
	assert.Equal(t, "def", u.String())

	require.NoError(t, u.Scan(nil))
	assert.Empty(t, u)

	assert.Error(t, u.Scan(42))

	v, err := UUID("x").Value()
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}

func TestSessionStatus_Live(t *testing.T) {
	assert.True(t, SessionActive.Live())
	assert.True(t, SessionWarning.Live())
	assert.False(t, SessionExpired.Live())
	assert.False(t, SessionTerminated.Live())
}

func TestQueueItem_Ready(t *testing.T) {
	now := time.Unix(1000, 0)
	item := QueueItem{Status: QueuePending, NextRetryAt: 1000}
	assert.True(t, item.Ready(now))

	item.NextRetryAt = 1001
	assert.False(t, item.Ready(now))

	item = QueueItem{Status: QueueProcessing}
	assert.False(t, item.Ready(now))
}

func TestQueueStats_Unsynced(t *testing.T) {
	s := QueueStats{Pending: 2, Processing: 1, Synced: 10, Failed: 3}
	assert.Equal(t, 6, s.Unsynced())
}

func TestCacheEntry_Expired(t *testing.T) {
	e := CacheEntry{FetchedAt: 1000}
	assert.False(t, e.Expired(time.Unix(1000+900, 0), 15*time.Minute))
	assert.True(t, e.Expired(time.Unix(1000+901, 0), 15*time.Minute))
}

func TestTableNames(t *testing.T) {
	assert.Equal(t, "sessions", Session{}.TableName())
	assert.Equal(t, "cached_credentials", CachedCredential{}.TableName())
	assert.Equal(t, "operation_queue", QueueItem{}.TableName())
	assert.Equal(t, "idempotency_ledger", IdempotencyRecord{}.TableName())
	assert.Equal(t, "model_cache", CacheEntry{}.TableName())
	assert.Equal(t, "error_records", ErrorRecord{}.TableName())
}

func TestUnixTime(t *testing.T) {
	assert.True(t, UnixTime(0).IsZero())
	assert.Equal(t, int64(42), UnixTime(42).Unix())
}
