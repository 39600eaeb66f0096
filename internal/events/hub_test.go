package events

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/possync/internal/modelcache"
	"github.com/kimhsiao/possync/internal/models"
	"github.com/kimhsiao/possync/internal/session"
	syncpkg "github.com/kimhsiao/possync/internal/sync"
)

func dial(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func TestHub_broadcastReachesClient(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	conn := dial(t, hub)

	hub.BroadcastConnectivity(true)

	msg := readEnvelope(t, conn)
	assert.Equal(t, EventConnectivity, msg["type"])
	assert.Equal(t, true, msg["data"].(map[string]interface{})["online"])
	assert.NotZero(t, msg["timestamp"])
}

func TestHub_subscriptionFilters(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	conn := dial(t, hub)

	send(t, conn, map[string]interface{}{"action": "subscribe", "events": []string{"session.*"}})
	ack := readEnvelope(t, conn)
	assert.Equal(t, "subscribe_ack", ack["action"])

	hub.BroadcastConnectivity(false)
	hub.BroadcastSession(session.Event{Type: session.EventWarning, Session: models.Session{
		SessionID: "s-1", UserID: "cashier-1", ClientInstanceID: "till-a", Status: models.SessionWarning,
	}})

	msg := readEnvelope(t, conn)
	assert.Equal(t, EventSessionWarning, msg["type"])
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, "s-1", data["session_id"])
	assert.Equal(t, "warning", data["status"])
}

func TestHub_ping(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	conn := dial(t, hub)

	send(t, conn, map[string]string{"action": "ping"})
	assert.Equal(t, "pong", readEnvelope(t, conn)["action"])
}

func TestHub_syncEvents(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	conn := dial(t, hub)

	hub.BroadcastSync(syncpkg.SyncEvent{Type: syncpkg.EventItemFailed, Item: &models.QueueItem{
		ItemID: "i-1", ClientInstanceID: "till-a", OpType: "sale", AttemptCount: 5,
	}, Error: "rejected"})
	hub.BroadcastSync(syncpkg.SyncEvent{Type: syncpkg.EventDrainCompleted, Report: &syncpkg.SyncReport{Synced: 3, Duration: time.Second}})

	failed := readEnvelope(t, conn)
	assert.Equal(t, EventSyncItemFail, failed["type"])
	assert.Equal(t, "rejected", failed["data"].(map[string]interface{})["error"])

	done := readEnvelope(t, conn)
	assert.Equal(t, EventSyncCompleted, done["type"])
	assert.EqualValues(t, 3, done["data"].(map[string]interface{})["synced"])
	assert.EqualValues(t, 1000, done["data"].(map[string]interface{})["duration_ms"])
}

func TestHub_cacheEvents(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	conn := dial(t, hub)

	hub.BroadcastCache(modelcache.Event{Type: modelcache.EventRefreshed, Key: "catalog", Version: 4})
	msg := readEnvelope(t, conn)
	assert.Equal(t, string(modelcache.EventRefreshed), msg["type"])
	assert.EqualValues(t, 4, msg["data"].(map[string]interface{})["version"])
}

func TestHub_closeDisconnects(t *testing.T) {
	hub := NewHub()
	conn := dial(t, hub)

	hub.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Zero(t, hub.ClientCount())

	// Broadcasting after close is a no-op.
	assert.NotPanics(t, func() { hub.BroadcastConnectivity(true) })
}

func TestLocalOrigin(t *testing.T) {
	cases := map[string]bool{
		"":                       true,
		"http://localhost:3000":  true,
		"http://127.0.0.1:8710":  true,
		"http://[::1]:8710":      true,
		"https://evil.example":   false,
		"http://192.168.1.20:80": false,
	}
	for origin, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/api/events", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		assert.Equal(t, want, localOrigin(r), origin)
	}
}
