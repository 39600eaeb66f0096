package events

import (
	"github.com/kimhsiao/possync/internal/modelcache"
	"github.com/kimhsiao/possync/internal/session"
	syncpkg "github.com/kimhsiao/possync/internal/sync"
)

// Event types pushed to clients.
const (
	EventSyncCompleted = "sync.completed"
	EventSyncItemSaved = "sync.item_synced"
	EventSyncItemRetry = "sync.item_retry"
	EventSyncItemFail  = "sync.item_failed"

	EventSessionCreated    = "session.created"
	EventSessionWarning    = "session.warning"
	EventSessionExpired    = "session.expired"
	EventSessionTerminated = "session.terminated"

	EventConnectivity = "connectivity.changed"

	EventQueueRejected = "queue.capacity_exceeded"
)

// =====================================================
// Sync
// =====================================================

// BroadcastSync forwards an engine event. It matches
// syncpkg.SyncEventHandler.
func (h *Hub) BroadcastSync(ev syncpkg.SyncEvent) {
	switch ev.Type {
	case syncpkg.EventDrainCompleted:
		if ev.Report == nil {
			return
		}
		r := ev.Report
		h.Broadcast(EventSyncCompleted, map[string]interface{}{
			"attempted":    r.Attempted,
			"synced":       r.Synced,
			"deduplicated": r.Deduplicated,
			"retried":      r.Retried,
			"failed":       r.Failed,
			"skipped":      r.Skipped,
			"in_flight":    r.InFlight,
			"deferred":     r.Deferred,
			"duration_ms":  r.Duration.Milliseconds(),
			"error":        r.Error,
		})
	case syncpkg.EventItemSynced, syncpkg.EventItemRetry, syncpkg.EventItemFailed:
		if ev.Item == nil {
			return
		}
		eventType := map[syncpkg.EventType]string{
			syncpkg.EventItemSynced: EventSyncItemSaved,
			syncpkg.EventItemRetry:  EventSyncItemRetry,
			syncpkg.EventItemFailed: EventSyncItemFail,
		}[ev.Type]
		data := map[string]interface{}{
			"item_id":            ev.Item.ItemID.String(),
			"client_instance_id": ev.Item.ClientInstanceID,
			"op_type":            ev.Item.OpType,
			"entity_id":          ev.Item.EntityID,
			"attempt_count":      ev.Item.AttemptCount,
		}
		if ev.Error != "" {
			data["error"] = ev.Error
		}
		h.Broadcast(eventType, data)
	}
}

// =====================================================
// Sessions
// =====================================================

// BroadcastSession forwards a session transition.
func (h *Hub) BroadcastSession(ev session.Event) {
	eventType, ok := map[session.EventType]string{
		session.EventCreated:    EventSessionCreated,
		session.EventWarning:    EventSessionWarning,
		session.EventExpired:    EventSessionExpired,
		session.EventTerminated: EventSessionTerminated,
	}[ev.Type]
	if !ok {
		return
	}
	h.Broadcast(eventType, map[string]interface{}{
		"session_id":         ev.Session.SessionID.String(),
		"user_id":            ev.Session.UserID,
		"client_instance_id": ev.Session.ClientInstanceID,
		"expires_at":         ev.Session.ExpiresAt,
		"status":             string(ev.Session.Status),
	})
}

// =====================================================
// Connectivity, cache & queue
// =====================================================

// BroadcastConnectivity reports an online/offline transition.
func (h *Hub) BroadcastConnectivity(online bool) {
	h.Broadcast(EventConnectivity, map[string]interface{}{"online": online})
}

// BroadcastCache forwards a model cache event.
func (h *Hub) BroadcastCache(ev modelcache.Event) {
	data := map[string]interface{}{}
	if ev.Key != "" {
		data["model_key"] = ev.Key
	}
	if ev.Version > 0 {
		data["version"] = ev.Version
	}
	if ev.Error != "" {
		data["error"] = ev.Error
	}
	h.Broadcast(string(ev.Type), data)
}

// BroadcastQueueRejected reports an enqueue refused for capacity.
func (h *Hub) BroadcastQueueRejected(capacity int, opType string) {
	h.Broadcast(EventQueueRejected, map[string]interface{}{
		"capacity": capacity,
		"op_type":  opType,
	})
}
