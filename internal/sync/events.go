package sync

import "github.com/kimhsiao/possync/internal/models"

// EventType names an engine notification.
type EventType string

const (
	EventItemSynced     EventType = "item_synced"
	EventItemFailed     EventType = "item_failed"
	EventItemRetry      EventType = "item_retry"
	EventDrainCompleted EventType = "drain_completed"
)

// SyncEvent is delivered to the SyncEventHandler.
type SyncEvent struct {
	Type   EventType         `json:"type"`
	Item   *models.QueueItem `json:"item,omitempty"`
	Error  string            `json:"error,omitempty"`
	Report *SyncReport       `json:"report,omitempty"`
}

// SyncEventHandler receives engine events. It is called synchronously from
// the drain and must not block.
type SyncEventHandler func(SyncEvent)
