package modelcache

// EventType names a cache event.
type EventType string

const (
	EventRefreshed        EventType = "cache.refreshed"
	EventRefreshUnchanged EventType = "cache.unchanged"
	EventRefreshFailed    EventType = "cache.refresh_failed"
	EventInvalidated      EventType = "cache.invalidated"
)

// Event describes a change to the cache. Key is empty for InvalidateAll.
type Event struct {
	Type    EventType `json:"type"`
	Key     string    `json:"model_key,omitempty"`
	Version int64     `json:"version,omitempty"`
	Error   string    `json:"error,omitempty"`
}
