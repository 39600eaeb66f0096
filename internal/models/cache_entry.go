package models

import (
	"time"

	"github.com/goccy/go-json"
)

// CacheEntry is one versioned snapshot of a reference data model.
type CacheEntry struct {
	ModelKey       string          `db:"model_key" json:"model_key"`
	Version        int64           `db:"version" json:"version"`
	Data           json.RawMessage `db:"data" json:"data"`
	DataHash       string          `db:"data_hash" json:"data_hash"`
	FetchedAt      int64           `db:"fetched_at" json:"fetched_at"`
	LastAccessedAt int64           `db:"last_accessed_at" json:"last_accessed_at"`
	AccessCount    int64           `db:"access_count" json:"access_count"`
	Stale          bool            `db:"stale" json:"stale"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "model_cache"
}

// FetchedAtTime returns FetchedAt as time.Time.
func (c *CacheEntry) FetchedAtTime() time.Time {
	return time.Unix(c.FetchedAt, 0)
}

// Expired reports whether the entry is older than ttl at now.
func (c *CacheEntry) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(c.FetchedAtTime()) > ttl
}
