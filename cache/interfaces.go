// Package cache provides the cache entry model, the cache key convention and
// the process-local cache tier. Shared (cross-instance) storage lives in the
// shared subpackage and its store implementations.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrCacheNotFound is returned by stores when a key is absent
	ErrCacheNotFound = errors.New("cache entry not found")
)

// Entry represents a cached payload with its metadata
type Entry struct {
	Key       string          `json:"key"`
	Category  string          `json:"category,omitempty"`
	FetchedAt time.Time       `json:"fetched_at"`
	TTL       time.Duration   `json:"ttl"`
	Body      json.RawMessage `json:"body"`
}

// ExpiresAt is the instant the entry stops being valid
func (e *Entry) ExpiresAt() time.Time {
	return e.FetchedAt.Add(e.TTL)
}

// Valid reports whether the entry is still fresh at now
func (e *Entry) Valid(now time.Time) bool {
	return now.Before(e.ExpiresAt())
}

// Reader defines the interface for reading cache entries
type Reader interface {
	// Get returns the entry for key, including expired entries that are
	// still physically present. ErrCacheNotFound means absent.
	Get(ctx context.Context, key string) (*Entry, error)
}

// Writer defines the interface for writing cache entries
type Writer interface {
	// Set upserts the entry. retain is how long the backend keeps it
	// physically, which may exceed the entry's TTL.
	Set(ctx context.Context, entry *Entry, retain time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Purger is implemented by stores that keep entries past retention until
// they are removed explicitly
type Purger interface {
	// Purge deletes every entry whose retention has passed and reports how
	// many were removed
	Purge(ctx context.Context) (int64, error)
}

// Store is one access path to the shared cache
type Store interface {
	Reader
	Writer
	// Name identifies the path in logs and metrics, e.g. "redis"
	Name() string
}
