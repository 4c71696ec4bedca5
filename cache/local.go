package cache

import (
	"sync"
	"time"
)

// Local is the process-local cache tier.
//
// Expiry is checked lazily on read and nothing is ever swept: expired
// entries stay in memory as stale-fallback material until overwritten or
// deleted. Growth is unbounded; process instances are short-lived.
type Local struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// LocalOption configures a Local cache
type LocalOption func(*Local)

// WithClock overrides the time source, for tests
func WithClock(now func() time.Time) LocalOption {
	return func(l *Local) { l.now = now }
}

// NewLocal creates an empty local cache
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Get returns the value for key, or false if absent or expired
func (l *Local) Get(key string) ([]byte, bool) {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if !ok || !e.Valid(l.now()) {
		return nil, false
	}
	return e.Body, true
}

// Peek returns the entry for key whether or not it has expired
func (l *Local) Peek(key string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[key]
	return e, ok
}

// Set upserts value under key
func (l *Local) Set(key string, value []byte, ttl time.Duration) {
	l.SetEntry(Entry{Key: key, Body: value, TTL: ttl})
}

// SetEntry upserts a full entry, stamping FetchedAt with the current time
func (l *Local) SetEntry(e Entry) {
	e.FetchedAt = l.now()
	l.mu.Lock()
	l.entries[e.Key] = e
	l.mu.Unlock()
}

// Delete removes key
func (l *Local) Delete(key string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// Len is the number of entries held, expired ones included
func (l *Local) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
