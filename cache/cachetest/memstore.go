// Package cachetest provides an in-memory cache.Store with injectable latency
// and failures for tests of the shared cache and its callers.
package cachetest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/briangreenhill/statcache/cache"
)

type MemoryStore struct {
	name    string
	mu      sync.Mutex
	entries map[string]cache.Entry
	delay   atomic.Int64
	fail    atomic.Pointer[error]
	gets    atomic.Int32
	sets    atomic.Int32
}

func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{name: name, entries: make(map[string]cache.Entry)}
}

func (m *MemoryStore) Name() string { return m.name }

// SetDelay makes every operation take d, ignoring context cancellation
func (m *MemoryStore) SetDelay(d time.Duration) { m.delay.Store(int64(d)) }

// SetError makes every operation fail with err; nil restores normal behavior
func (m *MemoryStore) SetError(err error) {
	if err == nil {
		m.fail.Store(nil)
		return
	}
	m.fail.Store(&err)
}

func (m *MemoryStore) Gets() int { return int(m.gets.Load()) }
func (m *MemoryStore) Sets() int { return int(m.sets.Load()) }

// Put seeds an entry directly, bypassing delay and failure injection
func (m *MemoryStore) Put(e cache.Entry) {
	m.mu.Lock()
	m.entries[e.Key] = e
	m.mu.Unlock()
}

// Peek reads an entry directly
func (m *MemoryStore) Peek(key string) (cache.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok
}

func (m *MemoryStore) wait() error {
	if d := time.Duration(m.delay.Load()); d > 0 {
		time.Sleep(d)
	}
	if p := m.fail.Load(); p != nil {
		return *p
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*cache.Entry, error) {
	m.gets.Add(1)
	if err := m.wait(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, cache.ErrCacheNotFound
	}
	e.Body = append(json.RawMessage(nil), e.Body...)
	return &e, nil
}

func (m *MemoryStore) Set(_ context.Context, e *cache.Entry, _ time.Duration) error {
	m.sets.Add(1)
	if err := m.wait(); err != nil {
		return err
	}
	m.mu.Lock()
	m.entries[e.Key] = *e
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	if err := m.wait(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}
