package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLocal() (*Local, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewLocal(WithClock(clock.Now)), clock
}

func TestLocalRoundTrip(t *testing.T) {
	l, _ := newTestLocal()

	l.Set("nba_player_2544", []byte(`{"pts":27.1}`), time.Minute)

	got, ok := l.Get("nba_player_2544")
	require.True(t, ok)
	assert.JSONEq(t, `{"pts":27.1}`, string(got))
}

func TestLocalExpiry(t *testing.T) {
	l, clock := newTestLocal()
	l.Set("k", []byte(`1`), time.Minute)

	clock.Advance(59 * time.Second)
	_, ok := l.Get("k")
	assert.True(t, ok, "entry should be valid before ttl")

	clock.Advance(time.Second)
	_, ok = l.Get("k")
	assert.False(t, ok, "entry should be a miss once ttl has elapsed")
}

func TestLocalPeekReturnsExpired(t *testing.T) {
	l, clock := newTestLocal()
	l.Set("k", []byte(`"stale"`), time.Second)
	clock.Advance(time.Hour)

	_, ok := l.Get("k")
	assert.False(t, ok)

	e, ok := l.Peek("k")
	require.True(t, ok, "expired entries are never swept")
	assert.Equal(t, `"stale"`, string(e.Body))
	assert.False(t, e.Valid(clock.Now()))
	assert.Equal(t, 1, l.Len())
}

func TestLocalSetOverwritesAndDelete(t *testing.T) {
	l, _ := newTestLocal()
	l.Set("k", []byte(`1`), time.Minute)
	l.Set("k", []byte(`2`), time.Minute)

	got, ok := l.Get("k")
	require.True(t, ok)
	assert.Equal(t, "2", string(got))

	l.Delete("k")
	_, ok = l.Get("k")
	assert.False(t, ok)
	_, ok = l.Peek("k")
	assert.False(t, ok)
}

func TestLocalMissOnAbsentKey(t *testing.T) {
	l, _ := newTestLocal()
	_, ok := l.Get("missing")
	assert.False(t, ok)
}

func TestLocalConcurrentAccess(t *testing.T) {
	l := NewLocal()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			l.Set("k", []byte(`1`), time.Minute)
		}()
		go func() {
			defer wg.Done()
			l.Get("k")
		}()
	}
	wg.Wait()

	_, ok := l.Get("k")
	assert.True(t, ok)
}
