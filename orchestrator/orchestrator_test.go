package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/statcache/cache"
	"github.com/briangreenhill/statcache/cache/cachetest"
	"github.com/briangreenhill/statcache/cache/shared"
	"github.com/briangreenhill/statcache/dedupe"
	"github.com/briangreenhill/statcache/internal/errs"
	"github.com/briangreenhill/statcache/internal/jobs"
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

type testEnv struct {
	o     *Orchestrator
	local *cache.Local
	a, b  *cachetest.MemoryStore
	clock *fakeClock
}

func setupTestOrchestrator(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	clk := &fakeClock{now: time.Date(2024, 11, 5, 19, 30, 0, 0, time.UTC)}
	local := cache.NewLocal(cache.WithClock(clk.Now))
	a := cachetest.NewMemoryStore("redis")
	b := cachetest.NewMemoryStore("postgres")
	sc := shared.New(a, b, shared.WithClock(clk.Now))
	o := New(local, sc, dedupe.New(), append([]Option{WithClock(clk.Now)}, opts...)...)
	return &testEnv{o: o, local: local, a: a, b: b, clock: clk}
}

// seedShared stores v in path A as if written age ago
func (e *testEnv) seedShared(t *testing.T, key string, v any, ttl, age time.Duration) {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	e.a.Put(cache.Entry{Key: key, Category: "test", FetchedAt: e.clock.Now().Add(-age), TTL: ttl, Body: body})
}

func (e *testEnv) seedLocal(t *testing.T, key string, v any, ttl time.Duration) {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	e.local.Set(key, body, ttl)
}

type playerLine struct {
	Source string  `json:"source"`
	Pts    float64 `json:"pts"`
}

func constProducer(calls *atomic.Int32, v playerLine) func(context.Context) (playerLine, error) {
	return func(context.Context) (playerLine, error) {
		calls.Add(1)
		return v, nil
	}
}

func failingProducer(calls *atomic.Int32, err error) func(context.Context) (playerLine, error) {
	return func(context.Context) (playerLine, error) {
		calls.Add(1)
		return playerLine{}, err
	}
}

func TestMissWritesThroughBothTiers(t *testing.T) {
	env := setupTestOrchestrator(t)
	ctx := context.Background()
	var calls atomic.Int32

	v, prov, err := FetchOrCompute(ctx, env.o, "nba_player_2544", "player", time.Minute, constProducer(&calls, playerLine{Source: "upstream", Pts: 27.1}))
	require.NoError(t, err)
	assert.Equal(t, Miss, prov)
	assert.Equal(t, playerLine{Source: "upstream", Pts: 27.1}, v)

	body, ok := env.local.Get("nba_player_2544")
	require.True(t, ok)
	assert.JSONEq(t, `{"source":"upstream","pts":27.1}`, string(body))
	for _, s := range []*cachetest.MemoryStore{env.a, env.b} {
		e, ok := s.Peek("nba_player_2544")
		require.True(t, ok, s.Name())
		assert.Equal(t, "player", e.Category)
		assert.Equal(t, time.Minute, e.TTL)
	}

	v, prov, err = FetchOrCompute(ctx, env.o, "nba_player_2544", "player", time.Minute, constProducer(&calls, playerLine{Source: "again"}))
	require.NoError(t, err)
	assert.Equal(t, HitShared, prov)
	assert.Equal(t, "upstream", v.Source)
	assert.EqualValues(t, 1, calls.Load())
}

func TestSharedBeatsLocal(t *testing.T) {
	env := setupTestOrchestrator(t)
	env.seedShared(t, "k", playerLine{Source: "shared"}, time.Minute, 0)
	env.seedLocal(t, "k", playerLine{Source: "local"}, time.Minute)
	var calls atomic.Int32

	v, prov, err := FetchOrCompute(context.Background(), env.o, "k", "player", time.Minute, constProducer(&calls, playerLine{Source: "upstream"}))
	require.NoError(t, err)
	assert.Equal(t, HitShared, prov)
	assert.Equal(t, "shared", v.Source)
	assert.Zero(t, calls.Load())
}

func TestLocalHitWhenSharedMisses(t *testing.T) {
	env := setupTestOrchestrator(t)
	env.seedLocal(t, "k", playerLine{Source: "local"}, time.Minute)
	var calls atomic.Int32

	v, prov, err := FetchOrCompute(context.Background(), env.o, "k", "player", time.Minute, constProducer(&calls, playerLine{Source: "upstream"}))
	require.NoError(t, err)
	assert.Equal(t, HitLocal, prov)
	assert.Equal(t, "local", v.Source)
	assert.Zero(t, calls.Load())
}

func TestLocalUsedWhenSharedEntryExpired(t *testing.T) {
	env := setupTestOrchestrator(t)
	env.seedShared(t, "k", playerLine{Source: "shared"}, time.Minute, 2*time.Minute)
	env.seedLocal(t, "k", playerLine{Source: "local"}, time.Minute)
	var calls atomic.Int32

	v, prov, err := FetchOrCompute(context.Background(), env.o, "k", "player", time.Minute, constProducer(&calls, playerLine{}))
	require.NoError(t, err)
	assert.Equal(t, HitLocal, prov)
	assert.Equal(t, "local", v.Source)
}

func TestBypassAlwaysRunsProducer(t *testing.T) {
	env := setupTestOrchestrator(t)
	env.seedShared(t, "k", playerLine{Source: "shared"}, time.Minute, 0)
	env.seedLocal(t, "k", playerLine{Source: "local"}, time.Minute)
	var calls atomic.Int32

	v, prov, err := FetchOrCompute(context.Background(), env.o, "k", "player", time.Minute, constProducer(&calls, playerLine{Source: "upstream"}), WithBypass(true))
	require.NoError(t, err)
	assert.Equal(t, Miss, prov)
	assert.Equal(t, "upstream", v.Source)
	assert.EqualValues(t, 1, calls.Load())

	v, prov, err = FetchOrCompute(context.Background(), env.o, "k", "player", time.Minute, constProducer(&calls, playerLine{}))
	require.NoError(t, err)
	assert.Equal(t, HitShared, prov)
	assert.Equal(t, "upstream", v.Source, "bypass result was written through")
}

func TestTransientFailureServesStaleShared(t *testing.T) {
	env := setupTestOrchestrator(t)
	env.seedShared(t, "k", playerLine{Source: "stale"}, time.Minute, 5*time.Minute)
	var calls atomic.Int32

	v, prov, err := FetchOrCompute(context.Background(), env.o, "k", "player", time.Minute, failingProducer(&calls, errs.Transient("fetch", 503, 3, "GET: 503")))
	require.NoError(t, err)
	assert.Equal(t, HitFallback, prov)
	assert.Equal(t, "stale", v.Source)
	assert.EqualValues(t, 1, calls.Load())
}

func TestTransientFailureServesStaleLocal(t *testing.T) {
	env := setupTestOrchestrator(t)
	env.seedLocal(t, "k", playerLine{Source: "stale-local"}, time.Minute)
	env.clock.Advance(2 * time.Minute)
	var calls atomic.Int32

	v, prov, err := FetchOrCompute(context.Background(), env.o, "k", "player", time.Minute, failingProducer(&calls, errs.Timeout("fetch", 3, context.DeadlineExceeded)))
	require.NoError(t, err)
	assert.Equal(t, HitFallback, prov)
	assert.Equal(t, "stale-local", v.Source)
}

func TestFallbackPrefersNewestStaleEntry(t *testing.T) {
	env := setupTestOrchestrator(t)
	env.seedShared(t, "k", playerLine{Source: "older"}, time.Minute, 10*time.Minute)
	env.seedLocal(t, "k", playerLine{Source: "newer"}, time.Minute)
	env.clock.Advance(2 * time.Minute)
	var calls atomic.Int32

	v, prov, err := FetchOrCompute(context.Background(), env.o, "k", "player", time.Minute, failingProducer(&calls, errs.Network("fetch", 3, errors.New("refused"))))
	require.NoError(t, err)
	assert.Equal(t, HitFallback, prov)
	assert.Equal(t, "newer", v.Source)
}

func TestBypassStillFallsBackOnTransientFailure(t *testing.T) {
	env := setupTestOrchestrator(t)
	env.seedShared(t, "k", playerLine{Source: "stale"}, time.Minute, 5*time.Minute)
	var calls atomic.Int32

	v, prov, err := FetchOrCompute(context.Background(), env.o, "k", "player", time.Minute, failingProducer(&calls, errs.Transient("fetch", 502, 3, "GET: 502")), WithBypass(true))
	require.NoError(t, err)
	assert.Equal(t, HitFallback, prov)
	assert.Equal(t, "stale", v.Source)
}

func TestPermanentFailureIsNeverMasked(t *testing.T) {
	env := setupTestOrchestrator(t)
	env.seedShared(t, "k", playerLine{Source: "stale"}, time.Minute, 5*time.Minute)
	var calls atomic.Int32

	_, prov, err := FetchOrCompute(context.Background(), env.o, "k", "player", time.Minute, failingProducer(&calls, errs.Permanent("fetch", 404, "GET: 404")))
	require.Error(t, err)
	assert.Empty(t, prov)
	assert.Equal(t, errs.KindPermanent, errs.KindOf(err))

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindProducer, e.Kind)
}

func TestTransientFailureWithoutStalePropagates(t *testing.T) {
	env := setupTestOrchestrator(t)
	var calls atomic.Int32

	_, _, err := FetchOrCompute(context.Background(), env.o, "k", "player", time.Minute, failingProducer(&calls, errs.Transient("fetch", 503, 3, "GET: 503")))
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
	_, ok := env.local.Peek("k")
	assert.False(t, ok, "failures are not cached")
}

func TestCorruptEntryIsEvicted(t *testing.T) {
	env := setupTestOrchestrator(t)
	env.a.Put(cache.Entry{Key: "k", FetchedAt: env.clock.Now(), TTL: time.Minute, Body: []byte(`["not","a","line"]`)})
	var calls atomic.Int32

	v, prov, err := FetchOrCompute(context.Background(), env.o, "k", "player", time.Minute, constProducer(&calls, playerLine{Source: "upstream"}))
	require.NoError(t, err)
	assert.Equal(t, Miss, prov)
	assert.Equal(t, "upstream", v.Source)

	e, ok := env.a.Peek("k")
	require.True(t, ok)
	assert.JSONEq(t, `{"source":"upstream","pts":0}`, string(e.Body))
}

func TestConcurrentMissesRunProducerOnce(t *testing.T) {
	env := setupTestOrchestrator(t)
	var calls atomic.Int32
	producer := func(context.Context) (playerLine, error) {
		calls.Add(1)
		time.Sleep(200 * time.Millisecond)
		return playerLine{Source: "upstream", Pts: 12}, nil
	}

	const n = 10
	var wg sync.WaitGroup
	provs := make([]Provenance, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, prov, err := FetchOrCompute(context.Background(), env.o, "nba_playtype_123", "playtype", time.Minute, producer)
			assert.NoError(t, err)
			assert.Equal(t, "upstream", v.Source)
			provs[i] = prov
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, p := range provs {
		assert.Contains(t, []Provenance{Miss, HitShared}, p)
	}
}

func TestSharedOutageDegradesToLocal(t *testing.T) {
	env := setupTestOrchestrator(t)
	env.a.SetError(errors.New("connection refused"))
	env.b.SetError(errors.New("connection refused"))
	var calls atomic.Int32

	_, prov, err := FetchOrCompute(context.Background(), env.o, "k", "player", time.Minute, constProducer(&calls, playerLine{Source: "upstream"}))
	require.NoError(t, err)
	assert.Equal(t, Miss, prov)

	v, prov, err := FetchOrCompute(context.Background(), env.o, "k", "player", time.Minute, constProducer(&calls, playerLine{}))
	require.NoError(t, err)
	assert.Equal(t, HitLocal, prov)
	assert.Equal(t, "upstream", v.Source)
	assert.EqualValues(t, 1, calls.Load())
}

func TestSlowPathIsBounded(t *testing.T) {
	env := setupTestOrchestrator(t, WithSharedTimeouts(shared.Timeouts{PathA: 20 * time.Millisecond, PathB: 200 * time.Millisecond}))
	body, _ := json.Marshal(playerLine{Source: "path-b"})
	env.b.Put(cache.Entry{Key: "k", FetchedAt: env.clock.Now(), TTL: time.Minute, Body: body})
	env.a.SetDelay(time.Second)
	var calls atomic.Int32

	start := time.Now()
	v, prov, err := FetchOrCompute(context.Background(), env.o, "k", "player", time.Minute, constProducer(&calls, playerLine{}))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, HitShared, prov)
	assert.Equal(t, "path-b", v.Source)
}

func TestInvalidate(t *testing.T) {
	env := setupTestOrchestrator(t)
	ctx := context.Background()
	var calls atomic.Int32

	_, _, err := FetchOrCompute(ctx, env.o, "k", "player", time.Minute, constProducer(&calls, playerLine{Source: "v1"}))
	require.NoError(t, err)
	require.NoError(t, env.o.Invalidate(ctx, "k"))

	_, ok := env.local.Peek("k")
	assert.False(t, ok)
	_, ok = env.a.Peek("k")
	assert.False(t, ok)

	_, prov, err := FetchOrCompute(ctx, env.o, "k", "player", time.Minute, constProducer(&calls, playerLine{Source: "v2"}))
	require.NoError(t, err)
	assert.Equal(t, Miss, prov)
	assert.EqualValues(t, 2, calls.Load())
}

func TestInspect(t *testing.T) {
	env := setupTestOrchestrator(t)
	ctx := context.Background()
	var calls atomic.Int32

	_, _, err := FetchOrCompute(ctx, env.o, "k", "player", time.Minute, constProducer(&calls, playerLine{Source: "v1"}))
	require.NoError(t, err)
	env.clock.Advance(2 * time.Minute)

	s := env.o.Inspect(ctx, "k")
	require.NotNil(t, s.Local)
	require.NotNil(t, s.Shared)
	assert.False(t, s.Local.Valid)
	assert.Equal(t, "player", s.Shared.Category)
	assert.Nil(t, s.Ticket)
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []jobs.WarmCachePayload
}

func (q *recordingQueue) Enqueue(_ context.Context, p jobs.WarmCachePayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, p)
	return nil
}

func TestPrefetch(t *testing.T) {
	q := &recordingQueue{}
	env := setupTestOrchestrator(t, WithWarmQueue(q))

	p := jobs.WarmCachePayload{Source: "nba", Entity: "player", Params: map[string]string{"id": "2544"}}
	require.NoError(t, env.o.Prefetch(context.Background(), p))
	assert.Equal(t, []jobs.WarmCachePayload{p}, q.tasks)

	// without a queue prefetch is a silent no-op
	assert.NoError(t, New(nil, nil, nil).Prefetch(context.Background(), p))
}
