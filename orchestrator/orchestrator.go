// Package orchestrator implements the read-through/write-through policy in
// front of every provider call: shared cache, then local cache, then one
// deduplicated producer run whose result is written to both tiers.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/briangreenhill/statcache/cache"
	"github.com/briangreenhill/statcache/cache/shared"
	"github.com/briangreenhill/statcache/dedupe"
	"github.com/briangreenhill/statcache/internal/jobs"
	"github.com/briangreenhill/statcache/internal/metrics"
	"github.com/briangreenhill/statcache/internal/warm"
)

const tracerName = "github.com/briangreenhill/statcache/orchestrator"

// Provenance tells the caller where a value came from
type Provenance string

const (
	HitShared   Provenance = "HIT-SHARED"
	HitLocal    Provenance = "HIT-LOCAL"
	Miss        Provenance = "MISS"
	HitFallback Provenance = "HIT-FALLBACK"
)

// DedupeKey is the deduplicator key for a cache key
func DedupeKey(key string) string { return "dedupe:" + key }

type Orchestrator struct {
	local    *cache.Local
	shared   *shared.Client
	dedupe   *dedupe.Deduplicator
	warm     warm.Queue
	timeouts shared.Timeouts
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time
	merges   keyLocks
}

type Option func(*Orchestrator)

// WithSharedTimeouts sets the default per-path budgets for shared reads
func WithSharedTimeouts(t shared.Timeouts) Option {
	return func(o *Orchestrator) { o.timeouts = t }
}

func WithWarmQueue(q warm.Queue) Option {
	return func(o *Orchestrator) { o.warm = q }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer(tracerName) }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New wires the tiers together. Nil arguments get empty defaults: a fresh
// local cache, a shared client with no paths, a new deduplicator.
func New(local *cache.Local, sc *shared.Client, dd *dedupe.Deduplicator, opts ...Option) *Orchestrator {
	if local == nil {
		local = cache.NewLocal()
	}
	if sc == nil {
		sc = shared.New(nil, nil)
	}
	if dd == nil {
		dd = dedupe.New()
	}
	o := &Orchestrator{
		local:  local,
		shared: sc,
		dedupe: dd,
		warm:   warm.Discard{},
		logger: zerolog.Nop(),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type callOptions struct {
	bypass   bool
	timeouts shared.Timeouts
}

type CallOption func(*callOptions)

// WithBypass skips both cache tiers on read and always runs the producer.
// The result is still written through.
func WithBypass(bypass bool) CallOption {
	return func(c *callOptions) { c.bypass = bypass }
}

// WithPathTimeouts overrides the shared cache budgets for one call
func WithPathTimeouts(t shared.Timeouts) CallOption {
	return func(c *callOptions) { c.timeouts = t }
}

func (o *Orchestrator) resolve(opts []CallOption) callOptions {
	co := callOptions{timeouts: o.timeouts}
	for _, opt := range opts {
		opt(&co)
	}
	return co
}

// Invalidate removes key from both tiers. A shared path that could not be
// reached is reported but the local tier is always cleared.
func (o *Orchestrator) Invalidate(ctx context.Context, key string) error {
	o.local.Delete(key)
	if err := o.shared.Delete(ctx, key); err != nil {
		o.logger.Warn().Err(err).Str("key", key).Msg("shared invalidate incomplete")
		return err
	}
	o.logger.Debug().Str("key", key).Msg("invalidated")
	return nil
}

// Prefetch asks the warm queue to populate a cache entry in the background.
// The task may be dropped.
func (o *Orchestrator) Prefetch(ctx context.Context, p jobs.WarmCachePayload) error {
	return o.warm.Enqueue(ctx, p)
}

// Snapshot is what each tier currently holds for a key, expired entries
// included
type Snapshot struct {
	Key    string       `json:"key"`
	Local  *EntryState  `json:"local,omitempty"`
	Shared *EntryState  `json:"shared,omitempty"`
	Ticket *TicketState `json:"ticket,omitempty"`
}

type EntryState struct {
	Category  string    `json:"category,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Valid     bool      `json:"valid"`
	Size      int       `json:"size"`
}

type TicketState struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Inspect reports the state of key in both tiers and the deduplicator
func (o *Orchestrator) Inspect(ctx context.Context, key string) Snapshot {
	s := Snapshot{Key: key}
	now := o.now()
	if e, ok := o.local.Peek(key); ok {
		s.Local = entryState(&e, now)
	}
	if e, ok := o.shared.Lookup(ctx, key, o.timeouts); ok {
		s.Shared = entryState(e, now)
	}
	if t, ok := o.dedupe.Pending(DedupeKey(key)); ok {
		s.Ticket = &TicketState{ID: t.ID.String(), CreatedAt: t.CreatedAt}
	}
	return s
}

func entryState(e *cache.Entry, now time.Time) *EntryState {
	return &EntryState{
		Category:  e.Category,
		FetchedAt: e.FetchedAt,
		ExpiresAt: e.ExpiresAt(),
		Valid:     e.Valid(now),
		Size:      len(e.Body),
	}
}

// read returns the freshest valid body for key and its provenance. Bodies
// rejected by decode are evicted from both tiers. stale is an expired shared
// entry seen on the way, if any.
func (o *Orchestrator) read(ctx context.Context, key string, co callOptions, decode func([]byte) error) (prov Provenance, stale *cache.Entry, ok bool) {
	if e, found := o.shared.Lookup(ctx, key, co.timeouts); found {
		if !e.Valid(o.now()) {
			stale = e
		} else if err := decode(e.Body); err != nil {
			o.evict(ctx, key, "shared", err)
		} else {
			return HitShared, nil, true
		}
	}
	if body, found := o.local.Get(key); found {
		if err := decode(body); err != nil {
			o.evict(ctx, key, "local", err)
		} else {
			return HitLocal, stale, true
		}
	}
	return "", stale, false
}

// fallback finds the newest expired entry for key in either tier
func (o *Orchestrator) fallback(ctx context.Context, key string, co callOptions, seen *cache.Entry, looked bool) *cache.Entry {
	best := seen
	if !looked {
		if e, ok := o.shared.Lookup(ctx, key, co.timeouts); ok {
			best = e
		}
	}
	if e, ok := o.local.Peek(key); ok && (best == nil || e.FetchedAt.After(best.FetchedAt)) {
		best = &e
	}
	return best
}

func (o *Orchestrator) evict(ctx context.Context, key, tier string, cause error) {
	o.logger.Warn().Err(cause).Str("key", key).Str("tier", tier).Msg("corrupt cache entry, evicting")
	o.local.Delete(key)
	if err := o.shared.Delete(ctx, key); err != nil {
		o.logger.Warn().Err(err).Str("key", key).Msg("evicting corrupt entry from shared cache")
	}
}

// writeThrough stores body in both tiers. Failures are logged; the value is
// still returned to callers.
func (o *Orchestrator) writeThrough(ctx context.Context, key, category string, v any, ttl time.Duration) {
	body, err := json.Marshal(v)
	if err != nil {
		o.metrics.Write("local", "error", category)
		o.logger.Error().Err(err).Str("key", key).Msg("encode value for cache")
		return
	}
	o.local.SetEntry(cache.Entry{Key: key, Category: category, TTL: ttl, Body: body})
	o.metrics.Write("local", "ok", category)

	if err := o.shared.Set(ctx, key, category, body, ttl); err != nil {
		o.metrics.Write("shared", "error", category)
		o.logger.Warn().Err(err).Str("key", key).Str("category", category).Msg("shared write-through incomplete")
		return
	}
	o.metrics.Write("shared", "ok", category)
}

func (o *Orchestrator) record(ctx context.Context, key, category string, prov Provenance) {
	o.metrics.Lookup(string(prov), category)
	o.logger.Debug().Str("key", key).Str("category", category).Str("provenance", string(prov)).Msg("cache lookup")
	trace.SpanFromContext(ctx).AddEvent(string(prov))
}
