// Package shared is the client for the durable cross-instance cache.
//
// The store is reachable through two independent access paths (typically a
// Redis round trip and a SQL driver call). Each path has its own timeout
// budget; a path that errors or runs out of time is treated as a miss, never
// as a failure of the caller.
package shared

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/briangreenhill/statcache/cache"
	"github.com/briangreenhill/statcache/internal/errs"
	"github.com/briangreenhill/statcache/internal/metrics"
)

const (
	DefaultPathATimeout = 150 * time.Millisecond
	DefaultPathBTimeout = 400 * time.Millisecond
	DefaultStaleGrace   = 24 * time.Hour
)

// Timeouts are the per-path budgets for one operation. Zero values fall back
// to the client defaults.
type Timeouts struct {
	PathA time.Duration
	PathB time.Duration
}

// Client reads and writes the shared cache through up to two paths
type Client struct {
	pathA      cache.Store
	pathB      cache.Store
	timeouts   Timeouts
	staleGrace time.Duration
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

type Option func(*Client)

func WithTimeouts(t Timeouts) Option {
	return func(c *Client) {
		if t.PathA > 0 {
			c.timeouts.PathA = t.PathA
		}
		if t.PathB > 0 {
			c.timeouts.PathB = t.PathB
		}
	}
}

// WithStaleGrace sets how long entries are retained past their TTL so they
// can serve as stale fallbacks
func WithStaleGrace(d time.Duration) Option {
	return func(c *Client) { c.staleGrace = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a client. Either path may be nil; with both nil every read is
// a miss and every write a no-op.
func New(pathA, pathB cache.Store, opts ...Option) *Client {
	c := &Client{
		pathA:      pathA,
		pathB:      pathB,
		timeouts:   Timeouts{PathA: DefaultPathATimeout, PathB: DefaultPathBTimeout},
		staleGrace: DefaultStaleGrace,
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type path struct {
	store   cache.Store
	timeout time.Duration
}

func (c *Client) paths(t Timeouts) []path {
	ps := make([]path, 0, 2)
	if c.pathA != nil {
		d := t.PathA
		if d <= 0 {
			d = c.timeouts.PathA
		}
		ps = append(ps, path{store: c.pathA, timeout: d})
	}
	if c.pathB != nil {
		d := t.PathB
		if d <= 0 {
			d = c.timeouts.PathB
		}
		ps = append(ps, path{store: c.pathB, timeout: d})
	}
	return ps
}

// Get returns the fresh value for key, or false on miss, expiry or when no
// path answered in time
func (c *Client) Get(ctx context.Context, key string, t Timeouts) ([]byte, bool) {
	e, ok := c.Lookup(ctx, key, t)
	if !ok || !e.Valid(c.now()) {
		return nil, false
	}
	return e.Body, true
}

// Lookup returns the entry for key. A fresh entry from either path wins;
// otherwise an expired entry still held by a path is returned so callers can
// use it as a stale fallback.
func (c *Client) Lookup(ctx context.Context, key string, t Timeouts) (*cache.Entry, bool) {
	var stale *cache.Entry
	for _, p := range c.paths(t) {
		var e *cache.Entry
		err := c.bounded(ctx, p.timeout, func(ctx context.Context) error {
			var err error
			e, err = p.store.Get(ctx, key)
			return err
		})
		if err != nil {
			if !errors.Is(err, cache.ErrCacheNotFound) {
				c.pathFailed(p.store.Name(), "get", key, err)
			}
			continue
		}
		if e.Valid(c.now()) {
			return e, true
		}
		if stale == nil {
			stale = e
		}
	}
	return stale, stale != nil
}

// Set upserts value on every path concurrently. The returned error only
// reports paths that failed; the value may still be visible through the
// others.
func (c *Client) Set(ctx context.Context, key, category string, value []byte, ttl time.Duration) error {
	e := &cache.Entry{
		Key:       key,
		Category:  category,
		FetchedAt: c.now(),
		TTL:       ttl,
		Body:      value,
	}
	retain := ttl + c.staleGrace
	return c.each(ctx, "set", key, func(ctx context.Context, s cache.Store) error {
		return s.Set(ctx, e, retain)
	})
}

// Delete removes key from every path
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.each(ctx, "delete", key, func(ctx context.Context, s cache.Store) error {
		err := s.Delete(ctx, key)
		if errors.Is(err, cache.ErrCacheNotFound) {
			return nil
		}
		return err
	})
}

// Purge removes entries past retention from every path that keeps them
// until told otherwise. Paths with native expiry are skipped.
func (c *Client) Purge(ctx context.Context) (int64, error) {
	var (
		total   int64
		errList []error
	)
	for _, p := range c.paths(Timeouts{}) {
		pr, ok := p.store.(cache.Purger)
		if !ok {
			continue
		}
		n, err := pr.Purge(ctx)
		if err != nil {
			c.metrics.PathError(p.store.Name(), "purge")
			errList = append(errList, errs.CacheUnavailable("shared.purge", p.store.Name(), err))
			continue
		}
		c.metrics.Purged(p.store.Name(), n)
		c.logger.Debug().Str("path", p.store.Name()).Int64("purged", n).Msg("purged expired entries")
		total += n
	}
	return total, errors.Join(errList...)
}

func (c *Client) each(ctx context.Context, op, key string, fn func(context.Context, cache.Store) error) error {
	var g errgroup.Group
	for _, p := range c.paths(Timeouts{}) {
		g.Go(func() error {
			err := c.bounded(ctx, p.timeout, func(ctx context.Context) error {
				return fn(ctx, p.store)
			})
			if err != nil {
				c.pathFailed(p.store.Name(), op, key, err)
				return errs.CacheUnavailable("shared."+op, p.store.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// bounded runs fn with a deadline and returns as soon as the deadline
// passes, even if the backend ignores context cancellation
func (c *Client) bounded(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) pathFailed(name, op, key string, err error) {
	c.metrics.PathError(name, op)
	c.logger.Warn().Err(err).Str("path", name).Str("op", op).Str("key", key).Msg("shared cache path degraded to miss")
}
