// Package dedupe collapses concurrent identical computations into one.
//
// A ticket exists per key while its computation is in flight. Callers that
// arrive during that window attach to the ticket instead of running the
// producer again, and every one of them receives the same result value or
// the same error value.
package dedupe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/briangreenhill/statcache/internal/errs"
	"github.com/briangreenhill/statcache/internal/metrics"
)

// DefaultMaxDuration bounds a producer run once it is detached from the
// caller that started it
const DefaultMaxDuration = time.Minute

// Ticket describes one in-flight computation
type Ticket struct {
	ID        uuid.UUID
	Key       string
	CreatedAt time.Time
}

// Producer computes the value for a key. ctx is detached from the caller
// that triggered the run and is only bounded by the deduplicator's limit.
type Producer func(ctx context.Context) (any, error)

type Deduplicator struct {
	group       singleflight.Group
	mu          sync.Mutex
	tickets     map[string]Ticket
	maxDuration time.Duration
	observer    Observer
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

type Option func(*Deduplicator)

func WithObserver(o Observer) Option {
	return func(d *Deduplicator) { d.observer = o }
}

// WithMaxDuration bounds each producer run. Zero disables the bound.
func WithMaxDuration(max time.Duration) Option {
	return func(d *Deduplicator) { d.maxDuration = max }
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Deduplicator) { d.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Deduplicator) { d.metrics = m }
}

func New(opts ...Option) *Deduplicator {
	d := &Deduplicator{
		tickets:     make(map[string]Ticket),
		maxDuration: DefaultMaxDuration,
		logger:      zerolog.Nop(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Do returns the result of fn for key, running fn only if no computation for
// key is in flight. Producer failures are wrapped once as a dedupe_producer
// error shared by all waiters.
//
// If ctx ends first, Do returns a timeout error for this caller only; the
// computation keeps running for the other waiters and is still written
// wherever fn writes it.
func (d *Deduplicator) Do(ctx context.Context, key string, fn Producer) (any, error) {
	led := false
	ch := d.group.DoChan(key, func() (any, error) {
		led = true
		return d.run(ctx, key, fn)
	})

	select {
	case res := <-ch:
		if !led {
			d.emit(EventShared, key, uuid.Nil)
		}
		return res.Val, res.Err
	case <-ctx.Done():
		d.logger.Debug().Str("key", key).Msg("waiter gave up on in-flight computation")
		return nil, errs.Timeout("dedupe", 0, fmt.Errorf("waiting for %q: %w", key, ctx.Err()))
	}
}

// run executes fn under a new ticket. The ticket is removed before the
// result is handed back to singleflight for delivery.
func (d *Deduplicator) run(ctx context.Context, key string, fn Producer) (v any, err error) {
	t := Ticket{ID: uuid.New(), Key: key, CreatedAt: d.now()}
	d.mu.Lock()
	d.tickets[key] = t
	d.mu.Unlock()
	d.emit(EventLeader, key, t.ID)

	defer func() {
		d.mu.Lock()
		delete(d.tickets, key)
		d.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("key", key).Interface("panic", r).Msg("dedupe producer panicked")
			v, err = nil, errs.Producer(key, fmt.Errorf("panic: %v", r))
		}
	}()

	pctx := context.WithoutCancel(ctx)
	if d.maxDuration > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(pctx, d.maxDuration)
		defer cancel()
	}

	v, err = fn(pctx)
	if err != nil {
		d.logger.Debug().Err(err).Str("key", key).Str("ticket", t.ID.String()).Msg("dedupe producer failed")
		return nil, errs.Producer(key, err)
	}
	return v, nil
}

// Pending returns the ticket in flight for key, if any
func (d *Deduplicator) Pending(key string) (Ticket, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tickets[key]
	return t, ok
}

// InFlight is the number of tickets currently held
func (d *Deduplicator) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tickets)
}

func (d *Deduplicator) emit(ev Event, key string, id uuid.UUID) {
	d.metrics.Dedupe(ev.String())
	if d.observer != nil {
		d.observer.On(EventData{Event: ev, Key: key, TicketID: id})
	}
}

// Dedupe is the typed form of Do. Every caller for a key must use the same T.
func Dedupe[T any](ctx context.Context, d *Deduplicator, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := d.Do(ctx, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("dedupe %q: result is %T, not %T", key, v, zero)
	}
	return t, nil
}
