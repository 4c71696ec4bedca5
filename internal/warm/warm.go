// Package warm runs best-effort background cache warming.
//
// Warm tasks are hints: a queue may drop a task when it is full, closed or
// already holds an identical task, and callers are never told. A dropped
// task only means the next user request pays for the fetch itself.
package warm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/statcache/internal/errs"
	"github.com/briangreenhill/statcache/internal/jobs"
	"github.com/briangreenhill/statcache/internal/metrics"
)

const (
	DefaultQueueSize   = 256
	DefaultWorkers     = 2
	DefaultTaskTimeout = time.Minute
	DefaultUniqueFor   = 30 * time.Second
)

// Queue accepts warm tasks. Enqueue only fails for malformed tasks.
type Queue interface {
	Enqueue(ctx context.Context, p jobs.WarmCachePayload) error
}

// Handler performs one warm task
type Handler func(ctx context.Context, p jobs.WarmCachePayload) error

// Discard drops every task
type Discard struct{}

func (Discard) Enqueue(context.Context, jobs.WarmCachePayload) error { return nil }

// AsynqQueue hands tasks to an asynq server (cmd/worker)
type AsynqQueue struct {
	client    *asynq.Client
	uniqueFor time.Duration
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

func NewAsynqQueue(client *asynq.Client, logger zerolog.Logger, m *metrics.Metrics) *AsynqQueue {
	return &AsynqQueue{client: client, uniqueFor: DefaultUniqueFor, logger: logger, metrics: m}
}

func (q *AsynqQueue) Enqueue(ctx context.Context, p jobs.WarmCachePayload) error {
	task, err := jobs.NewWarmCacheTask(p, q.uniqueFor)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, task)
	switch {
	case errors.Is(err, asynq.ErrDuplicateTask):
		q.metrics.Warm("duplicate")
		return nil
	case err != nil:
		q.metrics.Warm("dropped")
		q.logger.Debug().Err(err).Str("source", p.Source).Str("entity", p.Entity).Msg("warm task dropped")
		return nil
	}
	q.metrics.Warm("queued")
	q.logger.Debug().Str("task_id", info.ID).Str("source", p.Source).Str("entity", p.Entity).Msg("warm task queued")
	return nil
}

// LocalQueue runs warm tasks in-process on a fixed pool of goroutines fed by
// a bounded channel
type LocalQueue struct {
	mu      sync.RWMutex
	closed  bool
	tasks   chan jobs.WarmCachePayload
	handler Handler
	timeout time.Duration
	wg      sync.WaitGroup
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type LocalOption func(*LocalQueue)

func WithTaskTimeout(d time.Duration) LocalOption {
	return func(q *LocalQueue) { q.timeout = d }
}

func WithLogger(l zerolog.Logger) LocalOption {
	return func(q *LocalQueue) { q.logger = l }
}

func WithMetrics(m *metrics.Metrics) LocalOption {
	return func(q *LocalQueue) { q.metrics = m }
}

// NewLocalQueue starts workers goroutines. Close stops them.
func NewLocalQueue(h Handler, size, workers int, opts ...LocalOption) *LocalQueue {
	if size < 1 {
		size = DefaultQueueSize
	}
	if workers < 1 {
		workers = DefaultWorkers
	}
	q := &LocalQueue{
		tasks:   make(chan jobs.WarmCachePayload, size),
		handler: h,
		timeout: DefaultTaskTimeout,
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(q)
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.work()
	}
	return q
}

func (q *LocalQueue) Enqueue(_ context.Context, p jobs.WarmCachePayload) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.metrics.Warm("dropped")
		return nil
	}
	select {
	case q.tasks <- p:
		q.metrics.Warm("queued")
	default:
		q.metrics.Warm("dropped")
		q.logger.Debug().Str("source", p.Source).Str("entity", p.Entity).Msg("warm queue full, task dropped")
	}
	return nil
}

// Close stops accepting tasks, lets queued ones finish and waits for the
// workers
func (q *LocalQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *LocalQueue) work() {
	defer q.wg.Done()
	for p := range q.tasks {
		q.run(p)
	}
}

func (q *LocalQueue) run(p jobs.WarmCachePayload) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			q.metrics.Warm("failed")
			q.logger.Error().Interface("panic", r).Str("source", p.Source).Str("entity", p.Entity).Msg("warm task panicked")
		}
	}()

	start := time.Now()
	if err := q.handler(ctx, p); err != nil {
		q.metrics.Warm("failed")
		q.logger.Warn().Err(err).Str("source", p.Source).Str("entity", p.Entity).Dur("duration", time.Since(start)).Msg("warm task failed")
		return
	}
	q.metrics.Warm("ok")
	q.logger.Debug().Str("source", p.Source).Str("entity", p.Entity).Dur("duration", time.Since(start)).Msg("warm task done")
}

// HandleTask adapts h to an asynq handler. Transient failures are returned
// for asynq to retry; anything else skips retries.
func HandleTask(h Handler, logger zerolog.Logger, m *metrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		p, err := jobs.ParseWarmCache(t.Payload())
		if err != nil {
			m.Warm("failed")
			logger.Error().Err(err).Msg("bad warm payload")
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}

		start := time.Now()
		err = h(ctx, p)
		duration := time.Since(start)
		if err == nil {
			m.Warm("ok")
			logger.Info().Str("source", p.Source).Str("entity", p.Entity).Dur("duration", duration).Msg("warm task done")
			return nil
		}

		m.Warm("failed")
		if errs.IsTransient(err) {
			logger.Warn().Err(err).Str("source", p.Source).Str("entity", p.Entity).Dur("duration", duration).Msg("warm task failed, will retry")
			return err
		}
		logger.Warn().Err(err).Str("source", p.Source).Str("entity", p.Entity).Dur("duration", duration).Msg("warm task failed permanently, dropping")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
}

// HandlePurge adapts a shared cache purge to an asynq handler
func HandlePurge(purge func(ctx context.Context) (int64, error), logger zerolog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		start := time.Now()
		n, err := purge(ctx)
		if err != nil {
			logger.Warn().Err(err).Int64("purged", n).Msg("purge incomplete")
			return err
		}
		logger.Info().Int64("purged", n).Dur("duration", time.Since(start)).Msg("purged expired entries")
		return nil
	}
}
