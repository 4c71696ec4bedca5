// Package app assembles the caching layer from configuration. Both binaries
// and the CLI build through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/briangreenhill/statcache/cache"
	"github.com/briangreenhill/statcache/cache/pgstore"
	"github.com/briangreenhill/statcache/cache/redisstore"
	"github.com/briangreenhill/statcache/cache/shared"
	"github.com/briangreenhill/statcache/cache/sqlitestore"
	"github.com/briangreenhill/statcache/dedupe"
	"github.com/briangreenhill/statcache/fetch"
	"github.com/briangreenhill/statcache/internal/config"
	"github.com/briangreenhill/statcache/internal/http/routes"
	"github.com/briangreenhill/statcache/internal/jobs"
	"github.com/briangreenhill/statcache/internal/metrics"
	"github.com/briangreenhill/statcache/internal/stats"
	"github.com/briangreenhill/statcache/internal/warm"
	"github.com/briangreenhill/statcache/orchestrator"
	"github.com/briangreenhill/statcache/plugins"
)

type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Shared   *shared.Client
	Stats    *stats.Service

	closers []func() error
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT
func NewLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	if cfg.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Build connects the shared cache paths and wires the orchestrator, the
// fetch client and the warm queue. Close releases what Build opened.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	sc, err := a.sharedCache(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Shared = sc

	registry, err := Sources(cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	queue, err := a.warmQueue()
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	orch := orchestrator.New(
		cache.NewLocal(),
		sc,
		dedupe.New(dedupe.WithLogger(logger), dedupe.WithMetrics(a.Metrics)),
		orchestrator.WithWarmQueue(queue),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(a.Metrics),
	)
	a.Stats = stats.New(registry, a.fetchClient(ctx), orch, logger)

	logger.Info().
		Bool("path_a", cfg.HasRedis()).
		Str("path_b", cfg.Shared.PathB).
		Str("warm", cfg.Warm.Backend).
		Strs("sources", registry.List()).
		Msg("cache layer ready")
	return a, nil
}

func (a *App) sharedCache(ctx context.Context) (*shared.Client, error) {
	cfg := a.Config
	var pathA, pathB cache.Store

	if cfg.HasRedis() {
		rs, err := redisstore.NewStore(&redisstore.Config{
			Address:  cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("shared path a: %w", err)
		}
		a.closers = append(a.closers, rs.Close)
		pathA = rs
	}

	switch cfg.Shared.PathB {
	case "postgres":
		ps, pool, err := pgstore.Open(ctx, cfg.Shared.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("shared path b: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		pathB = ps
	case "sqlite":
		ss, err := sqlitestore.Open(cfg.Shared.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("shared path b: %w", err)
		}
		a.closers = append(a.closers, ss.Close)
		pathB = ss
	}

	return shared.New(pathA, pathB,
		shared.WithTimeouts(shared.Timeouts{PathA: cfg.Shared.PathATimeout, PathB: cfg.Shared.PathBTimeout}),
		shared.WithStaleGrace(cfg.Shared.StaleGrace),
		shared.WithLogger(a.Logger),
		shared.WithMetrics(a.Metrics),
	), nil
}

func (a *App) fetchClient(ctx context.Context) *fetch.Client {
	p := a.Config.Provider
	retries := p.MaxRetries
	if retries == 0 {
		retries = fetch.NoRetries
	}
	opts := []fetch.Option{
		fetch.WithDefaults(fetch.Options{Timeout: p.Timeout, MaxRetries: retries}),
		fetch.WithBackoffBase(p.BackoffBase),
		fetch.WithHeader("Accept", "application/json"),
		fetch.WithLogger(a.Logger),
		fetch.WithMetrics(a.Metrics),
		fetch.WithRetryObserver(func(url string, st fetch.RetryState) {
			a.Logger.Debug().Str("url", url).Int("attempt", st.Attempt).Dur("next_delay", st.NextDelay).Err(st.LastErr).Msg("retrying upstream call")
		}),
	}
	switch {
	case a.Config.HasClientCredentials():
		opts = append(opts, fetch.WithTokenSource(fetch.ClientCredentials(ctx, p.ClientID, p.ClientSecret, p.TokenURL)))
	case p.APIKey != "":
		opts = append(opts, fetch.WithTokenSource(fetch.StaticToken(p.APIKey)))
	}
	if p.RateLimit > 0 {
		opts = append(opts, fetch.WithRateLimit(rate.Limit(p.RateLimit), p.Burst))
	}
	return fetch.New(opts...)
}

func (a *App) warmQueue() (warm.Queue, error) {
	switch a.Config.Warm.Backend {
	case "asynq":
		client := asynq.NewClient(RedisOpt(a.Config))
		a.closers = append(a.closers, client.Close)
		return warm.NewAsynqQueue(client, a.Logger, a.Metrics), nil
	case "local":
		q := warm.NewLocalQueue(func(ctx context.Context, p jobs.WarmCachePayload) error {
			return a.Stats.Warm(ctx, p)
		}, a.Config.Warm.QueueSize, a.Config.Warm.Workers,
			warm.WithLogger(a.Logger),
			warm.WithMetrics(a.Metrics),
		)
		a.closers = append(a.closers, func() error { q.Close(); return nil })
		return q, nil
	case "none", "":
		return warm.Discard{}, nil
	default:
		return nil, fmt.Errorf("unknown warm backend %q", a.Config.Warm.Backend)
	}
}

// Sources builds the provider registry from configuration
func Sources(cfg *config.Config) (*plugins.Registry, error) {
	opts := []plugins.HTTPOption{
		plugins.WithOpenEntities(),
		plugins.WithDefaultTTL(cfg.Provider.DefaultTTL),
	}
	for entity := range cfg.Provider.Partial {
		opts = append(opts, plugins.WithEntity(entity, plugins.Entity{Fields: cfg.PartialFields(entity)}))
	}
	src, err := plugins.NewHTTPSource(cfg.Provider.Name, cfg.Provider.BaseURL, opts...)
	if err != nil {
		return nil, err
	}
	reg := plugins.NewRegistry()
	reg.Register(src)
	return reg, nil
}

// RedisOpt is the asynq connection for the warm queue
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
}

// Handler is the HTTP surface of the app
func (a *App) Handler() http.Handler {
	return routes.New(routes.ServerOptions{
		Stats:       a.Stats,
		Logger:      a.Logger,
		Gatherer:    a.Registry,
		AdminToken:  a.Config.AdminToken,
		DebugErrors: a.Config.DebugErrors,
	}).Router
}

// Close releases resources in reverse order of acquisition
func (a *App) Close() error {
	var errList []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errList = append(errList, err)
		}
	}
	a.closers = nil
	return errors.Join(errList...)
}
