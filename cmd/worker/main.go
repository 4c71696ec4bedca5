package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/statcache/internal/app"
	"github.com/briangreenhill/statcache/internal/config"
	"github.com/briangreenhill/statcache/internal/jobs"
	"github.com/briangreenhill/statcache/internal/platform/otel"
	"github.com/briangreenhill/statcache/internal/warm"
)

func main() {
	_ = godotenv.Load()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	// the worker only consumes; warming in-process would loop tasks back to itself
	cfg.Warm.Backend = "none"
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if !cfg.HasRedis() {
		logger.Fatal().Msg("REDIS_ADDR is required for the worker")
	}
	logger = app.NewLogger(cfg, os.Stdout).With().Str("service", "statcache-worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Setup(ctx, "statcache-worker", cfg.OTel.Endpoint, cfg.OTel.Enabled)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build app")
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn().Err(err).Msg("close app")
		}
	}()

	srv := asynq.NewServer(app.RedisOpt(cfg), asynq.Config{
		Concurrency: cfg.Warm.Workers,
		Queues: map[string]int{
			jobs.QueueWarm: 10,
			"default":      1,
		},
		Logger:   asynqLogger{logger},
		LogLevel: asynq.InfoLevel,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(jobs.TaskWarmCache, warm.HandleTask(a.Stats.Warm, logger, a.Metrics))
	mux.HandleFunc(jobs.TaskPurgeExpired, warm.HandlePurge(a.Shared.Purge, logger))

	var scheduler *asynq.Scheduler
	if cfg.Warm.PurgeSchedule != "" && cfg.Shared.PathB != "none" {
		scheduler = asynq.NewScheduler(app.RedisOpt(cfg), &asynq.SchedulerOpts{
			Logger:   asynqLogger{logger},
			LogLevel: asynq.WarnLevel,
		})
		if _, err := scheduler.Register(cfg.Warm.PurgeSchedule, jobs.NewPurgeTask()); err != nil {
			logger.Fatal().Err(err).Str("schedule", cfg.Warm.PurgeSchedule).Msg("register purge task")
		}
		if err := scheduler.Start(); err != nil {
			logger.Fatal().Err(err).Msg("start scheduler")
		}
	}

	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	logger.Info().Int("concurrency", cfg.Warm.Workers).Str("purge", cfg.Warm.PurgeSchedule).Msg("worker running")

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	if scheduler != nil {
		scheduler.Shutdown()
	}
	srv.Shutdown()
}

// asynqLogger routes asynq's own logs through zerolog
type asynqLogger struct {
	l zerolog.Logger
}

func (a asynqLogger) Debug(args ...any) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...any) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
