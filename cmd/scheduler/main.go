// Package main provides the scheduler application entry point.
// The scheduler arms one timer per recurring sheet audit, enqueues jobs
// when timers lapse, and writes verdicts back when runs complete.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	redisnotify "github.com/fairyhunter13/link-sentinel/internal/adapter/notify/redis"
	"github.com/fairyhunter13/link-sentinel/internal/adapter/notify/redpanda"
	"github.com/fairyhunter13/link-sentinel/internal/adapter/observability"
	"github.com/fairyhunter13/link-sentinel/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/link-sentinel/internal/adapter/repo/postgres"
	gsheets "github.com/fairyhunter13/link-sentinel/internal/adapter/sheets"
	"github.com/fairyhunter13/link-sentinel/internal/app"
	"github.com/fairyhunter13/link-sentinel/internal/config"
	"github.com/fairyhunter13/link-sentinel/internal/domain"
	"github.com/fairyhunter13/link-sentinel/internal/scheduler"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("scheduler exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting scheduler", slog.String("env", cfg.AppEnv))

	dbPool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()

	queue := redisq.New(rdb, redisq.Config{
		MaxAttempts:  cfg.QueueMaxAttempts,
		BackoffBase:  cfg.QueueBackoffBase,
		LeaseTimeout: cfg.LeaseTimeout,
	})
	linkRepo := postgres.NewLinkRepo(dbPool)
	sheetRepo := postgres.NewSheetRepo(dbPool)
	userRepo := postgres.NewUserRepo(dbPool)

	if cfg.GoogleCredentialsJSON == "" {
		return fmt.Errorf("GOOGLE_CREDENTIALS_JSON is required for the scheduler")
	}
	sheetSvc, err := gsheets.New(ctx, []byte(cfg.GoogleCredentialsJSON))
	if err != nil {
		return err
	}

	notifier := buildNotifier(cfg, rdb)
	listener := redisnotify.NewListener(rdb)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.BuildRouter(queue, app.DBCheck(dbPool), app.RedisCheck(redisPinger{rdb})),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("introspection server error", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	sched := scheduler.New(sheetRepo, linkRepo, userRepo, queue, sheetSvc, notifier, listener, scheduler.Config{})
	err = sched.Run(ctx)
	slog.Info("scheduler shut down cleanly")
	return err
}

func buildNotifier(cfg config.Config, rdb redis.UniversalClient) domain.Notifier {
	sinks := redpanda.Fanout{redisnotify.New(rdb)}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := redpanda.NewProducer(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		if err != nil {
			slog.Error("kafka producer init failed, continuing without event stream", slog.Any("error", err))
		} else {
			sinks = append(sinks, producer)
		}
	}
	return sinks
}

type redisPinger struct{ rdb redis.UniversalClient }

func (p redisPinger) Ping(ctx context.Context) app.RedisPingResult { return p.rdb.Ping(ctx) }
