// Package main provides the worker application entry point.
// The worker drains the link-audit queue: it leases jobs, renders the
// source pages, and persists and publishes verdicts.
package main

import (
	"context"
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
	"github.com/fairyhunter13/link-sentinel/internal/adapter/render"
	"github.com/fairyhunter13/link-sentinel/internal/adapter/renderproxy"
	"github.com/fairyhunter13/link-sentinel/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/link-sentinel/internal/app"
	"github.com/fairyhunter13/link-sentinel/internal/config"
	"github.com/fairyhunter13/link-sentinel/internal/domain"
	"github.com/fairyhunter13/link-sentinel/internal/usecase"
	"github.com/fairyhunter13/link-sentinel/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", slog.Any("error", err))
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

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

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

	notifier := buildNotifier(cfg, rdb)

	profiles, err := config.LoadHeaderProfiles()
	if err != nil {
		return err
	}
	renderer := render.New(render.Config{Headless: true, NoSandbox: cfg.IsDev()})
	proxy := renderproxy.New(renderproxy.Config{
		BaseURL:  cfg.ProxyBaseURL,
		APIToken: cfg.ProxyAPIToken,
		Timeout:  cfg.ProxyTimeout,
	})
	analyzer := usecase.NewAnalyzer(renderer, proxy, profiles, usecase.AnalyzerConfig{
		RenderTimeout: cfg.RenderTimeout,
		RenderSettle:  cfg.RenderSettle,
		ReloadSettle:  cfg.ReloadSettle,
		ScrollSettle:  cfg.ScrollSettle,
		ProxyAttempts: cfg.ProxyRetryAttempts,
		ProxyTimeout:  cfg.ProxyTimeout,
	})

	// Introspection surface: health, readiness, metrics, queue state.
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

	// Reclaim leases orphaned by a previous crash before taking work.
	if n, err := queue.Recover(ctx); err != nil {
		slog.Warn("startup lease recovery failed", slog.Any("error", err))
	} else if n > 0 {
		slog.Info("recovered orphaned leases", slog.Int("count", n))
	}

	pool := worker.NewPool(queue, linkRepo, analyzer, notifier, worker.Config{
		Concurrency:     cfg.WorkerConcurrency,
		IdleSleep:       cfg.WorkerIdleSleep,
		RecoverInterval: cfg.QueueRecoverEvery,
		ShutdownGrace:   cfg.ShutdownGrace,
	})
	pool.Start(ctx)

	slog.Info("worker shut down cleanly")
	return nil
}

// buildNotifier wires the Redis pub/sub sink, plus the Kafka event
// stream when brokers are configured.
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

// redisPinger narrows go-redis's Ping result to what readiness needs.
type redisPinger struct{ rdb redis.UniversalClient }

func (p redisPinger) Ping(ctx context.Context) app.RedisPingResult { return p.rdb.Ping(ctx) }
