package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/chartworker/core/cache"
	"github.com/dmitrymomot/chartworker/core/config"
	"github.com/dmitrymomot/chartworker/core/health"
	"github.com/dmitrymomot/chartworker/core/logger"
	"github.com/dmitrymomot/chartworker/core/queue"
	"github.com/dmitrymomot/chartworker/core/server"
	"github.com/dmitrymomot/chartworker/integration/database/pg"
	"github.com/dmitrymomot/chartworker/integration/database/redis"
	"github.com/dmitrymomot/chartworker/integration/queuestore/postgres"
	"github.com/dmitrymomot/chartworker/pkg/ratelimiter"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg Config
	config.MustLoad(&cfg)

	log := logger.NewFromConfig(cfg.Logger, logger.WithContextExtractors(taskIDFromContext))

	if err := run(ctx, cfg, log); err != nil {
		log.Error("chartworker stopped with error", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, log *slog.Logger) error {
	if cfg.MetricsEnabled {
		shutdown, err := setupMetrics()
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	var checks []health.Check

	storage, closeStorage, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStorage()
	if s, ok := storage.(*postgres.Storage); ok {
		checks = append(checks, s.Healthcheck)
	}

	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()
	checks = append(checks, redis.Healthcheck(rdb))

	limitStore, localBuckets, err := openLimitStore(cfg, rdb, log)
	if err != nil {
		return err
	}
	if localBuckets != nil {
		checks = append(checks, localBuckets.Healthcheck)
	}
	bucket, err := ratelimiter.NewBucket(limitStore, cfg.RateLimit)
	if err != nil {
		return err
	}

	svc, err := queue.NewServiceFromConfig(cfg.Queue, storage,
		queue.WithServiceLogger(log),
		queue.WithEnqueuerOptions(queue.WithSubmitLimiter(&submitLimiter{bucket: bucket, logger: log})),
	)
	if err != nil {
		return err
	}

	l1 := cache.NewMemoryTierFromConfig(cfg.Cache)
	l2, err := cache.NewRedisTierFromConfig(cfg.Cache, rdb)
	if err != nil {
		return err
	}
	coord, err := cache.NewCoordinatorFromConfig(cfg.Cache, l1, l2,
		cache.WithInvalidationBus(l2),
		cache.WithTaskSubmitter(svc),
		cache.WithLogger(log),
	)
	if err != nil {
		return err
	}
	if err := svc.RegisterHandler(cache.WarmHandler(coord)); err != nil {
		return err
	}

	warmer, err := cache.NewWarmerFromConfig(cfg.Cache, coord, cache.WithWarmerLogger(log))
	if err != nil {
		return err
	}

	monitor, err := health.NewMonitorFromConfig(cfg.Health, svc, coord, health.WithLogger(log))
	if err != nil {
		return err
	}
	defer monitor.Close()

	srv, err := server.NewFromConfig(cfg.HTTP, server.WithLogger(log))
	if err != nil {
		return err
	}

	checks = append(checks, svc.Healthcheck, warmer.Healthcheck, monitor.Healthcheck)
	mux := http.NewServeMux()
	mux.Handle("GET /live", health.LivenessHandler())
	mux.Handle("GET /ready", health.ReadinessHandler(log, checks...))
	mux.Handle("GET /status", health.SnapshotHandler(monitor))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(warmer.Run(ctx))
	g.Go(monitor.Run(ctx))
	g.Go(srv.Run(ctx, mux))
	if localBuckets != nil {
		g.Go(localBuckets.Run(ctx))
	}

	log.InfoContext(ctx, "chartworker started",
		slog.String("queue_storage", cfg.QueueStorage),
		slog.String("rate_limit_store", cfg.RateLimitStore),
		slog.String("http_addr", cfg.HTTP.Addr))

	return g.Wait()
}

// openStorage picks the queue backend. The returned close func is never nil.
func openStorage(ctx context.Context, cfg Config, log *slog.Logger) (queue.Storage, func(), error) {
	if cfg.QueueStorage == storageMemory {
		log.WarnContext(ctx, "queue storage is in memory, tasks are lost on restart")
		return queue.NewMemoryStorage(), func() {}, nil
	}

	var pgCfg pg.Config
	if err := config.Load(&pgCfg); err != nil {
		return nil, nil, err
	}
	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx, pool, postgres.Migrations(), pgCfg.MigrationsTable, log); err != nil {
		pool.Close()
		return nil, nil, err
	}
	store, err := postgres.New(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}

// setupMetrics exports the process meters to stdout once a minute.
func setupMetrics() (func(context.Context) error, error) {
	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(time.Minute))),
	)
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}

func taskIDFromContext(ctx context.Context) (slog.Attr, bool) {
	id, ok := queue.TaskIDFromContext(ctx)
	if !ok {
		return slog.Attr{}, false
	}
	return logger.TaskID(id), true
}
