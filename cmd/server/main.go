// Package main is the entrypoint for the gapscout API server.
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

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/gapscout/internal/admission"
	"github.com/kiranshivaraju/gapscout/internal/api"
	"github.com/kiranshivaraju/gapscout/internal/api/handler"
	mw "github.com/kiranshivaraju/gapscout/internal/api/middleware"
	"github.com/kiranshivaraju/gapscout/internal/api/response"
	"github.com/kiranshivaraju/gapscout/internal/cache"
	"github.com/kiranshivaraju/gapscout/internal/config"
	"github.com/kiranshivaraju/gapscout/internal/notify"
	"github.com/kiranshivaraju/gapscout/internal/quota"
	"github.com/kiranshivaraju/gapscout/internal/recovery"
	"github.com/kiranshivaraju/gapscout/internal/scheduler"
	"github.com/kiranshivaraju/gapscout/internal/status"
	"github.com/kiranshivaraju/gapscout/internal/store"
	"github.com/kiranshivaraju/gapscout/internal/task"
	"github.com/kiranshivaraju/gapscout/internal/telemetry"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("loading .env", "error", err)
	}

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"task_kind", cfg.Task.Kind,
		"max_concurrent", cfg.Scheduler.MaxConcurrent,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Tracing and metrics
	shutdownTracing, err := telemetry.InitTracing(cfg.Telemetry.TraceExporter, cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("flushing traces", "error", err)
		}
	}()

	shutdownMetrics, err := telemetry.InitMetrics(cfg.Telemetry.MetricsExporter, cfg.Telemetry.ServiceName, cfg.Telemetry.MetricsInterval)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			slog.Warn("flushing metrics", "error", err)
		}
	}()

	// 3. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 4. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 5. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 6. Analysis task
	tk, err := task.NewTask(cfg.Task)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	runner := task.NewRunner(tk, cfg.Task.Timeout)
	slog.Info("analysis task configured", "task", tk.Name(), "timeout", cfg.Task.Timeout.String())

	// 7. Core services
	pgStore := store.NewPostgresStore(pool)

	metrics := telemetry.NewMetrics(otel.GetMeterProvider())
	if err := metrics.ObserveQueue(func(ctx context.Context) (int64, int64, error) {
		qs, err := pgStore.QueueStats(ctx)
		return int64(qs.Queued), int64(qs.Processing), err
	}); err != nil {
		return fmt.Errorf("register queue metrics: %w", err)
	}

	notifier, webhook := buildNotifier(cfg.Notify)

	sched := scheduler.New(pgStore, runner, notifier, metrics, scheduler.Options{
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		PollInterval:  cfg.Scheduler.PollInterval,
		MaxRetries:    cfg.Recovery.MaxRetries,
	})
	sweeper := recovery.New(pgStore, redisCache, notifier, metrics, recovery.OptionsFromConfig(cfg.Recovery))

	gate := quota.NewGate(pgStore, cfg.Quota.Tiers, cfg.Quota.DefaultTier)
	statusSvc := status.NewService(pgStore, redisCache, status.DefaultCacheTTL)
	controller := admission.NewController(pgStore, gate, sched, statusSvc, metrics, sched.MaxConcurrent())

	// 8. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RequestsPerMinute),

		HealthHandler:    healthHandler(pgStore, redisCache),
		SubmitHandler:    handler.NewSubmitHandler(controller),
		JobStatusHandler: handler.NewJobStatusHandler(statusSvc),
		ProgressHandler:  handler.NewProgressHandler(pgStore),
		QueueHandler:     handler.NewQueueHandler(sched),
		UsageHandler:     handler.NewUsageHandler(gate),
		SetTierHandler:   handler.NewSetTierHandler(gate),
		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 9. Start background workers
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start recovery sweeper: %w", err)
	}

	// 10. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
		if err := sweeper.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("sweeper shutdown: %w", err))
		}
		// jobs still running at the deadline stay processing for the sweep
		if err := sched.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler shutdown: %w", err))
		}
		if webhook != nil {
			if err := webhook.Wait(shutdownCtx); err != nil {
				slog.Warn("webhook deliveries abandoned", "error", err)
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

// buildNotifier always logs terminal events and also posts them when a
// webhook is configured. The webhook is returned so shutdown can drain it.
func buildNotifier(cfg config.NotifyConfig) (notify.Notifier, *notify.WebhookNotifier) {
	if cfg.WebhookURL == "" {
		return notify.LogNotifier{}, nil
	}
	webhook := notify.NewWebhookNotifier(cfg.WebhookURL, cfg.RatePerSec, cfg.Timeout)
	return notify.Multi{notify.LogNotifier{}, webhook}, webhook
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
