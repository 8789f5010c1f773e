// Package main is the entrypoint for the CallPilot API server.
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

	"github.com/callpilot-io/callpilot/internal/api"
	"github.com/callpilot-io/callpilot/internal/api/handler"
	mw "github.com/callpilot-io/callpilot/internal/api/middleware"
	"github.com/callpilot-io/callpilot/internal/api/response"
	"github.com/callpilot-io/callpilot/internal/cache"
	"github.com/callpilot-io/callpilot/internal/config"
	"github.com/callpilot-io/callpilot/internal/insight"
	"github.com/callpilot-io/callpilot/internal/jobs"
	"github.com/callpilot-io/callpilot/internal/store"
	"github.com/callpilot-io/callpilot/internal/webhook"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "insight_base_url", cfg.Insight.BaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create store and insight client
	pgStore := store.NewPostgresStore(pool)
	insightClient := insight.NewHTTPClient(cfg.Insight.BaseURL, cfg.Insight.APIKey, cfg.Insight.Timeout)

	// 6. Build the orchestration layer
	coordinator := jobs.NewCoordinator(pgStore, redisCache, jobs.LogNotifier{}, cfg.Jobs.LockTTL)
	submitter := jobs.NewSubmitter(pgStore, redisCache, insightClient)
	poller := jobs.NewPoller(pgStore, insightClient, coordinator,
		cfg.Jobs.PollInterval, cfg.Jobs.MinPollAge, cfg.Jobs.SweepBatchSize)
	supervisor := jobs.NewSupervisor(pgStore, coordinator, submitter, cfg.Jobs)

	go poller.Run(ctx)
	go supervisor.Run(ctx)

	// 7. Build router with dependencies
	verifier := webhook.NewVerifier(cfg.Insight.WebhookSecret, cfg.Insight.SignatureTolerance)
	webhookHandler := handler.NewWebhookHandler(verifier, pgStore, coordinator)

	deps := api.Dependencies{
		Auth: mw.NewAuth(pgStore),

		HealthHandler:    healthHandler(pgStore, redisCache),
		SubmitHandler:    handler.NewSubmitHandler(submitter),
		GetJobHandler:    handler.NewGetJobHandler(pgStore),
		JobStatusHandler: handler.NewJobStatusHandler(pgStore, redisCache),
		WebhookHandler:   webhookHandler.Handle,
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity and reports job
// status counts so exhausted retries stay visible to operators.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
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

		jobCounts, err := s.CountJobsByStatus(r.Context())
		if err != nil {
			jobCounts = nil
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
			"jobs":     jobCounts,
		})
	}
}
