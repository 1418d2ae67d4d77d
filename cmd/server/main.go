// Package main is the entrypoint for the PhotoTag API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kiranshivaraju/phototag/internal/api"
	"github.com/kiranshivaraju/phototag/internal/api/handler"
	mw "github.com/kiranshivaraju/phototag/internal/api/middleware"
	"github.com/kiranshivaraju/phototag/internal/api/response"
	"github.com/kiranshivaraju/phototag/internal/cache"
	"github.com/kiranshivaraju/phototag/internal/config"
	"github.com/kiranshivaraju/phototag/internal/inference"
	"github.com/kiranshivaraju/phototag/internal/quota"
	"github.com/kiranshivaraju/phototag/internal/store"
	"github.com/kiranshivaraju/phototag/internal/tagging"
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
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env)

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

	// 5. Create inference gateway
	gateway, err := inference.NewGateway(cfg.AI)
	if err != nil {
		return fmt.Errorf("create inference gateway: %w", err)
	}
	slog.Info("inference gateway initialized", "provider", gateway.Name())

	// 6. Create store
	pgStore := store.NewPostgresStore(pool)

	// 7. Assemble the tagging orchestrator
	events := tagging.NewPublisher()
	guard := quota.NewGuard(redisCache,
		cfg.Tagging.RequestsPerMinute, cfg.Tagging.TokensPerMinute, cfg.Tagging.TokensPerImage)
	tracker := tagging.NewTracker(pgStore, redisCache, gateway, events, cfg.Tagging)
	scheduler := tagging.NewScheduler(pgStore, redisCache, gateway, guard, tracker, events, cfg.Tagging)

	// Active jobs survive restarts; reload them before polling starts.
	if err := tracker.Restore(ctx); err != nil {
		return fmt.Errorf("restore batch jobs: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		tracker.Run(ctx)
	}()

	// 8. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, cfg.Tagging.RequestsPerMinute)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler:    healthHandler(pgStore, redisCache),
		EnqueueHandler:   handler.NewEnqueueHandler(scheduler),
		GetRecordHandler: handler.NewGetRecordHandler(pgStore),
		RetryNowHandler:  handler.NewRetryNowHandler(scheduler),
		CancelHandler:    handler.NewCancelHandler(scheduler),
		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
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

	// The scheduler and tracker stop with the signal context.
	wg.Wait()

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
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

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
