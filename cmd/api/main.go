package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wolfman30/clinic-queue-platform/internal/api/router"
	"github.com/wolfman30/clinic-queue-platform/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-queue-platform/internal/config"
	lifecycleworker "github.com/wolfman30/clinic-queue-platform/internal/worker/lifecycle"
	"github.com/wolfman30/clinic-queue-platform/pkg/logging"
)

func main() {
	// .env is optional outside development
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to read .env: %v\n", err)
	}

	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.NewWithOptions(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info("starting clinic-queue-platform API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	infra, err := connectInfra(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to connect infrastructure", "error", err)
		os.Exit(1)
	}
	defer infra.Close()

	metricsHandler, lifecycleMetrics := setupMetrics()
	svc, err := buildServices(ctx, cfg, infra, lifecycleMetrics, logger)
	if err != nil {
		logger.Error("failed to build services", "error", err)
		os.Exit(1)
	}
	defer svc.scheduler.Close()

	// Re-arm timers lost with the previous process.
	recoverCtx, recoverCancel := context.WithTimeout(ctx, time.Minute)
	if n, err := svc.scheduler.Recover(recoverCtx); err != nil {
		logger.Error("meet link recovery failed", "error", err)
	} else {
		logger.Info("meet link timers recovered", "count", n)
	}
	recoverCancel()

	jobs := lifecycleworker.NewGroup(
		lifecycleworker.NewJob("meet-link-sweep", svc.scheduler.Sweep, logger).WithInterval(cfg.MeetSweepInterval),
		lifecycleworker.NewJob("queue-expiry", svc.tracker.ExpireStale, logger).WithInterval(cfg.QueueExpireInterval),
	)
	jobs.Start(ctx)

	// Setup router
	r := router.New(&router.Config{
		Logger:              logger,
		Lifecycle:           svc.lifecycle,
		ClinicHandler:       svc.clinicHandler,
		MetricsHandler:      metricsHandler,
		StaffAuthSecret:     cfg.StaffJWTSecret,
		VerifyRatePerSecond: cfg.VerifyRatePerSecond,
		VerifyBurst:         cfg.VerifyBurst,
	})
	if cfg.StaffJWTSecret == "" {
		logger.Warn("STAFF_JWT_SECRET is empty; staff routes are unauthenticated")
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	jobs.Wait()

	logger.Info("server stopped")
}

// connectInfra opens Postgres and Redis. Missing DATABASE_URL is allowed only
// with USE_MEMORY_STORE.
func connectInfra(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*infra, error) {
	pool, err := bootstrap.BuildPostgresPool(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if pool == nil && !cfg.UseMemoryStore {
		return nil, fmt.Errorf("DATABASE_URL is required unless USE_MEMORY_STORE=true")
	}
	return &infra{
		pool:  pool,
		redis: bootstrap.BuildRedisClient(ctx, cfg, logger, true),
	}, nil
}
