// Package main provides the pipeline API server entrypoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/zerotyping/ingest-pipeline/cmd/pipeline-api/handlers"
	"github.com/zerotyping/ingest-pipeline/cmd/pipeline-api/middleware"
	"github.com/zerotyping/ingest-pipeline/internal/cache"
	"github.com/zerotyping/ingest-pipeline/internal/config"
	"github.com/zerotyping/ingest-pipeline/internal/ingest"
	"github.com/zerotyping/ingest-pipeline/internal/monitoring"
	"github.com/zerotyping/ingest-pipeline/internal/observability"
	"github.com/zerotyping/ingest-pipeline/internal/pipeline"
	"github.com/zerotyping/ingest-pipeline/internal/progress"
	"github.com/zerotyping/ingest-pipeline/internal/stage"
	"github.com/zerotyping/ingest-pipeline/internal/storage"
)

func main() {
	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("database", cfg.Database.Driver).
		Str("snapshot", cfg.Snapshot.Driver).
		Int("stages", len(cfg.Stages)).
		Msg("Starting pipeline API")

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("Server stopped")
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx := context.Background()

	// Snapshot store, and the Redis mirror when configured
	var (
		store       cache.Client
		broadcaster cache.Broadcaster
	)
	switch cfg.Snapshot.Driver {
	case "redis":
		redisClient, err := cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Snapshot.Redis.Addr,
			Password: cfg.Snapshot.Redis.Password,
			DB:       cfg.Snapshot.Redis.DB,
			PoolSize: cfg.Snapshot.Redis.PoolSize,
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		store, broadcaster = redisClient, redisClient
	default:
		memClient := cache.NewMemoryClient(cfg.Snapshot.MaxItems)
		defer memClient.Close()
		store = memClient
	}

	snapshots := progress.NewSnapshotRecorder(logger, store, broadcaster, progress.SnapshotConfig{
		TTL:       cfg.Snapshot.TTL,
		QueueSize: cfg.Snapshot.QueueSize,
	})
	defer snapshots.Close()

	registry := progress.NewRegistry(logger, snapshots)

	// Run audit database
	db, err := storage.Open(ctx, cfg.Database.Driver, cfg.DatabaseDSN(), poolOptions(cfg))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(ctx, db, cfg.Database.Driver); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	runs := storage.NewRunRepository(db)
	auditLogger := monitoring.NewAuditLogger(logger, runs, broadcaster)

	// Pipeline
	runner := stage.NewProcessRunner(logger, 0)
	coordinator := pipeline.NewCoordinator(runner, registry, logger)
	svc, err := ingest.NewService(ingest.ConfigFrom(cfg), coordinator, registry, auditLogger, logger)
	if err != nil {
		return fmt.Errorf("create ingest service: %w", err)
	}
	defer svc.Close()

	router := NewRouter(RouterDeps{
		Logger:    logger,
		Registry:  registry,
		Snapshots: snapshots,
		Uploader:  svc,
		Runs:      runs,
		DB:        db,
		Progress: handlers.ProgressConfig{
			QueueSize: cfg.Progress.QueueSize,
			Keepalive: cfg.Progress.Keepalive,
		},
		MaxUploadBytes: cfg.Ingestion.MaxUploadBytes,
		RequestTimeout: cfg.Server.RequestTimeout,
		AllowedOrigins: cfg.Server.CORSOrigins,
		Auth: middleware.AuthConfig{
			Enabled: cfg.Auth.Enabled,
			Tokens:  cfg.Auth.Tokens,
		},
		ServiceName: cfg.Observability.ServiceName,
	})

	// Base context of every request; cancelled first on shutdown so
	// progress streams end and Shutdown can drain.
	baseCtx, cancelBase := context.WithCancel(ctx)
	defer cancelBase()

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	// Wait for interrupt or error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	cancelBase()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed, cancelling in-flight runs")
		svc.Close()
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("Forced shutdown failed")
		}
	}

	return nil
}

func poolOptions(cfg *config.Config) storage.PoolOptions {
	if cfg.Database.Driver == storage.DriverPostgres {
		return storage.PoolOptions{
			MaxOpenConns:    cfg.Database.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Database.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.Postgres.ConnMaxLifetime,
		}
	}
	return storage.PoolOptions{MaxOpenConns: cfg.Database.SQLite.MaxOpenConns}
}
