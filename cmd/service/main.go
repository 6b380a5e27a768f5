// cmd/service/main.go
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

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"

	"repo-activity-chart/internal/api"
	"repo-activity-chart/internal/config"
	"repo-activity-chart/internal/cron"
	"repo-activity-chart/internal/fetcher"
	"repo-activity-chart/internal/history"
	"repo-activity-chart/internal/lock"
	"repo-activity-chart/internal/store"
	"repo-activity-chart/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully")

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize database connection and run migrations
	dbpool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbpool.Close()
	logger.Info("Database connection established")

	if err := runMigrations(cfg.DBURL); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	// 5. Initialize application components
	upstreamClient := upstream.NewClient(cfg.UpstreamToken, cfg.UpstreamURL, cfg.UpstreamMaxBatch, logger)

	resolutionFetcher := fetcher.New(upstreamClient, fetcher.Config{
		Threshold:       int64(cfg.BinarySearchThreshold),
		MaxIntervalDays: cfg.BinarySearchMaxInterval,
		MinIntervalDays: cfg.BinarySearchMinInterval,
		MaxBatch:        cfg.UpstreamMaxBatch,
	}, logger)

	snapshotStore := store.New(dbpool)
	repoLock := lock.New(dbpool, logger, cfg.LockTimeout, cfg.HeartbeatInterval)

	historyService := history.New(snapshotStore, repoLock, resolutionFetcher, upstreamClient, history.Config{
		CacheFreshness:   time.Duration(cfg.CacheFreshnessHours) * time.Hour,
		LockWaitTimeout:  cfg.LockWaitTimeout,
		LockWaitInterval: cfg.LockWaitInterval,
	}, logger)

	// 6. Start the background cron: it sweeps expired lock rows every cycle
	// and warms any configured repos.
	warmer, err := cron.New(logger, cfg.ReposToWatch, cfg.SyncInterval, repoLock, func(ctx context.Context, owner, name string) error {
		_, err := historyService.GetTimeline(ctx, owner, name)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create cron: %w", err)
	}
	go warmer.Start(ctx)

	// 7. Start the HTTP server
	router := api.NewRouter(historyService, upstreamClient, logger)
	server := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	// 8. Wait for shutdown signal
	logger.Info("Application started. Waiting for shutdown signal...")
	<-ctx.Done()
	logger.Info("Shutdown signal received. Exiting.")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	return nil
}

func runMigrations(dbURL string) error {
	m, err := migrate.New("file://migrations", dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
