package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/condesk/collab/internal/api"
	"github.com/condesk/collab/internal/audit"
	"github.com/condesk/collab/internal/circuitbreaker"
	"github.com/condesk/collab/internal/config"
	"github.com/condesk/collab/internal/hub"
	"github.com/condesk/collab/internal/metrics"
	"github.com/condesk/collab/internal/storage"
)

func main() {
	cfg := config.Load()

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to PostgreSQL
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	if err := storage.RunMigrations(ctx, pool); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("migrations complete")

	prometheus.MustRegister(metrics.NewPoolCollector(pool))

	store := storage.NewPostgresStore(pool, cfg.QueryTimeout)
	breaker := circuitbreaker.New(cfg.BreakerMaxFailures, cfg.BreakerResetTimeout)

	// Every committed edit lands in the cell_edits audit trail.
	recorder := audit.NewPostgresRecorder(pool)
	registry := audit.NewRegistry(logger)
	registry.Register(recorder.Record)

	collabHub := hub.New(hub.Options{
		Logger:        logger,
		Store:         store,
		Breaker:       breaker,
		Audit:         registry,
		NumStripes:    cfg.NumStripes,
		SendQueueSize: cfg.SendQueueSize,
		WriteTimeout:  cfg.WriteTimeout,
		PingInterval:  cfg.PingInterval,
		PongWait:      cfg.PongWait,
	})

	if cfg.LockIdleTTL > 0 {
		go collabHub.RunSweeper(ctx, cfg.LockIdleTTL, cfg.LockSweepInterval)
		logger.Info("idle lock sweeper started", "ttl", cfg.LockIdleTTL, "interval", cfg.LockSweepInterval)
	}

	handler := api.NewServer(logger, collabHub, store, recorder, pool)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	go func() {
		logger.Info("starting HTTP server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down...")

	// Stop the sweeper and close every collaboration session; clients
	// reconnect and resubscribe once a replacement process is up.
	cancel()
	collabHub.Shutdown(context.Background())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}
