package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cyderes/ingest-pipeline/internal/config"
	"github.com/cyderes/ingest-pipeline/internal/credentials"
	"github.com/cyderes/ingest-pipeline/internal/events"
	"github.com/cyderes/ingest-pipeline/internal/id"
	"github.com/cyderes/ingest-pipeline/internal/ingestion"
	"github.com/cyderes/ingest-pipeline/internal/loader"
	"github.com/cyderes/ingest-pipeline/internal/logger"
	"github.com/cyderes/ingest-pipeline/internal/metrics"
	"github.com/cyderes/ingest-pipeline/internal/models"
	"github.com/cyderes/ingest-pipeline/internal/retry"
	"github.com/cyderes/ingest-pipeline/internal/server"
	"github.com/cyderes/ingest-pipeline/internal/source"
	"github.com/cyderes/ingest-pipeline/internal/state"
	"github.com/cyderes/ingest-pipeline/internal/storage"
	"github.com/cyderes/ingest-pipeline/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		return 1
	}

	// OTel must init before logger (logger uses OTel provider in production)
	tel, err := telemetry.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}()

	logger.Setup(*cfg)
	slog.InfoContext(ctx, "ingest pipeline starting", "env", cfg.Env, "targets", len(cfg.Targets), "run_once", cfg.Ingestion.RunOnce)

	if err := id.Init(cfg.Ingestion.NodeID); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		return 1
	}

	db, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		return 1
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to apply schema", "error", err)
		return 1
	}

	stateStore, err := state.NewStore(ctx, cfg.State)
	if err != nil {
		slog.ErrorContext(ctx, "failed to initialize state store", "error", err, "type", cfg.State.Type)
		return 1
	}
	defer stateStore.Close()

	credSource, err := credentials.NewSource(cfg.Credentials)
	if err != nil {
		slog.ErrorContext(ctx, "failed to initialize credential source", "error", err)
		return 1
	}
	creds := credentials.NewCache(credSource, cfg.Credentials.TTL)

	emitter, err := events.New(ctx, cfg.Events)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		return 1
	}
	defer emitter.Close()

	collector := metrics.NewCollector()
	executor := retry.NewExecutor(
		retry.Config{
			MaxRetries:     cfg.Retry.MaxRetries,
			BaseDelay:      cfg.Retry.BaseDelay,
			AttemptTimeout: cfg.Retry.AttemptTimeout,
		},
		retry.WithCredentials(creds, cfg.Credentials.Names...),
		retry.WithRetryHook(func(retry.Class, int, time.Duration) { collector.RetryScheduled() }),
	)

	// per-attempt deadlines come from the executor
	httpClient := &http.Client{}

	deps := ingestion.Deps{
		Storage:  db,
		State:    stateStore,
		Executor: executor,
		Writer: loader.NewWriter(db, emitter, collector, loader.Config{
			BatchSize: cfg.Storage.BatchSize,
			Workers:   db.MaxConns(),
		}),
		Emitter: emitter,
		Metrics: collector,
	}

	client, err := source.NewClient(cfg.Source, httpClient, creds, cfg.Credentials.Names)
	if err != nil {
		slog.ErrorContext(ctx, "source client unavailable", "error", err)
	} else {
		deps.Source = client
	}

	if cfg.Sheet.Enabled {
		deps.Sheet = func(ctx context.Context) ([]models.OrderRow, error) {
			return source.FetchSheet(ctx, httpClient, cfg.Sheet.URL)
		}
	}

	svc := ingestion.NewService(cfg, deps)

	if cfg.Ingestion.RunOnce {
		if _, err := svc.RunOnce(ctx); err != nil {
			if errors.Is(err, ingestion.ErrSystemic) {
				return 1
			}
			slog.WarnContext(ctx, "run finished with errors", "error", err)
		}
		return 0
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	httpServer := server.NewServer(cfg.Server, cfg.OTel, svc, db)

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Server.Port)
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "http server error", "error", err)
			stop()
		}
	}()

	ingestErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "starting ingestion service", "interval", cfg.Ingestion.Interval)
		ingestErr <- svc.Start(ctx)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutdown signal received, gracefully shutting down")
	case err := <-ingestErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "ingestion service stopped", "error", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}
	stop()

	slog.InfoContext(shutdownCtx, "shutdown complete")
	return exitCode
}
