// Command server starts the document processing HTTP API.
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

	"github.com/wamiri/docproc/internal/adapter/assign"
	httpserver "github.com/wamiri/docproc/internal/adapter/httpserver"
	"github.com/wamiri/docproc/internal/adapter/observability"
	"github.com/wamiri/docproc/internal/adapter/queue/redpanda"
	"github.com/wamiri/docproc/internal/adapter/repo/postgres"
	"github.com/wamiri/docproc/internal/app"
	"github.com/wamiri/docproc/internal/config"
	"github.com/wamiri/docproc/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
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

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	docRepo := postgres.NewDocumentRepo(pool)
	cacheRepo := postgres.NewCacheRepo(pool)
	reviewRepo := postgres.NewReviewRepo(pool)

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		slog.Error("redpanda producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	tie := assign.New(cfg.RedisAddr)
	defer func() { _ = tie.Close() }()

	slas, err := observability.LoadSLADefinitions(cfg.SLADefinitionsPath)
	if err != nil {
		slog.Warn("sla definitions unreadable, using defaults", slog.Any("error", err))
		slas = observability.DefaultSLADefinitions()
	}
	monitor := observability.NewMonitor(cfg.MetricsWindowSeconds, slas)

	uploadSvc := usecase.NewUploadService(cfg, docRepo, producer)
	reviewSvc := usecase.NewReviewService(cfg, reviewRepo, tie)

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, tie)
	srv := httpserver.NewServer(cfg, uploadSvc, reviewSvc, cacheRepo, monitor, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	if rel := app.NewClaimReleaser(reviewSvc, cfg.ClaimReleaseInterval); rel != nil {
		go rel.Run(loopCtx)
	}
	if upd := app.NewQueueDepthUpdater(reviewSvc, monitor, cfg.QueueDepthInterval); upd != nil {
		go upd.Run(loopCtx)
	}

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
