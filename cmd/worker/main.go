// Command worker consumes document tasks from the queue and runs the
// extraction workflow for each one.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wamiri/docproc/internal/adapter/assign"
	"github.com/wamiri/docproc/internal/adapter/extractor/gemini"
	"github.com/wamiri/docproc/internal/adapter/extractor/stub"
	"github.com/wamiri/docproc/internal/adapter/observability"
	"github.com/wamiri/docproc/internal/adapter/queue/redpanda"
	"github.com/wamiri/docproc/internal/adapter/repo/postgres"
	"github.com/wamiri/docproc/internal/adapter/storage"
	"github.com/wamiri/docproc/internal/app"
	"github.com/wamiri/docproc/internal/config"
	"github.com/wamiri/docproc/internal/domain"
	"github.com/wamiri/docproc/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	tie := assign.New(cfg.RedisAddr)
	defer func() { _ = tie.Close() }()

	slas, err := observability.LoadSLADefinitions(cfg.SLADefinitionsPath)
	if err != nil {
		slog.Warn("sla definitions unreadable, using defaults", slog.Any("error", err))
		slas = observability.DefaultSLADefinitions()
	}
	monitor := observability.NewMonitor(cfg.MetricsWindowSeconds, slas)
	go app.NewSnapshotWriter(monitor, cfg.MetricsDir, cfg.SnapshotInterval).Run(ctx)

	var extractor domain.Extractor
	if cfg.GeminiAPIKey != "" {
		breaker := observability.NewCircuitBreaker("gemini",
			cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout, cfg.BreakerHalfOpenMax)
		extractor = gemini.New(cfg, breaker)
	} else {
		slog.Warn("GEMINI_API_KEY unset, using deterministic stub extractor")
		extractor = stub.New()
	}

	store := storage.NewStore(
		filepath.Join(cfg.ProcessedDir, "json"),
		filepath.Join(cfg.ProcessedDir, "parquet"),
	)
	reviewSvc := usecase.NewReviewService(cfg, reviewRepo, tie)
	processSvc := usecase.NewProcessService(cfg, docRepo, cacheRepo, extractor, store, reviewSvc, monitor)

	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaTopic, processSvc.ProcessDocument)
	if err != nil {
		slog.Error("redpanda consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer consumer.Close()

	slog.Info("worker started, consuming document tasks",
		slog.String("topic", cfg.KafkaTopic), slog.String("group", cfg.KafkaGroupID))
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("consumer stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
