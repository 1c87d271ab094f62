package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/wamiri/docproc/internal/adapter/observability"
	"github.com/wamiri/docproc/internal/adapter/storage"
	"github.com/wamiri/docproc/internal/config"
	"github.com/wamiri/docproc/internal/domain"
	"github.com/wamiri/docproc/internal/workflow"
)

const maxErrorChars = 500

// ProcessService is the worker-side pipeline: idempotency check, the
// per-document DAG (extract, dual-format save, review creation,
// metrics), and terminal status bookkeeping.
type ProcessService struct {
	cfg       config.Config
	docs      domain.DocumentRepository
	cache     domain.ProcessedCache
	extractor domain.Extractor
	store     *storage.Store
	review    *ReviewService
	monitor   *observability.Monitor
	executor  *workflow.Executor
}

// NewProcessService wires the worker pipeline. The executor is shared
// across documents so the concurrency cap and extractor rate limit are
// process-wide.
func NewProcessService(
	cfg config.Config,
	docs domain.DocumentRepository,
	cache domain.ProcessedCache,
	extractor domain.Extractor,
	store *storage.Store,
	review *ReviewService,
	monitor *observability.Monitor,
) *ProcessService {
	ex := workflow.NewExecutor(cfg.MaxConcurrentSteps, cfg.DefaultStepTimeout)
	ex.RegisterLimiter("extractor", workflow.NewTokenBucket(cfg.ExtractionRateLimit, cfg.ExtractionBurst))
	return &ProcessService{
		cfg:       cfg,
		docs:      docs,
		cache:     cache,
		extractor: extractor,
		store:     store,
		review:    review,
		monitor:   monitor,
		executor:  ex,
	}
}

// ProcessDocument handles one queued document end to end. Terminal
// outcomes (completed, failed, duplicate) return nil so the record is
// committed; only infrastructure errors before a terminal status is
// persisted propagate for redelivery.
func (s *ProcessService) ProcessDocument(ctx context.Context, payload domain.DocumentTaskPayload) error {
	start := time.Now()
	if err := s.docs.SetStatus(ctx, payload.DocumentID, domain.DocProcessing, ""); err != nil {
		return err
	}
	observability.StartProcessingDocument()

	data, err := os.ReadFile(payload.FilePath)
	if err != nil {
		return s.fail(ctx, payload.DocumentID, start, fmt.Sprintf("read upload: %v", err))
	}
	contentHash := storage.HashBytes(data)

	// Idempotency short-circuit before any DAG work.
	cached, hit, err := s.cache.Lookup(ctx, contentHash)
	if err != nil {
		observability.FinishProcessingDocument("error")
		return err
	}
	if hit {
		slog.Info("duplicate upload short-circuited",
			slog.String("document_id", payload.DocumentID),
			slog.String("original_document_id", cached.DocumentID),
			slog.String("content_hash", contentHash))
		if err := s.docs.SetStatus(ctx, payload.DocumentID, domain.DocDuplicate, ""); err != nil {
			return err
		}
		observability.FinishProcessingDocument(string(domain.DocDuplicate))
		return nil
	}

	dag, err := s.buildDocumentDAG(payload, contentHash, data)
	if err != nil {
		return s.fail(ctx, payload.DocumentID, start, err.Error())
	}
	res, err := s.executor.Execute(ctx, dag, map[string]any{
		"document_id":  payload.DocumentID,
		"file_path":    payload.FilePath,
		"stored_name":  payload.StoredName,
		"content_hash": contentHash,
	})
	if err != nil {
		return s.fail(ctx, payload.DocumentID, start, err.Error())
	}
	for id, step := range res.Steps {
		observability.ObserveStep(id, string(step.Status), step.Duration)
	}

	if !res.Success {
		return s.fail(ctx, payload.DocumentID, start, joinStepErrors(res))
	}

	if err := s.docs.SetStatus(ctx, payload.DocumentID, domain.DocCompleted, ""); err != nil {
		return err
	}
	observability.FinishProcessingDocument(string(domain.DocCompleted))
	slog.Info("document processed",
		slog.String("document_id", payload.DocumentID),
		slog.Duration("duration", time.Since(start)),
		slog.Int("steps", res.Completed))
	return nil
}

// buildDocumentDAG constructs the standard per-document pipeline:
//
//	extract -> save_parquet ----+
//	       \-> save_json -------+-> create_review
//	       \-> record_metrics
func (s *ProcessService) buildDocumentDAG(payload domain.DocumentTaskPayload, contentHash string, data []byte) (*workflow.DAG, error) {
	mime, err := domain.MIMETypeFor(payload.StoredName)
	if err != nil {
		return nil, fmt.Errorf("op=process.buildDocumentDAG: %s: %w", payload.StoredName, err)
	}

	dag := workflow.NewDAG()
	backoff := s.cfg.StepBackoffBase
	addErr := dag.AddStep("extract", func(ctx context.Context, _ workflow.StepContext) (any, error) {
		res, err := s.extractor.Extract(ctx, domain.ExtractRequest{
			DocumentID: payload.DocumentID,
			Filename:   payload.StoredName,
			Bytes:      data,
			MIMEType:   mime,
		})
		if err != nil {
			return nil, err
		}
		res.ContentHash = contentHash
		return res, nil
	}, workflow.StepOptions{
		MaxRetries:  3,
		BackoffBase: backoff,
		Timeout:     120 * time.Second,
		ResourceTag: "extractor",
	})
	if addErr != nil {
		return nil, addErr
	}

	if err := dag.AddStep("save_parquet", func(_ context.Context, sc workflow.StepContext) (any, error) {
		res, err := extractOutput(sc)
		if err != nil {
			return nil, err
		}
		return s.store.WriteParquet(res)
	}, workflow.StepOptions{
		DependsOn:   []string{"extract"},
		MaxRetries:  2,
		BackoffBase: backoff,
		Timeout:     30 * time.Second,
	}); err != nil {
		return nil, err
	}

	if err := dag.AddStep("save_json", func(_ context.Context, sc workflow.StepContext) (any, error) {
		res, err := extractOutput(sc)
		if err != nil {
			return nil, err
		}
		return s.store.WriteJSON(res)
	}, workflow.StepOptions{
		DependsOn:   []string{"extract"},
		MaxRetries:  1,
		BackoffBase: backoff,
		Timeout:     30 * time.Second,
	}); err != nil {
		return nil, err
	}

	if err := dag.AddStep("record_metrics", func(_ context.Context, sc workflow.StepContext) (any, error) {
		res, err := extractOutput(sc)
		if err != nil {
			return nil, err
		}
		s.monitor.RecordProcessing(time.Duration(res.ProcessingSeconds*float64(time.Second)), false)
		observability.ConfidenceHistogram.Observe(res.OverallConfidence)
		return nil, nil
	}, workflow.StepOptions{
		DependsOn:   []string{"extract"},
		MaxRetries:  1,
		BackoffBase: backoff,
		// Guard against a missing output even though extract is a
		// dependency.
		Condition: func(sc workflow.StepContext) (bool, error) {
			return sc.Output("extract") != nil, nil
		},
	}); err != nil {
		return nil, err
	}

	if err := dag.AddStep("create_review", func(ctx context.Context, sc workflow.StepContext) (any, error) {
		res, err := extractOutput(sc)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Store(ctx, res); err != nil {
			return nil, err
		}
		return s.review.CreateReviewItem(ctx, res)
	}, workflow.StepOptions{
		DependsOn:   []string{"save_parquet", "save_json"},
		MaxRetries:  2,
		BackoffBase: backoff,
		Timeout:     30 * time.Second,
	}); err != nil {
		return nil, err
	}

	return dag, nil
}

// extractOutput reads the extract step's result from the merged context.
// A missing or mistyped output is a step error, not a panic: when extract
// fails its direct dependents are skipped, but transitive dependents
// still run and must fail cleanly.
func extractOutput(sc workflow.StepContext) (domain.ExtractionResult, error) {
	res, ok := sc.Output("extract").(domain.ExtractionResult)
	if !ok {
		return domain.ExtractionResult{}, fmt.Errorf("extract output unavailable")
	}
	return res, nil
}

// fail records the terminal failed status with a truncated error string.
func (s *ProcessService) fail(ctx context.Context, documentID string, start time.Time, msg string) error {
	if len(msg) > maxErrorChars {
		msg = msg[:maxErrorChars]
	}
	s.monitor.RecordProcessing(time.Since(start), true)
	if err := s.docs.SetStatus(ctx, documentID, domain.DocFailed, msg); err != nil {
		return err
	}
	observability.FinishProcessingDocument(string(domain.DocFailed))
	slog.Error("document processing failed",
		slog.String("document_id", documentID),
		slog.String("error", msg))
	return nil
}

// joinStepErrors concatenates failed and skipped step errors.
func joinStepErrors(res workflow.Result) string {
	var parts []string
	for id, step := range res.Steps {
		if step.Status == workflow.StatusFailed && step.Err != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", id, step.Err))
		}
	}
	if len(parts) == 0 {
		return "workflow failed"
	}
	return strings.Join(parts, "; ")
}
