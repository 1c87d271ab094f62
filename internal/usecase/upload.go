// Package usecase contains the application services: document intake,
// the review queue workflows, and the worker-side processing pipeline.
package usecase

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/wamiri/docproc/internal/config"
	"github.com/wamiri/docproc/internal/domain"
)

// UploadService accepts document uploads, persists the original file,
// and enqueues the processing job.
type UploadService struct {
	cfg   config.Config
	docs  domain.DocumentRepository
	queue domain.Queue
}

// NewUploadService wires the upload flow.
func NewUploadService(cfg config.Config, docs domain.DocumentRepository, queue domain.Queue) *UploadService {
	return &UploadService{cfg: cfg, docs: docs, queue: queue}
}

// Upload validates and stores one document, then enqueues it. The
// document row exists before any async work starts.
func (s *UploadService) Upload(ctx domain.Context, originalName string, r io.Reader) (domain.Document, error) {
	declaredMIME, err := domain.MIMETypeFor(originalName)
	if err != nil {
		return domain.Document{}, fmt.Errorf("op=upload.Upload: %s: %w", originalName, err)
	}

	data, err := io.ReadAll(io.LimitReader(r, s.cfg.MaxUploadBytes()+1))
	if err != nil {
		return domain.Document{}, fmt.Errorf("op=upload.Upload: %w", err)
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes() {
		return domain.Document{}, fmt.Errorf("op=upload.Upload: file exceeds %d MB: %w", s.cfg.MaxUploadSizeMB, domain.ErrInvalidArgument)
	}
	if len(data) == 0 {
		return domain.Document{}, fmt.Errorf("op=upload.Upload: empty file: %w", domain.ErrInvalidArgument)
	}

	// Sniff the real content type; the extension alone is not trusted.
	detected := mimetype.Detect(data)
	if !mimeAllowed(detected.String()) {
		return domain.Document{}, fmt.Errorf("op=upload.Upload: detected %s: %w", detected.String(), domain.ErrUnsupportedMedia)
	}

	docID := uuid.New().String()
	storedName := docID + filepath.Ext(originalName)
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return domain.Document{}, fmt.Errorf("op=upload.Upload: %w", err)
	}
	path := filepath.Join(s.cfg.UploadDir, storedName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return domain.Document{}, fmt.Errorf("op=upload.Upload: %w", err)
	}

	doc := domain.Document{
		ID:           docID,
		StoredName:   storedName,
		OriginalName: originalName,
		MIMEType:     declaredMIME,
		Status:       domain.DocQueued,
	}
	if _, err := s.docs.Create(ctx, doc); err != nil {
		_ = os.Remove(path)
		return domain.Document{}, err
	}

	taskID, err := s.queue.EnqueueDocument(ctx, domain.DocumentTaskPayload{
		DocumentID: docID,
		FilePath:   path,
		StoredName: storedName,
	})
	if err != nil {
		// The document stays queued; a sweeper or manual retry can
		// re-enqueue it.
		slog.Error("enqueue failed after document insert",
			slog.String("document_id", docID), slog.Any("error", err))
		return domain.Document{}, fmt.Errorf("op=upload.Upload: %w", err)
	}
	if err := s.docs.SetTaskID(ctx, docID, taskID); err != nil {
		slog.Warn("task id not recorded",
			slog.String("document_id", docID), slog.Any("error", err))
	}
	doc.TaskID = taskID

	slog.Info("document uploaded",
		slog.String("document_id", docID),
		slog.String("filename", originalName),
		slog.Int("bytes", len(data)))
	return doc, nil
}

// GetDocument loads one document.
func (s *UploadService) GetDocument(ctx domain.Context, id string) (domain.Document, error) {
	return s.docs.Get(ctx, id)
}

// ListDocuments pages documents newest first.
func (s *UploadService) ListDocuments(ctx domain.Context, limit, offset int) ([]domain.Document, int64, error) {
	return s.docs.List(ctx, limit, offset)
}

func mimeAllowed(detected string) bool {
	for _, m := range domain.SupportedMIMETypes {
		if m == detected {
			return true
		}
	}
	return false
}
