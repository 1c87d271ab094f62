package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/wamiri/docproc/internal/adapter/observability"
	"github.com/wamiri/docproc/internal/adapter/storage"
	"github.com/wamiri/docproc/internal/config"
	"github.com/wamiri/docproc/internal/domain"
	"github.com/wamiri/docproc/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Uploads    *usecase.UploadService
	Reviews    *usecase.ReviewService
	Cache      domain.ProcessedCache
	Monitor    *observability.Monitor
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, uploads *usecase.UploadService, reviews *usecase.ReviewService, cache domain.ProcessedCache, monitor *observability.Monitor, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:        cfg,
		Uploads:    uploads,
		Reviews:    reviews,
		Cache:      cache,
		Monitor:    monitor,
		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func validateStruct(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := getValidator().Struct(req); err != nil {
		verrs := map[string]string{}
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
		return false
	}
	return true
}

// UploadHandler handles multipart upload of one document file.
func (s *Server) UploadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}
		maxBytes := s.Cfg.MaxUploadBytes()
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes*2)
		if err := r.ParseMultipartForm(maxBytes * 2); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "too large") {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
					Code:    "INVALID_ARGUMENT",
					Message: "payload too large",
					Details: map[string]any{"max_mb": s.Cfg.MaxUploadSizeMB},
				}})
				return
			}
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: file required", domain.ErrInvalidArgument), map[string]string{"field": "file"})
			return
		}
		defer func() { _ = file.Close() }()

		doc, err := s.Uploads.Upload(r.Context(), header.Filename, file)
		if err != nil {
			writeError(w, r, err, map[string]string{"filename": header.Filename})
			return
		}
		writeJSON(w, http.StatusAccepted, documentEnvelope(doc))
	}
}

// DocumentHandler returns one document's lifecycle state.
func (s *Server) DocumentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		doc, err := s.Uploads.GetDocument(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, documentEnvelope(doc))
	}
}

// ListDocumentsHandler pages documents newest first.
func (s *Server) ListDocumentsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r, 20)
		docs, total, err := s.Uploads.ListDocuments(r.Context(), limit, offset)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(docs))
		for _, d := range docs {
			out = append(out, documentEnvelope(d))
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": out, "total": total})
	}
}

// ResultHandler returns the extraction result for a completed or duplicate
// document. The result is resolved through the content-hash cache, so a
// duplicate upload serves the original extraction rebound to its own
// document identity.
func (s *Server) ResultHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		doc, err := s.Uploads.GetDocument(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp := map[string]any{"id": doc.ID, "status": string(doc.Status)}
		if doc.Status == domain.DocFailed {
			resp["error"] = doc.ErrorMessage
		}
		if doc.Status != domain.DocCompleted && doc.Status != domain.DocDuplicate {
			writeJSON(w, http.StatusOK, resp)
			return
		}

		hash, err := storage.HashFile(filepath.Join(s.Cfg.UploadDir, doc.StoredName))
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: stored file unavailable", domain.ErrNotFound), nil)
			return
		}
		res, ok, err := s.Cache.Lookup(r.Context(), hash)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if !ok {
			writeError(w, r, fmt.Errorf("%w: result not found", domain.ErrNotFound), nil)
			return
		}
		if doc.Status == domain.DocDuplicate {
			res = res.Rebind(doc.ID, doc.StoredName)
		}
		resp["result"] = res
		writeJSON(w, http.StatusOK, resp)
	}
}

// ReadyzHandler probes the database and Redis.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		st := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				st = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

func documentEnvelope(d domain.Document) map[string]any {
	m := map[string]any{
		"id":       d.ID,
		"filename": d.OriginalName,
		"status":   string(d.Status),
	}
	if d.TaskID != "" {
		m["task_id"] = d.TaskID
	}
	if d.ErrorMessage != "" {
		m["error"] = d.ErrorMessage
	}
	if !d.CreatedAt.IsZero() {
		m["created_at"] = d.CreatedAt.UTC().Format(time.RFC3339)
	}
	return m
}

func pageParams(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func decodeJSON(w http.ResponseWriter, r *http.Request, into any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
		return false
	}
	return true
}
