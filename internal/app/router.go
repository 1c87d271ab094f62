// Package app assembles the HTTP router, readiness checks, and the
// background maintenance loops.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/wamiri/docproc/internal/adapter/httpserver"
	"github.com/wamiri/docproc/internal/adapter/observability"
	"github.com/wamiri/docproc/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Rate limit mutating endpoints
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/v1/documents", srv.UploadHandler())
		wr.Post("/v1/review/items/{id}/claim", srv.ClaimHandler())
		wr.Post("/v1/review/items/{id}/submit", srv.SubmitHandler())
	})

	// Read-only endpoints
	r.Get("/v1/documents", srv.ListDocumentsHandler())
	r.Get("/v1/documents/{id}", srv.DocumentHandler())
	r.Get("/v1/documents/{id}/result", srv.ResultHandler())
	r.Get("/v1/review/queue", srv.QueueHandler())
	r.Get("/v1/review/items/{id}", srv.ReviewItemHandler())
	r.Get("/v1/review/items/{id}/audit", srv.AuditTrailHandler())
	r.Get("/v1/review/stats", srv.QueueStatsHandler())
	r.Get("/v1/monitoring/metrics", srv.MetricsSnapshotHandler())
	r.Get("/v1/monitoring/sla", srv.SLAStatusHandler())

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
