package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	ExtractionRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extraction_requests_total",
			Help: "Total number of extraction provider requests by outcome",
		},
		[]string{"provider", "outcome"},
	)
	ExtractionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "extraction_duration_seconds",
			Help:    "Extraction provider request duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	DocumentsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "documents_processed_total",
			Help: "Total number of documents processed by final status",
		},
		[]string{"status"},
	)
	DocumentsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "documents_processing",
			Help: "Number of documents currently processing",
		},
	)

	WorkflowStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_steps_total",
			Help: "Total number of workflow step executions by step and status",
		},
		[]string{"step", "status"},
	)
	WorkflowStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_step_duration_seconds",
			Help:    "Workflow step duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"step"},
	)

	ReviewQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "review_queue_depth",
			Help: "Number of review items by status",
		},
		[]string{"status"},
	)
	ReviewDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_decisions_total",
			Help: "Total number of review submissions by action",
		},
		[]string{"action"},
	)
	ClaimsReleasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "review_claims_released_total",
			Help: "Total number of expired in_review claims returned to pending",
		},
	)

	BreakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"name"},
	)

	// Confidence distribution of completed extractions
	ConfidenceHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "extraction_overall_confidence",
			Help:    "Distribution of overall extraction confidence [0,1]",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ExtractionRequestsTotal)
	prometheus.MustRegister(ExtractionDuration)
	prometheus.MustRegister(DocumentsProcessedTotal)
	prometheus.MustRegister(DocumentsProcessing)
	prometheus.MustRegister(WorkflowStepsTotal)
	prometheus.MustRegister(WorkflowStepDuration)
	prometheus.MustRegister(ReviewQueueDepth)
	prometheus.MustRegister(ReviewDecisionsTotal)
	prometheus.MustRegister(ClaimsReleasedTotal)
	prometheus.MustRegister(BreakerStateGauge)
	prometheus.MustRegister(ConfidenceHistogram)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordBreakerState publishes a breaker's state gauge.
func RecordBreakerState(name string, state int) {
	BreakerStateGauge.WithLabelValues(name).Set(float64(state))
}

// StartProcessingDocument marks one document as in-flight.
func StartProcessingDocument() { DocumentsProcessing.Inc() }

// FinishProcessingDocument records the terminal status of one document.
func FinishProcessingDocument(status string) {
	DocumentsProcessing.Dec()
	DocumentsProcessedTotal.WithLabelValues(status).Inc()
}

// ObserveStep records one workflow step outcome.
func ObserveStep(step, status string, dur time.Duration) {
	WorkflowStepsTotal.WithLabelValues(step, status).Inc()
	WorkflowStepDuration.WithLabelValues(step).Observe(dur.Seconds())
}
