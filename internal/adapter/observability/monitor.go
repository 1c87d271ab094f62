package observability

import (
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// SLADefinition is one configured service-level objective. Comparison
// "lt" means the metric must stay below Threshold (current >= Threshold
// breaches); "gt" means it must stay above (current < Threshold breaches).
type SLADefinition struct {
	Name          string  `yaml:"name"`
	MetricName    string  `yaml:"metric_name"`
	Threshold     float64 `yaml:"threshold"`
	Comparison    string  `yaml:"comparison"`
	WindowMinutes int     `yaml:"window_minutes"`
	Severity      string  `yaml:"severity"`
}

// SLABreach reports one violated definition at evaluation time.
type SLABreach struct {
	Name      string  `json:"name"`
	Metric    string  `json:"metric"`
	Current   float64 `json:"current"`
	Threshold float64 `json:"threshold"`
	Severity  string  `json:"severity"`
}

// MetricsSnapshot is the derived view of the processing monitor.
type MetricsSnapshot struct {
	P95LatencySeconds float64   `json:"p95_latency_seconds"`
	ThroughputPerHour float64   `json:"throughput_docs_per_hour"`
	ErrorRatePercent  float64   `json:"error_rate_percent"`
	QueueDepth        int64     `json:"queue_depth"`
	SLABreachPercent  float64   `json:"sla_breach_percent"`
	ProcessedCount    int64     `json:"processed_count"`
	ErrorCount        int64     `json:"error_count"`
	WindowSize        int       `json:"window_size"`
	GeneratedAt       time.Time `json:"generated_at"`
}

type procEvent struct {
	ts       time.Time
	duration float64
}

// Monitor maintains a sliding window of processing events and derives
// P95 latency, throughput, cumulative error rate, and SLA breach rate.
type Monitor struct {
	mu     sync.Mutex
	window []procEvent // ordered by ts, pruned from the front
	span   time.Duration
	now    func() time.Time

	processedCount int64
	errorCount     int64
	queueDepth     int64
	slaTotalChecks int64
	slaBreachCount int64

	slas []SLADefinition
}

// NewMonitor creates a monitor covering the last windowSeconds of events.
func NewMonitor(windowSeconds int, slas []SLADefinition) *Monitor {
	if windowSeconds <= 0 {
		windowSeconds = 3600
	}
	return &Monitor{
		span: time.Duration(windowSeconds) * time.Second,
		now:  time.Now,
		slas: slas,
	}
}

// DefaultSLADefinitions returns the built-in objectives used when no
// definitions file is configured.
func DefaultSLADefinitions() []SLADefinition {
	return []SLADefinition{
		{Name: "p95_latency", MetricName: "p95_latency_seconds", Threshold: 300, Comparison: "lt", WindowMinutes: 60, Severity: "critical"},
		{Name: "throughput", MetricName: "throughput_docs_per_hour", Threshold: 10, Comparison: "gt", WindowMinutes: 60, Severity: "warning"},
		{Name: "error_rate", MetricName: "error_rate_percent", Threshold: 5, Comparison: "lt", WindowMinutes: 60, Severity: "critical"},
		{Name: "queue_depth", MetricName: "queue_depth", Threshold: 100, Comparison: "lt", WindowMinutes: 15, Severity: "warning"},
	}
}

// LoadSLADefinitions reads objectives from a YAML file, falling back to
// the defaults when the path is empty or missing.
func LoadSLADefinitions(path string) ([]SLADefinition, error) {
	if path == "" {
		return DefaultSLADefinitions(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSLADefinitions(), nil
		}
		return nil, fmt.Errorf("op=observability.LoadSLADefinitions: %w", err)
	}
	var doc struct {
		SLAs []SLADefinition `yaml:"slas"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("op=observability.LoadSLADefinitions: %w", err)
	}
	if len(doc.SLAs) == 0 {
		return DefaultSLADefinitions(), nil
	}
	return doc.SLAs, nil
}

// RecordProcessing appends one processing event and prunes the window.
func (m *Monitor) RecordProcessing(duration time.Duration, isError bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.window = append(m.window, procEvent{ts: now, duration: duration.Seconds()})
	m.prune(now)
	m.processedCount++
	if isError {
		m.errorCount++
	}
}

// UpdateQueueDepth sets the externally observed review queue depth.
func (m *Monitor) UpdateQueueDepth(pending, inReview int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepth = pending + inReview
	ReviewQueueDepth.WithLabelValues("pending").Set(float64(pending))
	ReviewQueueDepth.WithLabelValues("in_review").Set(float64(inReview))
}

// Snapshot derives the current metric values.
func (m *Monitor) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.prune(now)

	snap := MetricsSnapshot{
		QueueDepth:     m.queueDepth,
		ProcessedCount: m.processedCount,
		ErrorCount:     m.errorCount,
		WindowSize:     len(m.window),
		GeneratedAt:    now,
	}
	if n := len(m.window); n > 0 {
		durations := make([]float64, n)
		for i, ev := range m.window {
			durations[i] = ev.duration
		}
		sort.Float64s(durations)
		idx := int(math.Floor(float64(n) * 0.95))
		if idx > n-1 {
			idx = n - 1
		}
		snap.P95LatencySeconds = durations[idx]
		snap.ThroughputPerHour = float64(n) / (m.span.Hours())
	}
	if m.processedCount > 0 {
		snap.ErrorRatePercent = float64(m.errorCount) / float64(m.processedCount) * 100
	}
	if m.slaTotalChecks > 0 {
		snap.SLABreachPercent = float64(m.slaBreachCount) / float64(m.slaTotalChecks) * 100
	}
	return snap
}

// CheckSLAs evaluates every configured definition against the current
// snapshot, updates the breach totals, and returns the breach list.
func (m *Monitor) CheckSLAs() []SLABreach {
	snap := m.Snapshot()
	current := map[string]float64{
		"p95_latency_seconds":      snap.P95LatencySeconds,
		"throughput_docs_per_hour": snap.ThroughputPerHour,
		"error_rate_percent":       snap.ErrorRatePercent,
		"queue_depth":              float64(snap.QueueDepth),
		"sla_breach_percent":       snap.SLABreachPercent,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var breaches []SLABreach
	for _, def := range m.slas {
		value, ok := current[def.MetricName]
		if !ok {
			continue
		}
		m.slaTotalChecks++
		breached := false
		switch def.Comparison {
		case "lt":
			breached = value >= def.Threshold
		case "gt":
			breached = value < def.Threshold
		}
		if breached {
			m.slaBreachCount++
			breaches = append(breaches, SLABreach{
				Name:      def.Name,
				Metric:    def.MetricName,
				Current:   value,
				Threshold: def.Threshold,
				Severity:  def.Severity,
			})
		}
	}
	return breaches
}

// prune drops events older than the window span. Caller holds the mutex.
func (m *Monitor) prune(now time.Time) {
	cutoff := now.Add(-m.span)
	i := 0
	for i < len(m.window) && m.window[i].ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.window = append(m.window[:0], m.window[i:]...)
	}
}
