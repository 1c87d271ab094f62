package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wamiri/docproc/internal/adapter/observability"
	"github.com/wamiri/docproc/internal/usecase"
)

// ClaimReleaser periodically returns expired in_review claims to pending
// so abandoned items become claimable again.
type ClaimReleaser struct {
	reviews  *usecase.ReviewService
	interval time.Duration
}

// NewClaimReleaser builds the release loop.
func NewClaimReleaser(reviews *usecase.ReviewService, interval time.Duration) *ClaimReleaser {
	if reviews == nil {
		return nil
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ClaimReleaser{reviews: reviews, interval: interval}
}

// Run blocks until ctx is cancelled, sweeping once immediately and then on
// every tick.
func (c *ClaimReleaser) Run(ctx context.Context) {
	if c == nil {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("claim releaser stopping")
			return
		case <-ticker.C:
			c.sweepOnce(ctx)
		}
	}
}

func (c *ClaimReleaser) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("review.maintenance")
	ctx, span := tracer.Start(ctx, "ClaimReleaser.sweepOnce")
	defer span.End()

	released, err := c.reviews.ReleaseExpiredClaims(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("claim release sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int64("review.claims_released", released))
}

// QueueDepthUpdater periodically publishes review queue depth to the
// sliding-window monitor and the Prometheus gauges.
type QueueDepthUpdater struct {
	reviews  *usecase.ReviewService
	monitor  *observability.Monitor
	interval time.Duration
}

// NewQueueDepthUpdater builds the queue depth loop.
func NewQueueDepthUpdater(reviews *usecase.ReviewService, monitor *observability.Monitor, interval time.Duration) *QueueDepthUpdater {
	if reviews == nil || monitor == nil {
		return nil
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &QueueDepthUpdater{reviews: reviews, monitor: monitor, interval: interval}
}

// Run blocks until ctx is cancelled.
func (u *QueueDepthUpdater) Run(ctx context.Context) {
	if u == nil {
		return
	}
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	u.updateOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("queue depth updater stopping")
			return
		case <-ticker.C:
			u.updateOnce(ctx)
		}
	}
}

func (u *QueueDepthUpdater) updateOnce(ctx context.Context) {
	pending, inReview, err := u.reviews.StatusCounts(ctx)
	if err != nil {
		slog.Error("queue depth update failed", slog.Any("error", err))
		return
	}
	u.monitor.UpdateQueueDepth(pending, inReview)
}

// SnapshotWriter periodically persists the monitor's derived metrics as
// timestamped JSON files for offline inspection.
type SnapshotWriter struct {
	monitor  *observability.Monitor
	dir      string
	interval time.Duration
}

// NewSnapshotWriter builds the snapshot persistence loop.
func NewSnapshotWriter(monitor *observability.Monitor, dir string, interval time.Duration) *SnapshotWriter {
	if monitor == nil || dir == "" {
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &SnapshotWriter{monitor: monitor, dir: dir, interval: interval}
}

// Run blocks until ctx is cancelled, writing on every tick.
func (w *SnapshotWriter) Run(ctx context.Context) {
	if w == nil {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("snapshot writer stopping")
			return
		case <-ticker.C:
			w.writeOnce()
		}
	}
}

func (w *SnapshotWriter) writeOnce() {
	path, err := observability.WriteSnapshot(w.dir, w.monitor.Snapshot())
	if err != nil {
		slog.Error("metrics snapshot write failed", slog.Any("error", err))
		return
	}
	slog.Debug("metrics snapshot written", slog.String("path", path))
}
