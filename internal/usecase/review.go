package usecase

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/wamiri/docproc/internal/adapter/observability"
	"github.com/wamiri/docproc/internal/config"
	"github.com/wamiri/docproc/internal/domain"
)

// ReviewService implements the human review queue: prioritization,
// claiming, decisions, least-loaded auto-assignment, and expired-claim
// release.
type ReviewService struct {
	cfg    config.Config
	repo   domain.ReviewRepository
	tie    domain.TieBreaker
	roster []string
	now    func() time.Time
}

// NewReviewService wires the review queue workflows.
func NewReviewService(cfg config.Config, repo domain.ReviewRepository, tie domain.TieBreaker) *ReviewService {
	return &ReviewService{
		cfg:    cfg,
		repo:   repo,
		tie:    tie,
		roster: cfg.ReviewerRoster,
		now:    time.Now,
	}
}

// ComputePriority scores an item for the queue; higher is more urgent.
// Confidence contributes 40%, SLA urgency 30%, line-item volume 20%,
// and invoice amount 10%, each on a 0..100 scale. Rounded to 2 decimals.
func ComputePriority(confidenceAvg float64, slaDeadline *time.Time, numLineItems int, totalAmount float64, now time.Time) float64 {
	p := (100 - confidenceAvg*100) * 0.4

	if slaDeadline != nil {
		hoursUntil := slaDeadline.Sub(now).Hours()
		if hoursUntil < 0 {
			hoursUntil = 0
		}
		urgency := (24 - hoursUntil) / 24
		if urgency < 0 {
			urgency = 0
		}
		p += urgency * 100 * 0.3
	}

	volume := float64(numLineItems) / 100
	if volume > 1 {
		volume = 1
	}
	p += volume * 100 * 0.2

	amount := totalAmount / 10_000
	if amount > 1 {
		amount = 1
	}
	p += amount * 100 * 0.1

	return math.Round(p*100) / 100
}

// CreateReviewItem materializes the review item for an extraction
// result and auto-assigns an initial reviewer.
func (s *ReviewService) CreateReviewItem(ctx domain.Context, res domain.ExtractionResult) (string, error) {
	priority := ComputePriority(res.AverageConfidence(), nil, len(res.Invoice.LineItems), res.Invoice.Total, s.now())
	itemID, err := s.repo.Materialize(ctx, res, priority)
	if err != nil {
		return "", err
	}
	if err := s.AutoAssign(ctx, itemID); err != nil {
		// Assignment is best-effort; the item stays claimable.
		slog.Warn("auto-assign failed",
			slog.String("item_id", itemID), slog.Any("error", err))
	}
	slog.Info("review item materialized",
		slog.String("item_id", itemID),
		slog.String("document_id", res.DocumentID),
		slog.Float64("priority", priority))
	return itemID, nil
}

// Claim transitions a pending item to in_review for the reviewer and
// starts the SLA clock from now.
func (s *ReviewService) Claim(ctx domain.Context, itemID, reviewerID string) (domain.ReviewItem, error) {
	if reviewerID == "" {
		return domain.ReviewItem{}, fmt.Errorf("op=review.Claim: empty reviewer: %w", domain.ErrInvalidArgument)
	}
	deadline := s.now().Add(s.cfg.SLADuration())
	return s.repo.Claim(ctx, itemID, reviewerID, deadline)
}

// Submit applies a reviewer decision.
func (s *ReviewService) Submit(ctx domain.Context, itemID string, sub domain.ReviewSubmission, reviewerID string) (domain.ReviewItem, error) {
	if reviewerID == "" {
		return domain.ReviewItem{}, fmt.Errorf("op=review.Submit: empty reviewer: %w", domain.ErrInvalidArgument)
	}
	item, err := s.repo.Submit(ctx, itemID, sub, reviewerID)
	if err != nil {
		return domain.ReviewItem{}, err
	}
	observability.ReviewDecisionsTotal.WithLabelValues(string(sub.Action)).Inc()
	return item, nil
}

// AutoAssign picks the least-loaded roster reviewer for a pending item,
// breaking ties round-robin via the shared counter.
func (s *ReviewService) AutoAssign(ctx domain.Context, itemID string) error {
	if len(s.roster) == 0 {
		return nil
	}
	workload, err := s.repo.Workload(ctx)
	if err != nil {
		return err
	}

	minLoad := -1
	for _, reviewer := range s.roster {
		if load := workload[reviewer]; minLoad < 0 || load < minLoad {
			minLoad = load
		}
	}
	// Roster order is the deterministic tie order.
	var tied []string
	for _, reviewer := range s.roster {
		if workload[reviewer] == minLoad {
			tied = append(tied, reviewer)
		}
	}

	chosen := tied[0]
	if len(tied) > 1 && s.tie != nil {
		n, err := s.tie.Next(ctx)
		if err != nil {
			slog.Warn("tie breaker unavailable, using first candidate", slog.Any("error", err))
		} else {
			chosen = tied[int(n)%len(tied)]
		}
	}

	changed, err := s.repo.Assign(ctx, itemID, chosen)
	if err != nil {
		return err
	}
	if changed {
		slog.Info("review item assigned",
			slog.String("item_id", itemID),
			slog.String("reviewer", chosen),
			slog.Int("load", minLoad))
	}
	return nil
}

// ReleaseExpiredClaims returns stale in_review items to pending and
// reports how many were released.
func (s *ReviewService) ReleaseExpiredClaims(ctx domain.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.ClaimExpiry())
	released, err := s.repo.ReleaseExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		observability.ClaimsReleasedTotal.Add(float64(released))
		slog.Info("expired claims released", slog.Int64("count", released))
	}
	return released, nil
}

// Get loads one review item with fields.
func (s *ReviewService) Get(ctx domain.Context, itemID string) (domain.ReviewItem, error) {
	return s.repo.Get(ctx, itemID)
}

// List pages the queue with filters and sorting.
func (s *ReviewService) List(ctx domain.Context, f domain.QueueFilter) ([]domain.ReviewItem, int64, error) {
	return s.repo.List(ctx, f)
}

// AuditTrail returns the audit entries for an item.
func (s *ReviewService) AuditTrail(ctx domain.Context, itemID string) ([]domain.AuditEntry, error) {
	return s.repo.AuditTrail(ctx, itemID)
}

// Stats computes the dashboard statistics.
func (s *ReviewService) Stats(ctx domain.Context) (domain.QueueStats, error) {
	return s.repo.Stats(ctx)
}

// StatusCounts returns the pending and in_review counts.
func (s *ReviewService) StatusCounts(ctx domain.Context) (int64, int64, error) {
	return s.repo.StatusCounts(ctx)
}
