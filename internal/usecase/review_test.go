package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wamiri/docproc/internal/config"
	"github.com/wamiri/docproc/internal/domain"
	"github.com/wamiri/docproc/internal/usecase"
)

func reviewConfig() config.Config {
	return config.Config{
		ReviewSLAHours:     24,
		ClaimExpiryMinutes: 30,
		ReviewerRoster:     []string{"alice", "bob", "carol"},
	}
}

func TestComputePriority(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	in12h := now.Add(12 * time.Hour)
	in48h := now.Add(48 * time.Hour)
	overdue := now.Add(-2 * time.Hour)

	tests := []struct {
		name     string
		conf     float64
		deadline *time.Time
		items    int
		amount   float64
		want     float64
	}{
		{"perfect confidence nothing else", 1.0, nil, 0, 0, 0},
		{"zero confidence dominates", 0.0, nil, 0, 0, 40},
		{"mid confidence with volume and amount", 0.85, nil, 10, 2000, 10},
		{"overdue deadline adds full urgency", 1.0, &overdue, 0, 0, 30},
		{"half-window deadline adds half urgency", 1.0, &in12h, 0, 0, 15},
		{"far deadline adds nothing", 1.0, &in48h, 0, 0, 0},
		{"volume and amount clamp at their caps", 1.0, nil, 250, 50_000, 30},
		{"all components combine", 0.6, ptrTime(now.Add(6 * time.Hour)), 120, 25_000, 68.5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := usecase.ComputePriority(tc.conf, tc.deadline, tc.items, tc.amount, now)
			assert.InDelta(t, tc.want, got, 0.001)
		})
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestCreateReviewItemMaterializesAndAssigns(t *testing.T) {
	t.Parallel()
	repo := &mockReviewRepo{}
	tie := &mockTieBreaker{}
	svc := usecase.NewReviewService(reviewConfig(), repo, tie)

	res := domain.ExtractionResult{
		DocumentID: "doc-1",
		Filename:   "invoice.pdf",
		Invoice: domain.InvoiceData{
			Total:     2000,
			LineItems: []domain.LineItem{{Item: "widget", Quantity: 1, UnitPrice: 2000, Total: 2000}},
		},
		FieldConfidences: []domain.FieldConfidence{
			{FieldName: "vendor", Confidence: 0.9},
			{FieldName: "total", Confidence: 0.8},
		},
	}
	// conf 0.85 -> 6, 1 line item -> 0.2, 2000 amount -> 2.
	repo.On("Materialize", mock.Anything, mock.MatchedBy(func(r domain.ExtractionResult) bool {
		return r.DocumentID == "doc-1"
	}), 8.2).Return("item-1", nil)
	repo.On("Workload", mock.Anything).Return(map[string]int{"alice": 2, "bob": 1, "carol": 3}, nil)
	repo.On("Assign", mock.Anything, "item-1", "bob").Return(true, nil)

	itemID, err := svc.CreateReviewItem(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, "item-1", itemID)
	repo.AssertExpectations(t)
	tie.AssertNotCalled(t, "Next", mock.Anything)
}

func TestCreateReviewItemSurvivesAssignFailure(t *testing.T) {
	t.Parallel()
	repo := &mockReviewRepo{}
	svc := usecase.NewReviewService(reviewConfig(), repo, nil)

	repo.On("Materialize", mock.Anything, mock.Anything, mock.Anything).Return("item-2", nil)
	repo.On("Workload", mock.Anything).Return(map[string]int{}, errors.New("db down"))

	itemID, err := svc.CreateReviewItem(context.Background(), domain.ExtractionResult{DocumentID: "doc-2"})
	require.NoError(t, err, "assignment is best-effort")
	assert.Equal(t, "item-2", itemID)
	repo.AssertExpectations(t)
}

func TestAutoAssignTieBreak(t *testing.T) {
	t.Parallel()
	repo := &mockReviewRepo{}
	tie := &mockTieBreaker{}
	svc := usecase.NewReviewService(reviewConfig(), repo, tie)

	// alice and bob tie at load 1; counter 3 % 2 picks bob.
	repo.On("Workload", mock.Anything).Return(map[string]int{"alice": 1, "bob": 1, "carol": 5}, nil)
	tie.On("Next", mock.Anything).Return(int64(3), nil)
	repo.On("Assign", mock.Anything, "item-1", "bob").Return(true, nil)

	require.NoError(t, svc.AutoAssign(context.Background(), "item-1"))
	repo.AssertExpectations(t)
	tie.AssertExpectations(t)
}

func TestAutoAssignTieBreakerUnavailable(t *testing.T) {
	t.Parallel()
	repo := &mockReviewRepo{}
	tie := &mockTieBreaker{}
	svc := usecase.NewReviewService(reviewConfig(), repo, tie)

	repo.On("Workload", mock.Anything).Return(map[string]int{}, nil)
	tie.On("Next", mock.Anything).Return(int64(0), errors.New("redis down"))
	// Falls back to the first roster candidate.
	repo.On("Assign", mock.Anything, "item-1", "alice").Return(true, nil)

	require.NoError(t, svc.AutoAssign(context.Background(), "item-1"))
	repo.AssertExpectations(t)
}

func TestAutoAssignUnseenReviewersCountAsIdle(t *testing.T) {
	t.Parallel()
	repo := &mockReviewRepo{}
	svc := usecase.NewReviewService(reviewConfig(), repo, nil)

	// carol has no rows at all, so she is the unique least-loaded.
	repo.On("Workload", mock.Anything).Return(map[string]int{"alice": 2, "bob": 1}, nil)
	repo.On("Assign", mock.Anything, "item-1", "carol").Return(true, nil)

	require.NoError(t, svc.AutoAssign(context.Background(), "item-1"))
	repo.AssertExpectations(t)
}

func TestAutoAssignEmptyRoster(t *testing.T) {
	t.Parallel()
	cfg := reviewConfig()
	cfg.ReviewerRoster = nil
	repo := &mockReviewRepo{}
	svc := usecase.NewReviewService(cfg, repo, nil)

	require.NoError(t, svc.AutoAssign(context.Background(), "item-1"))
	repo.AssertNotCalled(t, "Workload", mock.Anything)
	repo.AssertNotCalled(t, "Assign", mock.Anything, mock.Anything, mock.Anything)
}

func TestClaimSetsSLADeadline(t *testing.T) {
	t.Parallel()
	repo := &mockReviewRepo{}
	svc := usecase.NewReviewService(reviewConfig(), repo, nil)

	before := time.Now()
	repo.On("Claim", mock.Anything, "item-1", "alice", mock.MatchedBy(func(d time.Time) bool {
		want := before.Add(24 * time.Hour)
		return d.Sub(want) >= 0 && d.Sub(want) < 5*time.Second
	})).Return(domain.ReviewItem{ID: "item-1", Status: domain.ReviewInReview}, nil)

	item, err := svc.Claim(context.Background(), "item-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewInReview, item.Status)
	repo.AssertExpectations(t)
}

func TestClaimRequiresReviewer(t *testing.T) {
	t.Parallel()
	svc := usecase.NewReviewService(reviewConfig(), &mockReviewRepo{}, nil)
	_, err := svc.Claim(context.Background(), "item-1", "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSubmitRequiresReviewer(t *testing.T) {
	t.Parallel()
	svc := usecase.NewReviewService(reviewConfig(), &mockReviewRepo{}, nil)
	_, err := svc.Submit(context.Background(), "item-1", domain.ReviewSubmission{Action: domain.ActionApprove}, "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestReleaseExpiredClaims(t *testing.T) {
	t.Parallel()
	repo := &mockReviewRepo{}
	svc := usecase.NewReviewService(reviewConfig(), repo, nil)

	before := time.Now()
	repo.On("ReleaseExpired", mock.Anything, mock.MatchedBy(func(cutoff time.Time) bool {
		want := before.Add(-30 * time.Minute)
		return cutoff.Sub(want) >= 0 && cutoff.Sub(want) < 5*time.Second
	})).Return(int64(3), nil)

	released, err := svc.ReleaseExpiredClaims(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), released)
	repo.AssertExpectations(t)
}
