package usecase_test

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/wamiri/docproc/internal/domain"
)

type mockDocumentRepo struct{ mock.Mock }

func (m *mockDocumentRepo) Create(ctx domain.Context, d domain.Document) (string, error) {
	args := m.Called(ctx, d)
	return args.String(0), args.Error(1)
}

func (m *mockDocumentRepo) Get(ctx domain.Context, id string) (domain.Document, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.Document), args.Error(1)
}

func (m *mockDocumentRepo) List(ctx domain.Context, limit, offset int) ([]domain.Document, int64, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]domain.Document), args.Get(1).(int64), args.Error(2)
}

func (m *mockDocumentRepo) SetStatus(ctx domain.Context, id string, status domain.DocumentStatus, errMsg string) error {
	args := m.Called(ctx, id, status, errMsg)
	return args.Error(0)
}

func (m *mockDocumentRepo) SetTaskID(ctx domain.Context, id, taskID string) error {
	args := m.Called(ctx, id, taskID)
	return args.Error(0)
}

type mockCache struct{ mock.Mock }

func (m *mockCache) Lookup(ctx domain.Context, contentHash string) (domain.ExtractionResult, bool, error) {
	args := m.Called(ctx, contentHash)
	return args.Get(0).(domain.ExtractionResult), args.Bool(1), args.Error(2)
}

func (m *mockCache) Store(ctx domain.Context, r domain.ExtractionResult) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

type mockReviewRepo struct{ mock.Mock }

func (m *mockReviewRepo) Materialize(ctx domain.Context, r domain.ExtractionResult, priority float64) (string, error) {
	args := m.Called(ctx, r, priority)
	return args.String(0), args.Error(1)
}

func (m *mockReviewRepo) Get(ctx domain.Context, id string) (domain.ReviewItem, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.ReviewItem), args.Error(1)
}

func (m *mockReviewRepo) List(ctx domain.Context, f domain.QueueFilter) ([]domain.ReviewItem, int64, error) {
	args := m.Called(ctx, f)
	return args.Get(0).([]domain.ReviewItem), args.Get(1).(int64), args.Error(2)
}

func (m *mockReviewRepo) Claim(ctx domain.Context, itemID, reviewerID string, slaDeadline time.Time) (domain.ReviewItem, error) {
	args := m.Called(ctx, itemID, reviewerID, slaDeadline)
	return args.Get(0).(domain.ReviewItem), args.Error(1)
}

func (m *mockReviewRepo) Submit(ctx domain.Context, itemID string, sub domain.ReviewSubmission, reviewerID string) (domain.ReviewItem, error) {
	args := m.Called(ctx, itemID, sub, reviewerID)
	return args.Get(0).(domain.ReviewItem), args.Error(1)
}

func (m *mockReviewRepo) Assign(ctx domain.Context, itemID, reviewer string) (bool, error) {
	args := m.Called(ctx, itemID, reviewer)
	return args.Bool(0), args.Error(1)
}

func (m *mockReviewRepo) Workload(ctx domain.Context) (map[string]int, error) {
	args := m.Called(ctx)
	return args.Get(0).(map[string]int), args.Error(1)
}

func (m *mockReviewRepo) ReleaseExpired(ctx domain.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockReviewRepo) AuditTrail(ctx domain.Context, itemID string) ([]domain.AuditEntry, error) {
	args := m.Called(ctx, itemID)
	return args.Get(0).([]domain.AuditEntry), args.Error(1)
}

func (m *mockReviewRepo) Stats(ctx domain.Context) (domain.QueueStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.QueueStats), args.Error(1)
}

func (m *mockReviewRepo) StatusCounts(ctx domain.Context) (int64, int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Get(1).(int64), args.Error(2)
}

type mockQueue struct{ mock.Mock }

func (m *mockQueue) EnqueueDocument(ctx domain.Context, p domain.DocumentTaskPayload) (string, error) {
	args := m.Called(ctx, p)
	return args.String(0), args.Error(1)
}

type mockExtractor struct{ mock.Mock }

func (m *mockExtractor) Extract(ctx domain.Context, req domain.ExtractRequest) (domain.ExtractionResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.ExtractionResult), args.Error(1)
}

type mockTieBreaker struct{ mock.Mock }

func (m *mockTieBreaker) Next(ctx domain.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}
