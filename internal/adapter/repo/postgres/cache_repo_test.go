package postgres_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wamiri/docproc/internal/adapter/repo/postgres"
	"github.com/wamiri/docproc/internal/domain"
)

func sampleResult() domain.ExtractionResult {
	return domain.ExtractionResult{
		DocumentID: "doc-1",
		Filename:   "invoice.pdf",
		Invoice: domain.InvoiceData{
			Vendor:        "Acme Corp",
			InvoiceNumber: "INV-42",
			Total:         120.50,
			Currency:      "USD",
		},
		FieldConfidences: []domain.FieldConfidence{
			{FieldName: "vendor", Value: "Acme Corp", Confidence: 0.95},
		},
		OverallConfidence: 0.95,
		ExtractedAt:       time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		ContentHash:       "abc123",
		SchemaVersion:     domain.SchemaVersion,
	}
}

func TestCacheRepo_Lookup(t *testing.T) {
	t.Parallel()

	t.Run("hit deserializes the stored blob", func(t *testing.T) {
		t.Parallel()
		m, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer m.Close()

		want := sampleResult()
		blob, err := json.Marshal(want)
		require.NoError(t, err)
		m.ExpectQuery("SELECT result FROM processed_documents").
			WithArgs("abc123").
			WillReturnRows(pgxmock.NewRows([]string{"result"}).AddRow(blob))

		repo := postgres.NewCacheRepo(m)
		got, ok, err := repo.Lookup(context.Background(), "abc123")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
		assert.NoError(t, m.ExpectationsWereMet())
	})

	t.Run("miss is not an error", func(t *testing.T) {
		t.Parallel()
		m, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer m.Close()

		m.ExpectQuery("SELECT result FROM processed_documents").
			WithArgs("nope").
			WillReturnError(pgx.ErrNoRows)

		repo := postgres.NewCacheRepo(m)
		_, ok, err := repo.Lookup(context.Background(), "nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCacheRepo_Store(t *testing.T) {
	t.Parallel()

	t.Run("inserts keyed by content hash", func(t *testing.T) {
		t.Parallel()
		m, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer m.Close()

		m.ExpectExec("INSERT INTO processed_documents").
			WithArgs("abc123", "doc-1", "invoice.pdf", pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		repo := postgres.NewCacheRepo(m)
		require.NoError(t, repo.Store(context.Background(), sampleResult()))
		assert.NoError(t, m.ExpectationsWereMet())
	})

	t.Run("empty hash rejected", func(t *testing.T) {
		t.Parallel()
		m, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer m.Close()

		res := sampleResult()
		res.ContentHash = ""
		repo := postgres.NewCacheRepo(m)
		err = repo.Store(context.Background(), res)
		require.ErrorIs(t, err, domain.ErrInvalidArgument)
	})

	t.Run("conflict is silent", func(t *testing.T) {
		t.Parallel()
		m, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer m.Close()

		m.ExpectExec("INSERT INTO processed_documents").
			WithArgs("abc123", "doc-1", "invoice.pdf", pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))

		repo := postgres.NewCacheRepo(m)
		require.NoError(t, repo.Store(context.Background(), sampleResult()))
	})
}
