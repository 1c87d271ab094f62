package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/wamiri/docproc/internal/domain"
)

// CacheRepo is the content-hash-keyed idempotency store backed by the
// processed_documents table.
type CacheRepo struct{ Pool PgxPool }

// NewCacheRepo constructs a CacheRepo with the given pool.
func NewCacheRepo(p PgxPool) *CacheRepo { return &CacheRepo{Pool: p} }

// Lookup returns the cached extraction result for a content hash.
func (r *CacheRepo) Lookup(ctx domain.Context, contentHash string) (domain.ExtractionResult, bool, error) {
	tracer := otel.Tracer("repo.cache")
	ctx, span := tracer.Start(ctx, "cache.Lookup")
	defer span.End()
	var blob []byte
	q := `SELECT result FROM processed_documents WHERE content_hash=$1`
	if err := r.Pool.QueryRow(ctx, q, contentHash).Scan(&blob); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExtractionResult{}, false, nil
		}
		return domain.ExtractionResult{}, false, fmt.Errorf("op=cache.lookup: %w", err)
	}
	var res domain.ExtractionResult
	if err := json.Unmarshal(blob, &res); err != nil {
		return domain.ExtractionResult{}, false, fmt.Errorf("op=cache.lookup: %w", err)
	}
	return res, true, nil
}

// Store persists a result keyed by its content hash. A concurrent insert
// of the same hash wins silently.
func (r *CacheRepo) Store(ctx domain.Context, res domain.ExtractionResult) error {
	tracer := otel.Tracer("repo.cache")
	ctx, span := tracer.Start(ctx, "cache.Store")
	defer span.End()
	if res.ContentHash == "" {
		return fmt.Errorf("op=cache.store: empty content hash: %w", domain.ErrInvalidArgument)
	}
	blob, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("op=cache.store: %w", err)
	}
	q := `INSERT INTO processed_documents (content_hash, document_id, filename, result, processed_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (content_hash) DO NOTHING`
	if _, err := r.Pool.Exec(ctx, q, res.ContentHash, res.DocumentID, res.Filename, blob, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=cache.store: %w", err)
	}
	return nil
}
