package postgres

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/wamiri/docproc/internal/domain"
)

// ReviewRepo persists review items, their extracted fields, and the
// append-only audit log. Multi-row mutations run inside one transaction.
type ReviewRepo struct{ Pool PgxPool }

// NewReviewRepo constructs a ReviewRepo with the given pool.
func NewReviewRepo(p PgxPool) *ReviewRepo { return &ReviewRepo{Pool: p} }

const reviewColumns = `id, document_id, filename, status, priority, sla_deadline, assigned_to, created_at, claimed_at, completed_at`

// Materialize upserts the review item for r.DocumentID and replaces its
// non-locked fields. Locked fields survive re-extraction untouched: the
// unique (review_item_id, field_name) constraint makes the fresh insert
// a no-op for any field name still present after the non-locked delete.
func (r *ReviewRepo) Materialize(ctx domain.Context, res domain.ExtractionResult, priority float64) (string, error) {
	tracer := otel.Tracer("repo.review")
	ctx, span := tracer.Start(ctx, "review.Materialize")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("op=review.materialize: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	itemID := ulid.Make().String()
	var id string
	q := `INSERT INTO review_items (id, document_id, filename, status, priority, created_at)
		VALUES ($1,$2,$3,'pending',$4,$5)
		ON CONFLICT (document_id) DO UPDATE SET priority=EXCLUDED.priority
		RETURNING id`
	if err := tx.QueryRow(ctx, q, itemID, res.DocumentID, res.Filename, priority, time.Now().UTC()).Scan(&id); err != nil {
		return "", fmt.Errorf("op=review.materialize: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM extracted_fields WHERE review_item_id=$1 AND locked=false`, id); err != nil {
		return "", fmt.Errorf("op=review.materialize: %w", err)
	}
	insert := `INSERT INTO extracted_fields (id, review_item_id, field_name, value, confidence)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (review_item_id, field_name) DO NOTHING`
	for _, fc := range res.FieldConfidences {
		if _, err := tx.Exec(ctx, insert, uuid.New().String(), id, fc.FieldName, fc.Value, fc.Confidence); err != nil {
			return "", fmt.Errorf("op=review.materialize: field %s: %w", fc.FieldName, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=review.materialize: %w", err)
	}
	return id, nil
}

// Get loads one review item with its fields.
func (r *ReviewRepo) Get(ctx domain.Context, id string) (domain.ReviewItem, error) {
	tracer := otel.Tracer("repo.review")
	ctx, span := tracer.Start(ctx, "review.Get")
	defer span.End()

	q := `SELECT ` + reviewColumns + ` FROM review_items WHERE id=$1`
	item, err := scanReviewItem(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ReviewItem{}, fmt.Errorf("op=review.get: %w", domain.ErrNotFound)
		}
		return domain.ReviewItem{}, fmt.Errorf("op=review.get: %w", err)
	}
	fields, err := r.fieldsFor(ctx, []string{id})
	if err != nil {
		return domain.ReviewItem{}, fmt.Errorf("op=review.get: %w", err)
	}
	item.Fields = fields[id]
	return item, nil
}

// List returns filtered, sorted, paginated review items with their
// fields batch-fetched in one query.
func (r *ReviewRepo) List(ctx domain.Context, f domain.QueueFilter) ([]domain.ReviewItem, int64, error) {
	tracer := otel.Tracer("repo.review")
	ctx, span := tracer.Start(ctx, "review.List")
	defer span.End()

	where := ` WHERE 1=1`
	args := []any{}
	n := 0
	if f.Status != "" {
		n++
		where += fmt.Sprintf(" AND status=$%d", n)
		args = append(args, f.Status)
	}
	if f.AssignedTo != "" {
		n++
		where += fmt.Sprintf(" AND assigned_to=$%d", n)
		args = append(args, f.AssignedTo)
	}
	if f.PriorityMin != nil {
		n++
		where += fmt.Sprintf(" AND priority >= $%d", n)
		args = append(args, *f.PriorityMin)
	}

	var total int64
	if err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM review_items`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=review.list: %w", err)
	}

	order := ` ORDER BY priority DESC`
	switch f.SortBy {
	case "sla":
		order = ` ORDER BY sla_deadline ASC NULLS LAST`
	case "date":
		order = ` ORDER BY created_at DESC`
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + reviewColumns + ` FROM review_items` + where + order +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", n+1, n+2)
	args = append(args, limit, f.Offset)

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("op=review.list: %w", err)
	}
	defer rows.Close()
	var items []domain.ReviewItem
	var ids []string
	for rows.Next() {
		item, err := scanReviewItem(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=review.list: %w", err)
		}
		items = append(items, item)
		ids = append(ids, item.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=review.list: %w", err)
	}

	if len(ids) > 0 {
		fields, err := r.fieldsFor(ctx, ids)
		if err != nil {
			return nil, 0, fmt.Errorf("op=review.list: %w", err)
		}
		for i := range items {
			items[i].Fields = fields[items[i].ID]
		}
	}
	return items, total, nil
}

// Claim atomically transitions a pending item to in_review and starts
// its SLA clock. Exactly one concurrent claimer wins; losers get
// ErrConflict.
func (r *ReviewRepo) Claim(ctx domain.Context, itemID, reviewerID string, slaDeadline time.Time) (domain.ReviewItem, error) {
	tracer := otel.Tracer("repo.review")
	ctx, span := tracer.Start(ctx, "review.Claim")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.ReviewItem{}, fmt.Errorf("op=review.claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	q := `UPDATE review_items SET status='in_review', assigned_to=$2, claimed_at=$3, sla_deadline=$4
		WHERE id=$1 AND status='pending'`
	tag, err := tx.Exec(ctx, q, itemID, reviewerID, now, slaDeadline.UTC())
	if err != nil {
		return domain.ReviewItem{}, fmt.Errorf("op=review.claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ReviewItem{}, fmt.Errorf("op=review.claim: item not available: %w", domain.ErrConflict)
	}
	if err := appendAudit(ctx, tx, itemID, domain.AuditStartReview, "", "", "", reviewerID); err != nil {
		return domain.ReviewItem{}, err
	}

	item, err := scanReviewItem(tx.QueryRow(ctx, `SELECT `+reviewColumns+` FROM review_items WHERE id=$1`, itemID))
	if err != nil {
		return domain.ReviewItem{}, fmt.Errorf("op=review.claim: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.ReviewItem{}, fmt.Errorf("op=review.claim: %w", err)
	}
	return item, nil
}

// Submit applies a review decision and its corrections in one
// transaction. Corrections against locked fields are skipped silently.
func (r *ReviewRepo) Submit(ctx domain.Context, itemID string, sub domain.ReviewSubmission, reviewerID string) (domain.ReviewItem, error) {
	tracer := otel.Tracer("repo.review")
	ctx, span := tracer.Start(ctx, "review.Submit")
	defer span.End()

	status, err := sub.Action.StatusFor()
	if err != nil {
		return domain.ReviewItem{}, fmt.Errorf("op=review.submit: action %q: %w", sub.Action, err)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.ReviewItem{}, fmt.Errorf("op=review.submit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `UPDATE review_items SET status=$2, completed_at=$3 WHERE id=$1`, itemID, status, now)
	if err != nil {
		return domain.ReviewItem{}, fmt.Errorf("op=review.submit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ReviewItem{}, fmt.Errorf("op=review.submit: %w", domain.ErrNotFound)
	}

	for fieldName, newValue := range sub.Corrections {
		var fieldID, oldValue string
		var locked bool
		q := `SELECT id, value, locked FROM extracted_fields WHERE review_item_id=$1 AND field_name=$2 FOR UPDATE`
		if err := tx.QueryRow(ctx, q, itemID, fieldName).Scan(&fieldID, &oldValue, &locked); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				slog.Warn("correction for unknown field ignored",
					slog.String("item_id", itemID), slog.String("field", fieldName))
				continue
			}
			return domain.ReviewItem{}, fmt.Errorf("op=review.submit: field %s: %w", fieldName, err)
		}
		if locked {
			slog.Info("correction skipped for locked field",
				slog.String("item_id", itemID), slog.String("field", fieldName))
			continue
		}
		upd := `UPDATE extracted_fields SET value=$2, manually_corrected=true, corrected_at=$3, corrected_by=$4, locked=true WHERE id=$1`
		if _, err := tx.Exec(ctx, upd, fieldID, newValue, now, reviewerID); err != nil {
			return domain.ReviewItem{}, fmt.Errorf("op=review.submit: field %s: %w", fieldName, err)
		}
		if err := appendAudit(ctx, tx, itemID, domain.AuditCorrection, fieldName, oldValue, newValue, reviewerID); err != nil {
			return domain.ReviewItem{}, err
		}
	}

	switch sub.Action {
	case domain.ActionApprove:
		if err := appendAudit(ctx, tx, itemID, domain.AuditApproval, "", "", "", reviewerID); err != nil {
			return domain.ReviewItem{}, err
		}
	case domain.ActionReject:
		if sub.Reason != "" {
			if err := appendAudit(ctx, tx, itemID, domain.AuditRejection, "", "", sub.Reason, reviewerID); err != nil {
				return domain.ReviewItem{}, err
			}
		}
	}

	item, err := scanReviewItem(tx.QueryRow(ctx, `SELECT `+reviewColumns+` FROM review_items WHERE id=$1`, itemID))
	if err != nil {
		return domain.ReviewItem{}, fmt.Errorf("op=review.submit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.ReviewItem{}, fmt.Errorf("op=review.submit: %w", err)
	}
	return item, nil
}

// Assign sets assigned_to while the item is still pending and reports
// whether a row changed. Records an auto_assign audit entry on success.
func (r *ReviewRepo) Assign(ctx domain.Context, itemID, reviewer string) (bool, error) {
	tracer := otel.Tracer("repo.review")
	ctx, span := tracer.Start(ctx, "review.Assign")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("op=review.assign: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE review_items SET assigned_to=$2 WHERE id=$1 AND status='pending'`, itemID, reviewer)
	if err != nil {
		return false, fmt.Errorf("op=review.assign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("op=review.assign: %w", err)
		}
		return false, nil
	}
	if err := appendAudit(ctx, tx, itemID, domain.AuditAutoAssign, "", "", reviewer, "system"); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("op=review.assign: %w", err)
	}
	return true, nil
}

// Workload returns the active item count per reviewer.
func (r *ReviewRepo) Workload(ctx domain.Context) (map[string]int, error) {
	tracer := otel.Tracer("repo.review")
	ctx, span := tracer.Start(ctx, "review.Workload")
	defer span.End()

	q := `SELECT assigned_to, count(*) FROM review_items
		WHERE status IN ('pending','in_review') AND assigned_to <> ''
		GROUP BY assigned_to`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=review.workload: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var reviewer string
		var count int
		if err := rows.Scan(&reviewer, &count); err != nil {
			return nil, fmt.Errorf("op=review.workload: %w", err)
		}
		out[reviewer] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=review.workload: %w", err)
	}
	return out, nil
}

// ReleaseExpired returns stale in_review items to pending in one UPDATE,
// clearing the assignee and resetting the SLA clock.
func (r *ReviewRepo) ReleaseExpired(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.review")
	ctx, span := tracer.Start(ctx, "review.ReleaseExpired")
	defer span.End()

	q := `UPDATE review_items SET status='pending', assigned_to='', claimed_at=NULL, sla_deadline=NULL
		WHERE status='in_review' AND claimed_at < $1`
	tag, err := r.Pool.Exec(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=review.release_expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AuditTrail returns the audit entries for one item, oldest first.
func (r *ReviewRepo) AuditTrail(ctx domain.Context, itemID string) ([]domain.AuditEntry, error) {
	tracer := otel.Tracer("repo.review")
	ctx, span := tracer.Start(ctx, "review.AuditTrail")
	defer span.End()

	q := `SELECT id, item_id, action, field_name, old_value, new_value, actor, created_at
		FROM review_audit_log WHERE item_id=$1 ORDER BY created_at, id`
	rows, err := r.Pool.Query(ctx, q, itemID)
	if err != nil {
		return nil, fmt.Errorf("op=review.audit_trail: %w", err)
	}
	defer rows.Close()
	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.ItemID, &e.Action, &e.FieldName, &e.OldValue, &e.NewValue, &e.Actor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=review.audit_trail: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=review.audit_trail: %w", err)
	}
	return out, nil
}

// Stats computes the dashboard statistics on demand.
func (r *ReviewRepo) Stats(ctx domain.Context) (domain.QueueStats, error) {
	tracer := otel.Tracer("repo.review")
	ctx, span := tracer.Start(ctx, "review.Stats")
	defer span.End()

	var s domain.QueueStats
	q := `SELECT
		count(*) FILTER (WHERE status IN ('pending','in_review')),
		count(*) FILTER (WHERE completed_at >= date_trunc('day', now() AT TIME ZONE 'utc') AT TIME ZONE 'utc'),
		COALESCE(avg(EXTRACT(EPOCH FROM completed_at - claimed_at)) FILTER (WHERE completed_at IS NOT NULL AND claimed_at IS NOT NULL), 0),
		count(*) FILTER (WHERE completed_at IS NOT NULL),
		count(*) FILTER (WHERE completed_at IS NOT NULL AND (sla_deadline IS NULL OR completed_at <= sla_deadline))
		FROM review_items`
	var completedTotal, completedOnTime int64
	if err := r.Pool.QueryRow(ctx, q).Scan(&s.QueueDepth, &s.ItemsReviewedToday, &s.AvgReviewTimeSeconds, &completedTotal, &completedOnTime); err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=review.stats: %w", err)
	}
	if completedTotal == 0 {
		s.SLACompliancePercent = 100
	} else {
		s.SLACompliancePercent = 100 * float64(completedOnTime) / float64(completedTotal)
	}
	return s, nil
}

// StatusCounts returns the pending and in_review item counts.
func (r *ReviewRepo) StatusCounts(ctx domain.Context) (int64, int64, error) {
	tracer := otel.Tracer("repo.review")
	ctx, span := tracer.Start(ctx, "review.StatusCounts")
	defer span.End()

	var pending, inReview int64
	q := `SELECT
		count(*) FILTER (WHERE status='pending'),
		count(*) FILTER (WHERE status='in_review')
		FROM review_items`
	if err := r.Pool.QueryRow(ctx, q).Scan(&pending, &inReview); err != nil {
		return 0, 0, fmt.Errorf("op=review.status_counts: %w", err)
	}
	return pending, inReview, nil
}

// fieldsFor batch-fetches extracted fields for a set of items.
func (r *ReviewRepo) fieldsFor(ctx domain.Context, itemIDs []string) (map[string][]domain.ExtractedField, error) {
	q := `SELECT id, review_item_id, field_name, value, confidence, manually_corrected, corrected_at, corrected_by, locked
		FROM extracted_fields WHERE review_item_id = ANY($1) ORDER BY field_name`
	rows, err := r.Pool.Query(ctx, q, itemIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]domain.ExtractedField)
	for rows.Next() {
		var f domain.ExtractedField
		if err := rows.Scan(&f.ID, &f.ReviewItemID, &f.FieldName, &f.Value, &f.Confidence,
			&f.ManuallyCorrected, &f.CorrectedAt, &f.CorrectedBy, &f.Locked); err != nil {
			return nil, err
		}
		out[f.ReviewItemID] = append(out[f.ReviewItemID], f)
	}
	return out, rows.Err()
}

func scanReviewItem(row pgx.Row) (domain.ReviewItem, error) {
	var it domain.ReviewItem
	err := row.Scan(&it.ID, &it.DocumentID, &it.Filename, &it.Status, &it.Priority,
		&it.SLADeadline, &it.AssignedTo, &it.CreatedAt, &it.ClaimedAt, &it.CompletedAt)
	return it, err
}

func appendAudit(ctx domain.Context, tx pgx.Tx, itemID, action, fieldName, oldValue, newValue, actor string) error {
	q := `INSERT INTO review_audit_log (item_id, action, field_name, old_value, new_value, actor, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := tx.Exec(ctx, q, itemID, action, fieldName, oldValue, newValue, actor, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=review.audit: %w", err)
	}
	return nil
}
