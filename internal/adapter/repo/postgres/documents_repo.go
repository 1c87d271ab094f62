package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/wamiri/docproc/internal/domain"
)

// DocumentRepo persists and loads documents using a minimal pgx pool.
type DocumentRepo struct{ Pool PgxPool }

// NewDocumentRepo constructs a DocumentRepo with the given pool.
func NewDocumentRepo(p PgxPool) *DocumentRepo { return &DocumentRepo{Pool: p} }

const documentColumns = `id, stored_name, original_name, mime_type, status, task_id, error_message, created_at, updated_at`

// Create inserts a new document and returns its id (generates one if empty).
func (r *DocumentRepo) Create(ctx domain.Context, d domain.Document) (string, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.Create")
	defer span.End()
	id := d.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := d.Status
	if status == "" {
		status = domain.DocQueued
	}
	now := time.Now().UTC()
	q := `INSERT INTO documents (id, stored_name, original_name, mime_type, status, task_id, error_message, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, id, d.StoredName, d.OriginalName, d.MIMEType, status, d.TaskID, d.ErrorMessage, now, now)
	if err != nil {
		return "", fmt.Errorf("op=document.create: %w", err)
	}
	return id, nil
}

// Get loads a document by id.
func (r *DocumentRepo) Get(ctx domain.Context, id string) (domain.Document, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.Get")
	defer span.End()
	q := `SELECT ` + documentColumns + ` FROM documents WHERE id=$1`
	var d domain.Document
	err := r.Pool.QueryRow(ctx, q, id).Scan(
		&d.ID, &d.StoredName, &d.OriginalName, &d.MIMEType, &d.Status,
		&d.TaskID, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Document{}, fmt.Errorf("op=document.get: %w", domain.ErrNotFound)
		}
		return domain.Document{}, fmt.Errorf("op=document.get: %w", err)
	}
	return d, nil
}

// List returns documents newest first plus the total count.
func (r *DocumentRepo) List(ctx domain.Context, limit, offset int) ([]domain.Document, int64, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.List")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	var total int64
	if err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM documents`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=document.list: %w", err)
	}
	q := `SELECT ` + documentColumns + ` FROM documents ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	rows, err := r.Pool.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("op=document.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Document
	for rows.Next() {
		var d domain.Document
		if err := rows.Scan(&d.ID, &d.StoredName, &d.OriginalName, &d.MIMEType, &d.Status,
			&d.TaskID, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("op=document.list: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=document.list: %w", err)
	}
	return out, total, nil
}

// SetStatus updates a document's status and error message.
func (r *DocumentRepo) SetStatus(ctx domain.Context, id string, status domain.DocumentStatus, errMsg string) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.SetStatus")
	defer span.End()
	q := `UPDATE documents SET status=$2, error_message=$3, updated_at=$4 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, status, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=document.set_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=document.set_status: %w", domain.ErrNotFound)
	}
	return nil
}

// SetTaskID records the broker task id assigned to a document.
func (r *DocumentRepo) SetTaskID(ctx domain.Context, id, taskID string) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.SetTaskID")
	defer span.End()
	q := `UPDATE documents SET task_id=$2, updated_at=$3 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, taskID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=document.set_task_id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=document.set_task_id: %w", domain.ErrNotFound)
	}
	return nil
}
