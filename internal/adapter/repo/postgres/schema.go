package postgres

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		stored_name TEXT NOT NULL,
		original_name TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued'
			CHECK (status IN ('queued','processing','completed','failed','duplicate')),
		task_id TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS processed_documents (
		content_hash TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		result JSONB NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS review_items (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL UNIQUE,
		filename TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending','in_review','approved','corrected','rejected')),
		priority DOUBLE PRECISION NOT NULL DEFAULT 0,
		sla_deadline TIMESTAMPTZ,
		assigned_to TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		claimed_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS extracted_fields (
		id TEXT PRIMARY KEY,
		review_item_id TEXT NOT NULL REFERENCES review_items(id) ON DELETE CASCADE,
		field_name TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		manually_corrected BOOLEAN NOT NULL DEFAULT false,
		corrected_at TIMESTAMPTZ,
		corrected_by TEXT NOT NULL DEFAULT '',
		locked BOOLEAN NOT NULL DEFAULT false,
		UNIQUE (review_item_id, field_name)
	)`,
	`CREATE TABLE IF NOT EXISTS review_audit_log (
		id BIGSERIAL PRIMARY KEY,
		item_id TEXT NOT NULL,
		action TEXT NOT NULL,
		field_name TEXT NOT NULL DEFAULT '',
		old_value TEXT NOT NULL DEFAULT '',
		new_value TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_status ON documents (status)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_created_at ON documents (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_review_items_status ON review_items (status)`,
	`CREATE INDEX IF NOT EXISTS idx_review_items_priority ON review_items (priority DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_extracted_fields_item ON extracted_fields (review_item_id)`,
}

// EnsureSchema creates the tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=postgres.EnsureSchema: %w", err)
		}
	}
	return nil
}
