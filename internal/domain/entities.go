// Package domain holds the core entities, status machines, and ports of the
// document processing and review system. Adapters implement the ports;
// usecases depend only on this package.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrUnsupportedMedia = errors.New("unsupported media type")
	ErrCircuitOpen      = errors.New("circuit open")
	ErrInternal         = errors.New("internal error")
)

// Context is an alias so ports do not spell out std context everywhere.
type Context = context.Context

// DocumentStatus is the lifecycle state of an uploaded document.
// It advances monotonically from Queued; Completed, Failed, and Duplicate
// are terminal.
type DocumentStatus string

const (
	DocQueued     DocumentStatus = "queued"
	DocProcessing DocumentStatus = "processing"
	DocCompleted  DocumentStatus = "completed"
	DocFailed     DocumentStatus = "failed"
	DocDuplicate  DocumentStatus = "duplicate"
)

// Terminal reports whether s is a terminal document status.
func (s DocumentStatus) Terminal() bool {
	return s == DocCompleted || s == DocFailed || s == DocDuplicate
}

// Document is the lifecycle anchor for one upload. The id is assigned
// before any async work starts.
type Document struct {
	ID           string
	StoredName   string
	OriginalName string
	MIMEType     string
	Status       DocumentStatus
	TaskID       string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ReviewStatus is the state of a review-queue item.
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewInReview  ReviewStatus = "in_review"
	ReviewApproved  ReviewStatus = "approved"
	ReviewCorrected ReviewStatus = "corrected"
	ReviewRejected  ReviewStatus = "rejected"
)

// Terminal reports whether s is an absorbing review status.
func (s ReviewStatus) Terminal() bool {
	return s == ReviewApproved || s == ReviewCorrected || s == ReviewRejected
}

// ReviewAction is a reviewer's decision on an item.
type ReviewAction string

const (
	ActionApprove ReviewAction = "approve"
	ActionCorrect ReviewAction = "correct"
	ActionReject  ReviewAction = "reject"
)

// StatusFor maps a review action to the resulting terminal status.
func (a ReviewAction) StatusFor() (ReviewStatus, error) {
	switch a {
	case ActionApprove:
		return ReviewApproved, nil
	case ActionCorrect:
		return ReviewCorrected, nil
	case ActionReject:
		return ReviewRejected, nil
	}
	return "", ErrInvalidArgument
}

// ExtractedField is one AI-extracted datum attached to a review item.
// Once Locked is true the value is frozen: re-extraction and later
// corrections must leave it untouched.
type ExtractedField struct {
	ID                string
	ReviewItemID      string
	FieldName         string
	Value             string
	Confidence        float64
	ManuallyCorrected bool
	CorrectedAt       *time.Time
	CorrectedBy       string
	Locked            bool
}

// ReviewItem is one invoice awaiting a human decision.
//
// SLADeadline stays nil while pending and is set when the item is claimed;
// ClaimedAt is set exactly on entering in_review and CompletedAt exactly on
// entering a terminal status.
type ReviewItem struct {
	ID          string
	DocumentID  string
	Filename    string
	Status      ReviewStatus
	Priority    float64
	SLADeadline *time.Time
	AssignedTo  string
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time
	Fields      []ExtractedField
}

// AuditAction enumerates the append-only audit log actions.
const (
	AuditStartReview = "start_review"
	AuditCorrection  = "correction"
	AuditApproval    = "approval"
	AuditRejection   = "rejection"
	AuditAutoAssign  = "auto_assign"
)

// AuditEntry is one append-only audit record. Entries are never updated
// or deleted.
type AuditEntry struct {
	ID        int64
	ItemID    string
	Action    string
	FieldName string
	OldValue  string
	NewValue  string
	Actor     string
	CreatedAt time.Time
}

// ReviewSubmission is the payload of a reviewer decision.
type ReviewSubmission struct {
	Action      ReviewAction
	Corrections map[string]string
	Reason      string
}

// QueueFilter selects and pages review items.
type QueueFilter struct {
	Status      string
	AssignedTo  string
	PriorityMin *float64
	SortBy      string // priority | sla | date
	Limit       int
	Offset      int
}

// QueueStats are the dashboard statistics derived from the review queue.
type QueueStats struct {
	QueueDepth           int64
	ItemsReviewedToday   int64
	AvgReviewTimeSeconds float64
	SLACompliancePercent float64
}

// DocumentTaskPayload is the job enqueued per uploaded document.
type DocumentTaskPayload struct {
	DocumentID string `json:"document_id"`
	FilePath   string `json:"file_path"`
	StoredName string `json:"stored_name"`
}

// ExtractRequest carries the raw bytes and MIME type of a document to the
// extraction provider.
type ExtractRequest struct {
	DocumentID string
	Filename   string
	Bytes      []byte
	MIMEType   string
}

// Ports

// DocumentRepository persists documents.
type DocumentRepository interface {
	Create(ctx Context, d Document) (string, error)
	Get(ctx Context, id string) (Document, error)
	List(ctx Context, limit, offset int) ([]Document, int64, error)
	SetStatus(ctx Context, id string, status DocumentStatus, errMsg string) error
	SetTaskID(ctx Context, id, taskID string) error
}

// ProcessedCache is the content-hash-keyed idempotency store.
type ProcessedCache interface {
	// Lookup returns the cached extraction result for a content hash.
	// The bool reports whether the hash was present.
	Lookup(ctx Context, contentHash string) (ExtractionResult, bool, error)
	// Store persists a result keyed by its content hash with
	// insert-if-absent semantics.
	Store(ctx Context, r ExtractionResult) error
}

// ReviewRepository persists review items, fields, and the audit log.
// Multi-row mutations run inside a single database transaction.
type ReviewRepository interface {
	// Materialize upserts the review item for r.DocumentID, replaces its
	// non-locked fields, and returns the item id.
	Materialize(ctx Context, r ExtractionResult, priority float64) (string, error)
	Get(ctx Context, id string) (ReviewItem, error)
	List(ctx Context, f QueueFilter) ([]ReviewItem, int64, error)
	// Claim atomically transitions a pending item to in_review. It returns
	// ErrConflict when the item is not pending.
	Claim(ctx Context, itemID, reviewerID string, slaDeadline time.Time) (ReviewItem, error)
	// Submit applies a review decision and its corrections in one
	// transaction. Locked fields are skipped silently.
	Submit(ctx Context, itemID string, sub ReviewSubmission, reviewerID string) (ReviewItem, error)
	// Assign sets assigned_to if the item is still pending and reports
	// whether a row changed.
	Assign(ctx Context, itemID, reviewer string) (bool, error)
	// Workload returns reviewer -> count of assigned items in
	// {pending, in_review}.
	Workload(ctx Context) (map[string]int, error)
	// ReleaseExpired returns expired in_review items to pending and
	// reports how many were released.
	ReleaseExpired(ctx Context, cutoff time.Time) (int64, error)
	AuditTrail(ctx Context, itemID string) ([]AuditEntry, error)
	Stats(ctx Context) (QueueStats, error)
	// StatusCounts returns the pending and in_review item counts.
	StatusCounts(ctx Context) (pending, inReview int64, err error)
}

// Queue is the opaque task broker boundary.
type Queue interface {
	EnqueueDocument(ctx Context, p DocumentTaskPayload) (string, error)
}

// Extractor is the external document-understanding provider boundary.
type Extractor interface {
	Extract(ctx Context, req ExtractRequest) (ExtractionResult, error)
}

// TieBreaker hands out a monotonically increasing counter shared across
// processes, used for round-robin among equally loaded reviewers.
type TieBreaker interface {
	Next(ctx Context) (int64, error)
}
