package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wamiri/docproc/internal/domain"
)

// QueueHandler pages the review queue with filters and sorting.
func (s *Server) QueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := domain.QueueFilter{
			Status:     q.Get("status"),
			AssignedTo: q.Get("assigned_to"),
			SortBy:     q.Get("sort_by"),
		}
		if v := q.Get("priority_min"); v != "" {
			p, err := strconv.ParseFloat(v, 64)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: priority_min must be numeric", domain.ErrInvalidArgument), nil)
				return
			}
			f.PriorityMin = &p
		}
		f.Limit, f.Offset = pageParams(r, 20)

		items, total, err := s.Reviews.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(items))
		for _, it := range items {
			out = append(out, reviewItemEnvelope(it))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": total})
	}
}

// ReviewItemHandler returns one review item with its extracted fields.
func (s *Server) ReviewItemHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, err := s.Reviews.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, reviewItemEnvelope(item))
	}
}

// ClaimHandler moves a pending item to in_review for the caller.
func (s *Server) ClaimHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ReviewerID string `json:"reviewer_id" validate:"required"`
		}
		if !decodeJSON(w, r, &req) || !validateStruct(w, r, req) {
			return
		}
		item, err := s.Reviews.Claim(r.Context(), chi.URLParam(r, "id"), req.ReviewerID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, reviewItemEnvelope(item))
	}
}

// SubmitHandler applies a reviewer decision to a claimed item.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ReviewerID  string            `json:"reviewer_id" validate:"required"`
			Action      string            `json:"action" validate:"required,oneof=approve correct reject"`
			Corrections map[string]string `json:"corrections"`
			Reason      string            `json:"reason"`
		}
		if !decodeJSON(w, r, &req) || !validateStruct(w, r, req) {
			return
		}
		if req.Action == string(domain.ActionReject) && req.Reason == "" {
			writeError(w, r, fmt.Errorf("%w: reason required for reject", domain.ErrInvalidArgument), map[string]string{"field": "reason"})
			return
		}
		item, err := s.Reviews.Submit(r.Context(), chi.URLParam(r, "id"), domain.ReviewSubmission{
			Action:      domain.ReviewAction(req.Action),
			Corrections: req.Corrections,
			Reason:      req.Reason,
		}, req.ReviewerID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, reviewItemEnvelope(item))
	}
}

// AuditTrailHandler returns the append-only audit log of an item.
func (s *Server) AuditTrailHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := s.Reviews.AuditTrail(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			m := map[string]any{
				"action":     e.Action,
				"actor":      e.Actor,
				"created_at": e.CreatedAt.UTC().Format(time.RFC3339),
			}
			if e.FieldName != "" {
				m["field_name"] = e.FieldName
				m["old_value"] = e.OldValue
				m["new_value"] = e.NewValue
			}
			out = append(out, m)
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": out})
	}
}

// QueueStatsHandler returns the review dashboard statistics.
func (s *Server) QueueStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Reviews.Stats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"queue_depth":            stats.QueueDepth,
			"items_reviewed_today":   stats.ItemsReviewedToday,
			"avg_review_time_seconds": stats.AvgReviewTimeSeconds,
			"sla_compliance_percent": stats.SLACompliancePercent,
		})
	}
}

// MetricsSnapshotHandler returns the sliding-window processing metrics.
func (s *Server) MetricsSnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Monitor.Snapshot())
	}
}

// SLAStatusHandler evaluates the configured SLA definitions.
func (s *Server) SLAStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		breaches := s.Monitor.CheckSLAs()
		writeJSON(w, http.StatusOK, map[string]any{
			"healthy":  len(breaches) == 0,
			"breaches": breaches,
		})
	}
}

func reviewItemEnvelope(it domain.ReviewItem) map[string]any {
	m := map[string]any{
		"id":          it.ID,
		"document_id": it.DocumentID,
		"filename":    it.Filename,
		"status":      string(it.Status),
		"priority":    it.Priority,
		"created_at":  it.CreatedAt.UTC().Format(time.RFC3339),
	}
	if it.AssignedTo != "" {
		m["assigned_to"] = it.AssignedTo
	}
	if it.SLADeadline != nil {
		m["sla_deadline"] = it.SLADeadline.UTC().Format(time.RFC3339)
	}
	if it.ClaimedAt != nil {
		m["claimed_at"] = it.ClaimedAt.UTC().Format(time.RFC3339)
	}
	if it.CompletedAt != nil {
		m["completed_at"] = it.CompletedAt.UTC().Format(time.RFC3339)
	}
	if it.Fields != nil {
		fields := make([]map[string]any, 0, len(it.Fields))
		for _, f := range it.Fields {
			fm := map[string]any{
				"field_name": f.FieldName,
				"value":      f.Value,
				"confidence": f.Confidence,
				"locked":     f.Locked,
			}
			if f.ManuallyCorrected {
				fm["manually_corrected"] = true
				fm["corrected_by"] = f.CorrectedBy
				if f.CorrectedAt != nil {
					fm["corrected_at"] = f.CorrectedAt.UTC().Format(time.RFC3339)
				}
			}
			fields = append(fields, fm)
		}
		m["fields"] = fields
	}
	return m
}
