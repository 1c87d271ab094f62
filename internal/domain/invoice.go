package domain

import (
	"path/filepath"
	"strings"
	"time"
)

// SchemaVersion is stamped on every extraction result so downstream
// readers can handle format evolution.
const SchemaVersion = "1.0.0"

// SupportedMIMETypes maps accepted file extensions to their MIME type.
var SupportedMIMETypes = map[string]string{
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".gif":  "image/gif",
	".tiff": "image/tiff",
	".tif":  "image/tiff",
	".bmp":  "image/bmp",
}

// MIMETypeFor returns the MIME type for a filename based on its extension,
// or ErrUnsupportedMedia for anything outside the accepted set.
func MIMETypeFor(filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if m, ok := SupportedMIMETypes[ext]; ok {
		return m, nil
	}
	return "", ErrUnsupportedMedia
}

// LineItem is a single line on an invoice.
type LineItem struct {
	Item      string  `json:"item"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	Total     float64 `json:"total"`
}

// InvoiceData is the structured header + line items extracted from a
// document.
type InvoiceData struct {
	Vendor        string     `json:"vendor"`
	InvoiceNumber string     `json:"invoice_number"`
	Date          string     `json:"date"`
	DueDate       string     `json:"due_date,omitempty"`
	Subtotal      float64    `json:"subtotal"`
	TaxRate       float64    `json:"tax_rate"`
	TaxAmount     float64    `json:"tax_amount"`
	Total         float64    `json:"total"`
	Currency      string     `json:"currency"`
	LineItems     []LineItem `json:"line_items"`
}

// FieldConfidence is the provider's confidence for one extracted field.
// Value is string-encoded; line items are carried as their JSON encoding.
type FieldConfidence struct {
	FieldName  string  `json:"field_name"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ExtractionResult is the full outcome of extracting one document.
// Serialize/Deserialize round-trips through JSON without loss.
type ExtractionResult struct {
	DocumentID        string            `json:"document_id"`
	Filename          string            `json:"filename"`
	Invoice           InvoiceData       `json:"invoice_data"`
	FieldConfidences  []FieldConfidence `json:"field_confidences"`
	OverallConfidence float64           `json:"overall_confidence"`
	ExtractedAt       time.Time         `json:"extracted_at"`
	ProcessingSeconds float64           `json:"processing_time_seconds"`
	ContentHash       string            `json:"content_hash,omitempty"`
	SchemaVersion     string            `json:"schema_version"`
}

// AverageConfidence is the mean of the per-field confidences, falling back
// to OverallConfidence when no per-field scores exist.
func (r ExtractionResult) AverageConfidence() float64 {
	if len(r.FieldConfidences) == 0 {
		return r.OverallConfidence
	}
	sum := 0.0
	for _, fc := range r.FieldConfidences {
		sum += fc.Confidence
	}
	return sum / float64(len(r.FieldConfidences))
}

// Rebind returns a copy of r bound to a different document identity.
// Used on duplicate uploads: the cached fields are reused but the
// result reflects the new upload's id and filename.
func (r ExtractionResult) Rebind(documentID, filename string) ExtractionResult {
	out := r
	out.DocumentID = documentID
	out.Filename = filename
	return out
}
