// Package stub provides a deterministic extraction client for
// development and tests. Results derive from the input bytes so the
// idempotency path behaves like production.
package stub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wamiri/docproc/internal/adapter/storage"
	"github.com/wamiri/docproc/internal/domain"
)

// Client fabricates plausible invoices without calling any provider.
type Client struct{}

// New constructs the stub client.
func New() *Client { return &Client{} }

// Extract returns a deterministic invoice derived from the content hash.
func (c *Client) Extract(_ domain.Context, req domain.ExtractRequest) (domain.ExtractionResult, error) {
	hash := storage.HashBytes(req.Bytes)
	seed := int64(0)
	for _, b := range hash[:8] {
		seed = seed*31 + int64(b)
	}
	subtotal := float64(100 + seed%900)
	tax := subtotal * 0.2

	inv := domain.InvoiceData{
		Vendor:        fmt.Sprintf("Stub Vendor %02d", seed%100),
		InvoiceNumber: fmt.Sprintf("INV-%s", hash[:8]),
		Date:          "2026-01-15",
		Subtotal:      subtotal,
		TaxRate:       0.2,
		TaxAmount:     tax,
		Total:         subtotal + tax,
		Currency:      "USD",
		LineItems: []domain.LineItem{
			{Item: "Service", Quantity: 1, UnitPrice: subtotal, Total: subtotal},
		},
	}
	lineItemsJSON, _ := json.Marshal(inv.LineItems)
	fields := []domain.FieldConfidence{
		{FieldName: "vendor", Value: inv.Vendor, Confidence: 0.97},
		{FieldName: "invoice_number", Value: inv.InvoiceNumber, Confidence: 0.99},
		{FieldName: "date", Value: inv.Date, Confidence: 0.95},
		{FieldName: "subtotal", Value: fmt.Sprintf("%.2f", inv.Subtotal), Confidence: 0.93},
		{FieldName: "tax_rate", Value: "0.2000", Confidence: 0.92},
		{FieldName: "tax_amount", Value: fmt.Sprintf("%.2f", inv.TaxAmount), Confidence: 0.92},
		{FieldName: "total", Value: fmt.Sprintf("%.2f", inv.Total), Confidence: 0.94},
		{FieldName: "currency", Value: inv.Currency, Confidence: 0.99},
		{FieldName: "line_items", Value: string(lineItemsJSON), Confidence: 0.9},
	}
	sum := 0.0
	for _, f := range fields {
		sum += f.Confidence
	}
	return domain.ExtractionResult{
		DocumentID:        req.DocumentID,
		Filename:          req.Filename,
		Invoice:           inv,
		FieldConfidences:  fields,
		OverallConfidence: sum / float64(len(fields)),
		ExtractedAt:       time.Now().UTC(),
		SchemaVersion:     domain.SchemaVersion,
	}, nil
}
