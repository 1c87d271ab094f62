// Package gemini implements the invoice extraction provider backed by
// the Gemini generateContent REST API. Requests ship the document bytes
// inline (base64) and ask for a structured JSON response with per-field
// confidences.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wamiri/docproc/internal/adapter/observability"
	"github.com/wamiri/docproc/internal/config"
	"github.com/wamiri/docproc/internal/domain"
)

const extractionPrompt = `You are an invoice data extraction system. Extract the structured data
from the attached document. Respond with JSON only, matching this shape:
{
  "vendor": {"value": "...", "confidence": 0.0},
  "invoice_number": {"value": "...", "confidence": 0.0},
  "date": {"value": "YYYY-MM-DD", "confidence": 0.0},
  "due_date": {"value": "YYYY-MM-DD", "confidence": 0.0},
  "subtotal": {"value": 0.0, "confidence": 0.0},
  "tax_rate": {"value": 0.0, "confidence": 0.0},
  "tax_amount": {"value": 0.0, "confidence": 0.0},
  "total": {"value": 0.0, "confidence": 0.0},
  "currency": {"value": "...", "confidence": 0.0},
  "line_items": [{"item": "...", "quantity": 1, "unit_price": 0.0, "total": 0.0}],
  "line_items_confidence": 0.0
}
Confidence is your own certainty in [0,1]. Use empty values when a field
is absent rather than guessing.`

// Client calls the Gemini API, guarded by a circuit breaker.
type Client struct {
	cfg     config.Config
	hc      *http.Client
	breaker *observability.CircuitBreaker
}

// New constructs the client with instrumented transport and sensible
// timeouts.
func New(cfg config.Config, breaker *observability.CircuitBreaker) *Client {
	return &Client{
		cfg: cfg,
		hc: &http.Client{
			Timeout:   110 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: breaker,
	}
}

type stringField struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

type numberField struct {
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
}

type providerPayload struct {
	Vendor              stringField       `json:"vendor"`
	InvoiceNumber       stringField       `json:"invoice_number"`
	Date                stringField       `json:"date"`
	DueDate             stringField       `json:"due_date"`
	Subtotal            numberField       `json:"subtotal"`
	TaxRate             numberField       `json:"tax_rate"`
	TaxAmount           numberField       `json:"tax_amount"`
	Total               numberField       `json:"total"`
	Currency            stringField       `json:"currency"`
	LineItems           []domain.LineItem `json:"line_items"`
	LineItemsConfidence float64           `json:"line_items_confidence"`
}

type generateRequest struct {
	Contents []struct {
		Parts []map[string]any `json:"parts"`
	} `json:"contents"`
	GenerationConfig map[string]any `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Extract sends the document to Gemini and maps the structured response
// into an ExtractionResult. The breaker is consulted before the HTTP
// call; transient HTTP failures inside one attempt are retried briefly
// with exponential backoff.
func (c *Client) Extract(ctx domain.Context, req domain.ExtractRequest) (domain.ExtractionResult, error) {
	if c.cfg.GeminiAPIKey == "" {
		return domain.ExtractionResult{}, fmt.Errorf("op=gemini.Extract: missing API key: %w", domain.ErrInvalidArgument)
	}

	start := time.Now()
	var payload providerPayload
	err := c.breaker.Do(func() error {
		return c.generate(ctx, req, &payload)
	})
	if err != nil {
		observability.ExtractionRequestsTotal.WithLabelValues("gemini", "error").Inc()
		return domain.ExtractionResult{}, err
	}
	observability.ExtractionRequestsTotal.WithLabelValues("gemini", "success").Inc()
	observability.ExtractionDuration.WithLabelValues("gemini").Observe(time.Since(start).Seconds())

	res := buildResult(req, payload)
	res.ProcessingSeconds = time.Since(start).Seconds()
	slog.Info("extraction complete",
		slog.String("document_id", req.DocumentID),
		slog.Float64("confidence", res.OverallConfidence),
		slog.Float64("seconds", res.ProcessingSeconds))
	return res, nil
}

func (c *Client) generate(ctx context.Context, req domain.ExtractRequest, out *providerPayload) error {
	body := generateRequest{
		GenerationConfig: map[string]any{
			"temperature":        0.0,
			"response_mime_type": "application/json",
		},
	}
	body.Contents = append(body.Contents, struct {
		Parts []map[string]any `json:"parts"`
	}{Parts: []map[string]any{
		{"text": extractionPrompt},
		{"inline_data": map[string]any{
			"mime_type": req.MIMEType,
			"data":      base64.StdEncoding.EncodeToString(req.Bytes),
		}},
	}})
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("op=gemini.generate: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		c.cfg.GeminiBaseURL, c.cfg.GeminiModel, c.cfg.GeminiAPIKey)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxElapsedTime = 10 * time.Second
	var text string
	op := func() error {
		httpReq, rerr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
		if rerr != nil {
			return backoff.Permanent(rerr)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, rerr := c.hc.Do(httpReq)
		if rerr != nil {
			return rerr
		}
		defer func() { _ = resp.Body.Close() }()
		payload, rerr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if rerr != nil {
			return rerr
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("gemini status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("gemini status %d: %s", resp.StatusCode, payload[:min(len(payload), 200)]))
		}
		var gr generateResponse
		if rerr := json.Unmarshal(payload, &gr); rerr != nil {
			return backoff.Permanent(rerr)
		}
		if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
			return fmt.Errorf("gemini returned no candidates")
		}
		text = gr.Candidates[0].Content.Parts[0].Text
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return fmt.Errorf("op=gemini.generate: %w", err)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("op=gemini.generate: decode structured response: %w", err)
	}
	return nil
}

// buildResult maps the provider payload to the domain result, clamping
// confidences and applying cross-field arithmetic checks.
func buildResult(req domain.ExtractRequest, p providerPayload) domain.ExtractionResult {
	inv := domain.InvoiceData{
		Vendor:        p.Vendor.Value,
		InvoiceNumber: p.InvoiceNumber.Value,
		Date:          p.Date.Value,
		DueDate:       p.DueDate.Value,
		Subtotal:      p.Subtotal.Value,
		TaxRate:       p.TaxRate.Value,
		TaxAmount:     p.TaxAmount.Value,
		Total:         p.Total.Value,
		Currency:      p.Currency.Value,
		LineItems:     p.LineItems,
	}

	totalConf := clamp01(p.Total.Confidence)
	subtotalConf := clamp01(p.Subtotal.Confidence)
	// Totals that do not add up reduce trust in the numeric fields.
	if inv.Total != 0 && math.Abs(inv.Subtotal+inv.TaxAmount-inv.Total) > 0.01 {
		totalConf *= 0.7
		subtotalConf *= 0.7
		slog.Warn("invoice arithmetic mismatch",
			slog.String("document_id", req.DocumentID),
			slog.Float64("subtotal", inv.Subtotal),
			slog.Float64("tax_amount", inv.TaxAmount),
			slog.Float64("total", inv.Total))
	}
	lineSum := 0.0
	for _, li := range inv.LineItems {
		lineSum += li.Total
	}
	lineConf := clamp01(p.LineItemsConfidence)
	if len(inv.LineItems) > 0 && inv.Subtotal != 0 && math.Abs(lineSum-inv.Subtotal) > 0.01 {
		lineConf *= 0.7
	}

	lineItemsJSON, _ := json.Marshal(inv.LineItems)
	fields := []domain.FieldConfidence{
		{FieldName: "vendor", Value: inv.Vendor, Confidence: clamp01(p.Vendor.Confidence)},
		{FieldName: "invoice_number", Value: inv.InvoiceNumber, Confidence: clamp01(p.InvoiceNumber.Confidence)},
		{FieldName: "date", Value: inv.Date, Confidence: clamp01(p.Date.Confidence)},
		{FieldName: "due_date", Value: inv.DueDate, Confidence: clamp01(p.DueDate.Confidence)},
		{FieldName: "subtotal", Value: fmt.Sprintf("%.2f", inv.Subtotal), Confidence: subtotalConf},
		{FieldName: "tax_rate", Value: fmt.Sprintf("%.4f", inv.TaxRate), Confidence: clamp01(p.TaxRate.Confidence)},
		{FieldName: "tax_amount", Value: fmt.Sprintf("%.2f", inv.TaxAmount), Confidence: clamp01(p.TaxAmount.Confidence)},
		{FieldName: "total", Value: fmt.Sprintf("%.2f", inv.Total), Confidence: totalConf},
		{FieldName: "currency", Value: inv.Currency, Confidence: clamp01(p.Currency.Confidence)},
		{FieldName: "line_items", Value: string(lineItemsJSON), Confidence: lineConf},
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
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
