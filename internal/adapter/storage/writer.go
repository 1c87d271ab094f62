// Package storage implements content hashing of uploads and the
// dual-format (JSON + Parquet) result store partitioned by date.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/wamiri/docproc/internal/domain"
)

const hashChunkSize = 8 * 1024

// HashFile returns the hex SHA-256 of a file's bytes, streamed in 8 KiB
// chunks.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("op=storage.HashFile: %w", err)
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("op=storage.HashFile: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex SHA-256 of raw bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Store writes extraction results to disk in two sibling formats under
// YYYY/MM/DD partitions. Each file is written to a *.tmp sibling and
// renamed; a failed write unlinks the temp and propagates the error.
// No cross-file atomicity is attempted.
type Store struct {
	JSONDir    string
	ParquetDir string
	now        func() time.Time
}

// NewStore creates a dual-format store rooted at the two directories.
func NewStore(jsonDir, parquetDir string) *Store {
	return &Store{JSONDir: jsonDir, ParquetDir: parquetDir, now: time.Now}
}

// parquetRow is the flat columnar schema, one row per document.
type parquetRow struct {
	DocumentID       string  `parquet:"document_id"`
	Filename         string  `parquet:"filename"`
	Vendor           string  `parquet:"vendor"`
	InvoiceNumber    string  `parquet:"invoice_number"`
	Date             string  `parquet:"date"`
	DueDate          string  `parquet:"due_date"`
	Subtotal         float64 `parquet:"subtotal"`
	TaxRate          float32 `parquet:"tax_rate"`
	TaxAmount        float64 `parquet:"tax_amount"`
	Total            float64 `parquet:"total"`
	Currency         string  `parquet:"currency"`
	NumLineItems     int32   `parquet:"num_line_items"`
	LineItemsEncoded string  `parquet:"line_items_encoded"`
	ConfidenceScore  float32 `parquet:"confidence_score"`
	ExtractedAt      string  `parquet:"extracted_at"`
	ContentHash      string  `parquet:"content_hash"`
	SchemaVersion    string  `parquet:"schema_version"`
}

// WriteJSON persists the full nested result as a JSON document and
// returns the final path.
func (s *Store) WriteJSON(res domain.ExtractionResult) (string, error) {
	final := s.partitionedPath(s.JSONDir, res.DocumentID, ".json")
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", fmt.Errorf("op=storage.WriteJSON: %w", err)
	}
	blob, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", fmt.Errorf("op=storage.WriteJSON: %w", err)
	}
	if err := atomicWrite(final, func(f *os.File) error {
		_, werr := f.Write(blob)
		return werr
	}); err != nil {
		return "", fmt.Errorf("op=storage.WriteJSON: %w", err)
	}
	return final, nil
}

// WriteParquet persists the flat row encoding and returns the final path.
func (s *Store) WriteParquet(res domain.ExtractionResult) (string, error) {
	final := s.partitionedPath(s.ParquetDir, res.DocumentID, ".parquet")
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", fmt.Errorf("op=storage.WriteParquet: %w", err)
	}
	lineItems, err := json.Marshal(res.Invoice.LineItems)
	if err != nil {
		return "", fmt.Errorf("op=storage.WriteParquet: %w", err)
	}
	row := parquetRow{
		DocumentID:       res.DocumentID,
		Filename:         res.Filename,
		Vendor:           res.Invoice.Vendor,
		InvoiceNumber:    res.Invoice.InvoiceNumber,
		Date:             res.Invoice.Date,
		DueDate:          res.Invoice.DueDate,
		Subtotal:         res.Invoice.Subtotal,
		TaxRate:          float32(res.Invoice.TaxRate),
		TaxAmount:        res.Invoice.TaxAmount,
		Total:            res.Invoice.Total,
		Currency:         res.Invoice.Currency,
		NumLineItems:     int32(len(res.Invoice.LineItems)),
		LineItemsEncoded: string(lineItems),
		ConfidenceScore:  float32(res.OverallConfidence),
		ExtractedAt:      res.ExtractedAt.UTC().Format(time.RFC3339),
		ContentHash:      res.ContentHash,
		SchemaVersion:    res.SchemaVersion,
	}
	if err := atomicWrite(final, func(f *os.File) error {
		w := parquet.NewGenericWriter[parquetRow](f, parquet.Compression(&parquet.Snappy))
		if _, werr := w.Write([]parquetRow{row}); werr != nil {
			return werr
		}
		return w.Close()
	}); err != nil {
		return "", fmt.Errorf("op=storage.WriteParquet: %w", err)
	}
	return final, nil
}

// partitionedPath builds <root>/YYYY/MM/DD/<docID><ext>.
func (s *Store) partitionedPath(root, docID, ext string) string {
	t := s.now().UTC()
	return filepath.Join(root, t.Format("2006"), t.Format("01"), t.Format("02"), docID+ext)
}

// atomicWrite streams into <final>.tmp and renames on success. The temp
// file is unlinked on any failure so the data tree never holds stale
// *.tmp files after a completed workflow.
func atomicWrite(final string, write func(*os.File) error) error {
	tmp := final + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
