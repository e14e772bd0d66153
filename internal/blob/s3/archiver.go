package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/reconcile"
)

// ClosedLotStore provides read access to closed trade records for archival.
// The Postgres trade record store satisfies it implicitly.
type ClosedLotStore interface {
	// ListClosedBefore returns all records closed strictly before the given
	// cutoff time.
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error)
}

// Archiver uploads reconciliation reports and cold trade history to S3.
//
// Deletion of archived records from the primary store is intentionally NOT
// performed here; that is a separate, explicit step to be executed after the
// archive has been verified.
type Archiver struct {
	writer domain.BlobWriter
	lots   ClosedLotStore
}

// NewArchiver creates a new Archiver. The lot store may be nil when only
// report archival is needed.
func NewArchiver(writer domain.BlobWriter, lots ClosedLotStore) *Archiver {
	return &Archiver{
		writer: writer,
		lots:   lots,
	}
}

var _ reconcile.ReportArchiver = (*Archiver)(nil)

// ArchiveReport uploads a daily reconciliation report as a single JSON object
// at reports/reconciliation/YYYY-MM-DD.json and returns the object path.
func (a *Archiver) ArchiveReport(ctx context.Context, report reconcile.Report) (string, error) {
	buf, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive report marshal: %w", err)
	}

	path := fmt.Sprintf("reports/reconciliation/%s.json", report.Day)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive report upload: %w", err)
	}
	return path, nil
}

// ArchiveClosedLots queries all trade records closed before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/closed_lots/YYYY-MM.jsonl. The count of archived records is
// returned.
func (a *Archiver) ArchiveClosedLots(ctx context.Context, before time.Time) (int64, error) {
	lots, err := a.lots.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive closed lots query: %w", err)
	}
	if len(lots) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(lots)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive closed lots marshal: %w", err)
	}

	path := archivePath("closed_lots", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive closed lots upload: %w", err)
	}

	return int64(len(lots)), nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/closed_lots/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
