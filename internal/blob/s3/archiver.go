package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/forecastex/marketd/internal/domain"
)

// Archiver moves cold journal events out of the primary store: it queries
// every event older than a cutoff, serializes the batch to JSONL, and uploads
// the segment to object storage. Pruning the archived rows from Postgres is a
// separate, explicit step so an archive can be verified before anything is
// deleted.
type Archiver struct {
	writer domain.BlobWriter
	events domain.EventStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver writing through the given BlobWriter.
func NewArchiver(writer domain.BlobWriter, events domain.EventStore, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		writer: writer,
		events: events,
		logger: logger,
	}
}

// ArchiveEvents uploads all journal events of the market recorded strictly
// before the cutoff as one JSONL segment at
// archive/{marketID}/events/YYYY-MM.jsonl and returns the number of events
// archived. A cutoff with no events is a no-op.
func (a *Archiver) ArchiveEvents(ctx context.Context, marketID string, before time.Time) (int64, error) {
	events, err := a.events.ListBefore(ctx, marketID, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events query: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(events)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events marshal: %w", err)
	}

	key := segmentKey(marketID, before)
	if err := a.writer.Write(ctx, key, buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive events upload: %w", err)
	}

	count := int64(len(events))
	a.logger.Info("journal segment archived",
		"market_id", marketID,
		"key", key,
		"events", count,
		"before", before.Format(time.RFC3339),
	)
	return count, nil
}

// PruneEvents deletes journal events older than the cutoff from the primary
// store. Call it only after ArchiveEvents for the same cutoff has succeeded.
func (a *Archiver) PruneEvents(ctx context.Context, marketID string, before time.Time) (int64, error) {
	deleted, err := a.events.DeleteBefore(ctx, marketID, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: prune events: %w", err)
	}
	if deleted > 0 {
		a.logger.Info("journal segment pruned",
			"market_id", marketID,
			"events", deleted,
			"before", before.Format(time.RFC3339),
		)
	}
	return deleted, nil
}

// segmentKey builds the object key for a segment, partitioned by the
// year-month of the cutoff:
//
//	archive/mkt-abc/events/2025-06.jsonl
func segmentKey(marketID string, before time.Time) string {
	return fmt.Sprintf("archive/%s/events/%s.jsonl", marketID, before.Format("2006-01"))
}

// marshalJSONL serializes events as newline-delimited JSON, one compact line
// per event.
func marshalJSONL(events []domain.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, evt := range events {
		if err := enc.Encode(evt); err != nil {
			return nil, fmt.Errorf("jsonl encode event %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
