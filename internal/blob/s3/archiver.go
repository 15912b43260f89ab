package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/polysentry/polysentry/internal/domain"
)

// Archiver copies aged rule events out of the primary store into JSONL
// files on blob storage, partitioned by year-month. Archived rows are not
// deleted here; pruning the primary store is a separate, explicit step run
// after the archive has been verified.
type Archiver struct {
	writer domain.BlobWriter
	events domain.EventStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, events domain.EventStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		events: events,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveEvents uploads every rule event created strictly before the cutoff,
// one object per year-month of the event's own creation time
// (archive/events/2026-08.jsonl). Re-running with a later cutoff rewrites
// each month's object with the same content, so runs are idempotent per
// month. Returns the archived count.
func (a *Archiver) ArchiveEvents(ctx context.Context, before time.Time) (int64, error) {
	events, err := a.events.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events query: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	byMonth := make(map[string][]domain.RuleEvent)
	for _, ev := range events {
		month := ev.CreatedAt.UTC().Format("2006-01")
		byMonth[month] = append(byMonth[month], ev)
	}

	months := make([]string, 0, len(byMonth))
	for month := range byMonth {
		months = append(months, month)
	}
	sort.Strings(months)

	var count int64
	for _, month := range months {
		batch := byMonth[month]
		buf, err := marshalJSONL(batch)
		if err != nil {
			return count, fmt.Errorf("s3blob: archive events marshal %s: %w", month, err)
		}

		path := archivePath("events", month)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return count, fmt.Errorf("s3blob: archive events upload %s: %w", month, err)
		}
		count += int64(len(batch))

		a.logger.InfoContext(ctx, "events archived",
			slog.String("path", path),
			slog.Int("count", len(batch)),
		)
	}
	return count, nil
}

// archivePath builds the object key for one month's archive file,
// e.g. archive/events/2026-08.jsonl.
func archivePath(kind, month string) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, month)
}

// marshalJSONL serialises records as newline-delimited JSON.
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
