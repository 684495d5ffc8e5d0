package streambus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/basket/taskstream/internal/persistence"
)

// EntryStore is the slice of persistence.Store backing the sqlite stream log.
type EntryStore interface {
	AppendStreamEntry(ctx context.Context, e persistence.StreamEntry) (int64, error)
	ReadStreamEntries(ctx context.Context, taskID string, afterID int64, limit int) ([]persistence.StreamEntry, error)
}

// SQLite keeps stream entries in the task database. Offsets are entry ids
// rendered as decimal strings. Blocking reads poll at PollEvery.
type SQLite struct {
	store     EntryStore
	PollEvery time.Duration
}

func NewSQLite(store EntryStore) *SQLite {
	return &SQLite{store: store, PollEvery: 50 * time.Millisecond}
}

func (s *SQLite) Append(ctx context.Context, taskID string, e Entry) (string, error) {
	e = stamp(e)
	id, err := s.store.AppendStreamEntry(ctx, persistence.StreamEntry{
		TaskID:         taskID,
		MessageType:    e.MessageType,
		Timestamp:      e.Timestamp,
		Message:        e.Message,
		StructuredData: e.StructuredData,
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

func (s *SQLite) ReadSince(ctx context.Context, taskID, offset string, maxCount int64, block time.Duration) ([]Record, error) {
	var after int64
	if !isStart(offset) {
		n, err := strconv.ParseInt(offset, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid stream offset %q: %w", offset, err)
		}
		after = n
	}
	deadline := time.Now().Add(block)
	for {
		rows, err := s.store.ReadStreamEntries(ctx, taskID, after, int(maxCount))
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 || block <= 0 || !time.Now().Before(deadline) {
			out := make([]Record, 0, len(rows))
			for _, r := range rows {
				out = append(out, Record{
					Offset: strconv.FormatInt(r.ID, 10),
					Entry: Entry{
						MessageType:    r.MessageType,
						Timestamp:      r.Timestamp,
						Message:        r.Message,
						StructuredData: r.StructuredData,
					},
				})
			}
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.PollEvery):
		}
	}
}
