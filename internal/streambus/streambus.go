// Package streambus carries fine-grained turn progress from the worker to API
// subscribers as an append-only, offset-readable log per task.
package streambus

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is one progress record. StructuredData holds the normalized event payload.
type Entry struct {
	MessageType    string          `json:"message_type"`
	Timestamp      string          `json:"timestamp"`
	Message        string          `json:"message"`
	StructuredData json.RawMessage `json:"structured_data,omitempty"`
}

// Record pairs an entry with the offset to pass to the next ReadSince call.
type Record struct {
	Offset string `json:"offset"`
	Entry  Entry  `json:"entry"`
}

// StartOffset reads a stream from its beginning.
const StartOffset = "0"

// Bus is the contract shared by the worker (Append) and the gateway (ReadSince).
type Bus interface {
	Append(ctx context.Context, taskID string, e Entry) (string, error)
	// ReadSince returns up to maxCount records after offset. With block > 0 it
	// waits up to block for the first record; an empty result is not an error.
	ReadSince(ctx context.Context, taskID, offset string, maxCount int64, block time.Duration) ([]Record, error)
}

// Purger is implemented by backends that hold per-task streams outside the
// task store and need explicit cleanup.
type Purger interface {
	Purge(ctx context.Context, taskID string) error
}

func stamp(e Entry) Entry {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return e
}

func isStart(offset string) bool {
	return offset == "" || offset == StartOffset
}
