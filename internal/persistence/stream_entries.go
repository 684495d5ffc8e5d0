package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// StreamEntry is one row of a task's append-only progress log.
type StreamEntry struct {
	ID             int64           `json:"id"`
	TaskID         string          `json:"task_id"`
	MessageType    string          `json:"message_type"`
	Timestamp      string          `json:"timestamp"`
	Message        string          `json:"message"`
	StructuredData json.RawMessage `json:"structured_data"`
}

// AppendStreamEntry appends to the task's log and returns the new entry id.
func (s *Store) AppendStreamEntry(ctx context.Context, e StreamEntry) (int64, error) {
	data := string(e.StructuredData)
	if data == "" {
		data = "{}"
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO stream_entries (task_id, message_type, timestamp, message, structured_data_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, e.TaskID, e.MessageType, e.Timestamp, e.Message, data, time.Now().UTC())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("append stream entry: %w", err)
	}
	return id, nil
}

// ReadStreamEntries returns up to limit entries of taskID with id > afterID.
func (s *Store) ReadStreamEntries(ctx context.Context, taskID string, afterID int64, limit int) ([]StreamEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, task_id, message_type, timestamp, message, structured_data_json
		FROM stream_entries
		WHERE task_id = ? AND entry_id > ?
		ORDER BY entry_id ASC
		LIMIT ?;
	`, taskID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("read stream entries: %w", err)
	}
	defer rows.Close()

	var out []StreamEntry
	for rows.Next() {
		var e StreamEntry
		var data string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.MessageType, &e.Timestamp, &e.Message, &data); err != nil {
			return nil, fmt.Errorf("scan stream entry: %w", err)
		}
		e.StructuredData = json.RawMessage(data)
		out = append(out, e)
	}
	return out, rows.Err()
}

type RetentionResult struct {
	PurgedStreamEntries int64 `json:"purged_stream_entries"`
	PurgedTaskEvents    int64 `json:"purged_task_events"`
	PurgedAuditLogs     int64 `json:"purged_audit_logs"`
	PurgedKV            int64 `json:"purged_kv"`
}

// RetentionPolicy holds the age limits for each category. Zero disables a category.
type RetentionPolicy struct {
	StreamEntriesAge time.Duration
	TaskEventsAge    time.Duration
}

// RunRetention deletes stream entries of terminal tasks, old task events and
// audit rows, and expired KV entries. It is idempotent.
func (s *Store) RunRetention(ctx context.Context, p RetentionPolicy) (RetentionResult, error) {
	var result RetentionResult
	now := time.Now().UTC()

	if p.StreamEntriesAge > 0 {
		cutoff := now.Add(-p.StreamEntriesAge)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM stream_entries
			WHERE created_at < ?
			  AND task_id IN (SELECT id FROM tasks WHERE completed_at IS NOT NULL);
		`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge stream_entries: %w", err)
		}
		result.PurgedStreamEntries, _ = res.RowsAffected()
	}

	if p.TaskEventsAge > 0 {
		cutoff := now.Add(-p.TaskEventsAge)
		res, err := s.db.ExecContext(ctx, `DELETE FROM task_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge task_events: %w", err)
		}
		result.PurgedTaskEvents, _ = res.RowsAffected()

		res, err = s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at <= ?;`, now)
	if err != nil {
		return result, fmt.Errorf("purge kv_store: %w", err)
	}
	result.PurgedKV, _ = res.RowsAffected()

	return result, nil
}

// TerminalTaskIDs lists tasks that completed before the cutoff, newest first.
func (s *Store) TerminalTaskIDs(ctx context.Context, completedBefore time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE completed_at IS NOT NULL AND completed_at < ?
		ORDER BY completed_at DESC
		LIMIT ?;
	`, completedBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list terminal tasks: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan terminal task: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
