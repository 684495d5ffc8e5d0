package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/basket/taskstream/internal/bus"
	"github.com/basket/taskstream/internal/shared"
	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transition can leave the status.
func (st TaskStatus) Terminal() bool {
	switch st {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

func (st TaskStatus) Valid() bool {
	switch st {
	case TaskStatusQueued, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// InFlightStatuses are the statuses counted by admission control.
var InFlightStatuses = []TaskStatus{TaskStatusQueued, TaskStatusProcessing}

type TaskRole string

const (
	RoleUser      TaskRole = "user"
	RoleAssistant TaskRole = "assistant"
)

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusQueued: {
		TaskStatusProcessing: {},
		TaskStatusCancelled:  {},
		TaskStatusFailed:     {}, // Enqueue compensation.
	},
	TaskStatusProcessing: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusCancelled: {},
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// CanTransition exposes the task FSM to callers that validate before writing.
func CanTransition(from, to TaskStatus) bool {
	return canTransition(from, to)
}

type Task struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agent_id"`
	ProjectID      string         `json:"project_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Role           TaskRole       `json:"role"`
	Content        string         `json:"content"`
	Status         TaskStatus     `json:"status"`
	RelatedTaskID  string         `json:"related_task_id"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at"`
}

// NewTask describes a task to insert. New tasks always start queued.
type NewTask struct {
	AgentID        string
	ProjectID      string
	ConversationID string
	Role           TaskRole
	Content        string
	RelatedTaskID  string
	Metadata       map[string]any
}

// TaskPatch updates mutable fields. Nil fields are left alone; Metadata is
// merged key by key into the stored map.
type TaskPatch struct {
	Content       *string
	RelatedTaskID *string
	Metadata      map[string]any
}

type TaskQuery struct {
	AgentID   string
	ProjectID string
	Statuses  []TaskStatus
	Desc      bool
	Limit     int
	Offset    int
}

type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	TraceID   string     `json:"trace_id,omitempty"`
	EventType string     `json:"event_type"`
	StateFrom TaskStatus `json:"state_from,omitempty"`
	StateTo   TaskStatus `json:"state_to"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

const taskColumns = `id, agent_id, project_id, conversation_id, role, content, status,
	related_task_id, metadata_json, created_at, updated_at, completed_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var related sql.NullString
	var completed sql.NullTime
	var metadataJSON string
	if err := scanFn(
		&task.ID,
		&task.AgentID,
		&task.ProjectID,
		&task.ConversationID,
		&task.Role,
		&task.Content,
		&task.Status,
		&related,
		&metadataJSON,
		&task.CreatedAt,
		&task.UpdatedAt,
		&completed,
	); err != nil {
		return err
	}
	task.RelatedTaskID = related.String
	if completed.Valid {
		t := completed.Time
		task.CompletedAt = &t
	} else {
		task.CompletedAt = nil
	}
	md, err := decodeMetadata(metadataJSON)
	if err != nil {
		return err
	}
	task.Metadata = md
	return nil
}

func decodeMetadata(raw string) (map[string]any, error) {
	md := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return md, nil
	}
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return nil, fmt.Errorf("decode task metadata: %w", err)
	}
	if md == nil {
		md = map[string]any{}
	}
	return md, nil
}

func encodeMetadata(md map[string]any) (string, error) {
	if len(md) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("encode task metadata: %w", err)
	}
	return string(b), nil
}

// CreateTask inserts a queued task and returns the stored record.
func (s *Store) CreateTask(ctx context.Context, in NewTask) (*Task, error) {
	if in.AgentID == "" || in.ProjectID == "" {
		return nil, fmt.Errorf("create task: agent_id and project_id are required")
	}
	if in.Role != RoleUser && in.Role != RoleAssistant {
		return nil, fmt.Errorf("create task: invalid role %q", in.Role)
	}
	metadataJSON, err := encodeMetadata(in.Metadata)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	now := time.Now().UTC()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, agent_id, project_id, conversation_id, role, content, status,
				related_task_id, metadata_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?);
		`, id, in.AgentID, in.ProjectID, in.ConversationID, in.Role, in.Content, TaskStatusQueued,
			in.RelatedTaskID, metadataJSON, now, now); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return s.appendTaskEventTx(ctx, tx, id, "", TaskStatusQueued, "task.created", "")
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

// GetTask returns ErrNotFound when the id is unknown.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	var task Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// UpdateTask applies patch and returns the updated record.
func (s *Store) UpdateTask(ctx context.Context, taskID string, patch TaskPatch) (*Task, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var metadataJSON string
		if err := tx.QueryRowContext(ctx, `SELECT metadata_json FROM tasks WHERE id = ?;`, taskID).Scan(&metadataJSON); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select task for update: %w", err)
		}
		if len(patch.Metadata) > 0 {
			merged, err := mergeMetadata(metadataJSON, patch.Metadata)
			if err != nil {
				return err
			}
			metadataJSON = merged
		}

		content := sql.NullString{}
		if patch.Content != nil {
			content = sql.NullString{Valid: true, String: *patch.Content}
		}
		related := sql.NullString{}
		if patch.RelatedTaskID != nil {
			related = sql.NullString{Valid: true, String: *patch.RelatedTaskID}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET content = CASE WHEN ? THEN ? ELSE content END,
				related_task_id = CASE WHEN ? THEN NULLIF(?, '') ELSE related_task_id END,
				metadata_json = ?,
				updated_at = ?
			WHERE id = ?;
		`, content.Valid, content.String, related.Valid, related.String, metadataJSON, time.Now().UTC(), taskID); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, taskID)
}

func mergeMetadata(existing string, patch map[string]any) (string, error) {
	md, err := decodeMetadata(existing)
	if err != nil {
		return "", err
	}
	maps.Copy(md, patch)
	return encodeMetadata(md)
}

// DeleteTask removes the task and its status history.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, taskID)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_events WHERE task_id = ?;`, taskID); err != nil {
			return fmt.Errorf("delete task events: %w", err)
		}
		return nil
	})
}

// TransitionTask moves a task to status to when its current status is one of
// allowedFrom and the edge exists in the FSM. completed_at is stamped the
// first time a terminal status is entered. metadataPatch is merged in the same
// transaction.
func (s *Store) TransitionTask(ctx context.Context, taskID string, allowedFrom []TaskStatus, to TaskStatus, metadataPatch map[string]any) (*Task, error) {
	var from TaskStatus
	var agentID, projectID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		from, agentID, projectID, err = s.transitionTaskTx(ctx, tx, taskID, allowedFrom, to, metadataPatch)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskStatusChanged, bus.TaskStatusChangedEvent{
		TaskID:    taskID,
		AgentID:   agentID,
		ProjectID: projectID,
		OldStatus: string(from),
		NewStatus: string(to),
	})
	return s.GetTask(ctx, taskID)
}

func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []TaskStatus,
	to TaskStatus,
	metadataPatch map[string]any,
) (TaskStatus, string, string, error) {
	var current TaskStatus
	var agentID, projectID, metadataJSON string
	if err := tx.QueryRowContext(ctx, `
		SELECT status, agent_id, project_id, metadata_json
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan(&current, &agentID, &projectID, &metadataJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", "", ErrNotFound
		}
		return "", "", "", fmt.Errorf("select task for transition: %w", err)
	}
	if len(allowedFrom) > 0 && !slices.Contains(allowedFrom, current) {
		return current, "", "", fmt.Errorf("%w: task %s is %s, want one of %v", ErrIllegalTransition, taskID, current, allowedFrom)
	}
	if !canTransition(current, to) {
		return current, "", "", fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, to)
	}
	if len(metadataPatch) > 0 {
		merged, err := mergeMetadata(metadataJSON, metadataPatch)
		if err != nil {
			return current, "", "", err
		}
		metadataJSON = merged
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
			metadata_json = ?,
			completed_at = CASE WHEN ? AND completed_at IS NULL THEN ? ELSE completed_at END,
			updated_at = ?
		WHERE id = ? AND status = ?;
	`, to, metadataJSON, to.Terminal(), now, now, taskID, current)
	if err != nil {
		return current, "", "", fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return current, "", "", fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return current, "", "", fmt.Errorf("%w: task %s changed concurrently", ErrIllegalTransition, taskID)
	}
	payload := ""
	if len(metadataPatch) > 0 {
		b, _ := json.Marshal(metadataPatch)
		payload = string(b)
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, current, to, "task.status_changed", payload); err != nil {
		return current, "", "", err
	}
	return current, agentID, projectID, nil
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, ?);
	`, taskID, traceID, eventType, string(from), string(to), payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// CountInFlight counts queued and processing tasks for one agent in one project.
func (s *Store) CountInFlight(ctx context.Context, projectID, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks
		WHERE project_id = ? AND agent_id = ? AND status IN (?, ?);
	`, projectID, agentID, TaskStatusQueued, TaskStatusProcessing).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in-flight tasks: %w", err)
	}
	return n, nil
}

// StatusCounts returns the number of tasks in each status. Statuses with no
// tasks are absent from the map.
func (s *Store) StatusCounts(ctx context.Context) (map[TaskStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()
	out := make(map[TaskStatus]int64)
	for rows.Next() {
		var st TaskStatus
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// ListTasks filters by agent, project and status set, ordered by creation time.
func (s *Store) ListTasks(ctx context.Context, q TaskQuery) ([]Task, error) {
	var where []string
	var args []any
	if q.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if q.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, q.ProjectID)
	}
	if len(q.Statuses) > 0 {
		placeholders := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if q.Desc {
		query += " ORDER BY created_at DESC, rowid DESC"
	} else {
		query += " ORDER BY created_at ASC, rowid ASC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?;"
	args = append(args, limit, max(q.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tasks rows: %w", err)
	}
	return out, nil
}

// ListTaskEvents returns the status history of one task, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, COALESCE(trace_id, ''), event_type, COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.TraceID, &ev.EventType, &ev.StateFrom, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// IncrementAgentTaskCount adds delta to the agent's lifetime task counter.
func (s *Store) IncrementAgentTaskCount(ctx context.Context, projectID, agentID string, delta int) (int64, error) {
	var total int64
	err := retryOnBusy(ctx, 5, func() error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO agent_counters (project_id, agent_id, task_count, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(project_id, agent_id) DO UPDATE
			SET task_count = task_count + excluded.task_count, updated_at = CURRENT_TIMESTAMP
			RETURNING task_count;
		`, projectID, agentID, delta).Scan(&total)
	})
	if err != nil {
		return 0, fmt.Errorf("increment agent task count: %w", err)
	}
	return total, nil
}

func (s *Store) AgentTaskCount(ctx context.Context, projectID, agentID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT task_count FROM agent_counters WHERE project_id = ? AND agent_id = ?;
	`, projectID, agentID).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("agent task count: %w", err)
	}
	return total, nil
}
