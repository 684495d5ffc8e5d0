package persistence_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskstream/internal/bus"
	"github.com/basket/taskstream/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "taskstream.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func createTask(t *testing.T, store *persistence.Store, role persistence.TaskRole) *persistence.Task {
	t.Helper()
	task, err := store.CreateTask(context.Background(), persistence.NewTask{
		AgentID:   "agent-x",
		ProjectID: "proj-1",
		Role:      role,
		Content:   "hello",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	for _, table := range []string{"tasks", "task_events", "agent_counters", "kv_store", "stream_entries", "audit_log"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("missing table %s: %v", table, err)
		}
	}

	var version int
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected schema version 2, got %d", version)
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, path := openTestStore(t)
	task := createTask(t, store, persistence.RoleUser)
	_ = store.Close()

	reopened, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Content != "hello" {
		t.Fatalf("content = %q", got.Content)
	}
}

func TestStore_RejectsChecksumMismatch(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 2`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(path, nil); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestCreateTask_StartsQueued(t *testing.T) {
	store, _ := openTestStore(t)
	task := createTask(t, store, persistence.RoleAssistant)

	if task.ID == "" {
		t.Fatal("expected id")
	}
	if task.Status != persistence.TaskStatusQueued {
		t.Fatalf("status = %s", task.Status)
	}
	if task.CompletedAt != nil {
		t.Fatal("new task must not have completed_at")
	}
	if task.Metadata == nil {
		t.Fatal("metadata should be an empty map, not nil")
	}
}

func TestCreateTask_RejectsBadRole(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.CreateTask(context.Background(), persistence.NewTask{AgentID: "a", ProjectID: "p", Role: "system"})
	if err == nil {
		t.Fatal("expected role validation error")
	}
}

func TestGetTask_NotFound(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.GetTask(context.Background(), "missing")
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateTask_MergesMetadata(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	task, err := store.CreateTask(ctx, persistence.NewTask{
		AgentID: "a", ProjectID: "p", Role: persistence.RoleUser,
		Metadata: map[string]any{"source": "api"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	content := "updated"
	related := "other-id"
	got, err := store.UpdateTask(ctx, task.ID, persistence.TaskPatch{
		Content:       &content,
		RelatedTaskID: &related,
		Metadata:      map[string]any{"queue_name": "task_processing"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Content != "updated" || got.RelatedTaskID != "other-id" {
		t.Fatalf("unexpected task %+v", got)
	}
	if got.Metadata["source"] != "api" || got.Metadata["queue_name"] != "task_processing" {
		t.Fatalf("metadata not merged: %v", got.Metadata)
	}

	if _, err := store.UpdateTask(ctx, "missing", persistence.TaskPatch{Content: &content}); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionTask_LegalEdges(t *testing.T) {
	tests := []struct {
		name string
		path []persistence.TaskStatus
	}{
		{"complete", []persistence.TaskStatus{persistence.TaskStatusProcessing, persistence.TaskStatusCompleted}},
		{"fail", []persistence.TaskStatus{persistence.TaskStatusProcessing, persistence.TaskStatusFailed}},
		{"cancel queued", []persistence.TaskStatus{persistence.TaskStatusCancelled}},
		{"cancel processing", []persistence.TaskStatus{persistence.TaskStatusProcessing, persistence.TaskStatusCancelled}},
		{"enqueue compensation", []persistence.TaskStatus{persistence.TaskStatusFailed}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store, _ := openTestStore(t)
			task := createTask(t, store, persistence.RoleAssistant)
			for _, next := range tc.path {
				got, err := store.TransitionTask(ctx, task.ID, nil, next, nil)
				if err != nil {
					t.Fatalf("transition to %s: %v", next, err)
				}
				if got.Status != next {
					t.Fatalf("status = %s, want %s", got.Status, next)
				}
				if next.Terminal() != (got.CompletedAt != nil) {
					t.Fatalf("completed_at set=%v for status %s", got.CompletedAt != nil, next)
				}
			}
		})
	}
}

func TestTransitionTask_RejectsIllegalEdges(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	task := createTask(t, store, persistence.RoleAssistant)

	if _, err := store.TransitionTask(ctx, task.ID, nil, persistence.TaskStatusCompleted, nil); !errors.Is(err, persistence.ErrIllegalTransition) {
		t.Fatalf("queued -> completed should be illegal, got %v", err)
	}
	if _, err := store.TransitionTask(ctx, task.ID, nil, persistence.TaskStatusCancelled, nil); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for _, to := range []persistence.TaskStatus{
		persistence.TaskStatusQueued,
		persistence.TaskStatusProcessing,
		persistence.TaskStatusCompleted,
		persistence.TaskStatusFailed,
		persistence.TaskStatusCancelled,
	} {
		if _, err := store.TransitionTask(ctx, task.ID, nil, to, nil); !errors.Is(err, persistence.ErrIllegalTransition) {
			t.Fatalf("cancelled -> %s should be illegal, got %v", to, err)
		}
	}
}

func TestTransitionTask_AllowedFromGuard(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	task := createTask(t, store, persistence.RoleUser)

	_, err := store.TransitionTask(ctx, task.ID, []persistence.TaskStatus{persistence.TaskStatusProcessing}, persistence.TaskStatusCancelled, nil)
	if !errors.Is(err, persistence.ErrIllegalTransition) {
		t.Fatalf("expected guard rejection, got %v", err)
	}
	if _, err := store.TransitionTask(ctx, "missing", nil, persistence.TaskStatusCancelled, nil); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionTask_CompletedAtSetOnce(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	task := createTask(t, store, persistence.RoleAssistant)

	if _, err := store.TransitionTask(ctx, task.ID, nil, persistence.TaskStatusProcessing, nil); err != nil {
		t.Fatalf("processing: %v", err)
	}
	done, err := store.TransitionTask(ctx, task.ID, nil, persistence.TaskStatusCompleted, map[string]any{"duration_ms": 12})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	first := *done.CompletedAt

	// A later rejected transition must not move the timestamp.
	_, _ = store.TransitionTask(ctx, task.ID, nil, persistence.TaskStatusCancelled, nil)
	again, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !again.CompletedAt.Equal(first) {
		t.Fatalf("completed_at moved: %v -> %v", first, again.CompletedAt)
	}
	if again.Metadata["duration_ms"] != float64(12) {
		t.Fatalf("metadata patch lost: %v", again.Metadata)
	}

	events, err := store.ListTaskEvents(ctx, task.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected created + 2 transitions, got %d", len(events))
	}
	if events[2].StateFrom != persistence.TaskStatusProcessing || events[2].StateTo != persistence.TaskStatusCompleted {
		t.Fatalf("unexpected last event %+v", events[2])
	}
}

func TestTransitionTask_PublishesStatusChanged(t *testing.T) {
	eventBus := bus.New()
	sub := eventBus.Subscribe(bus.TopicTaskStatusChanged)
	defer eventBus.Unsubscribe(sub)

	store, err := persistence.Open(filepath.Join(t.TempDir(), "bus.db"), eventBus)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	task := createTask(t, store, persistence.RoleAssistant)

	if _, err := store.TransitionTask(context.Background(), task.ID, nil, persistence.TaskStatusProcessing, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.TaskStatusChangedEvent)
		if payload.TaskID != task.ID || payload.OldStatus != "queued" || payload.NewStatus != "processing" {
			t.Fatalf("unexpected event %+v", payload)
		}
		if payload.AgentID != "agent-x" || payload.ProjectID != "proj-1" {
			t.Fatalf("missing routing ids %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no status event published")
	}
}

func TestCountInFlight(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	n, err := store.CountInFlight(ctx, "proj-1", "agent-x")
	if err != nil || n != 0 {
		t.Fatalf("initial count = %d, %v", n, err)
	}
	a := createTask(t, store, persistence.RoleUser)
	b := createTask(t, store, persistence.RoleAssistant)
	if n, _ := store.CountInFlight(ctx, "proj-1", "agent-x"); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
	if n, _ := store.CountInFlight(ctx, "proj-2", "agent-x"); n != 0 {
		t.Fatalf("other project count = %d", n)
	}
	for _, id := range []string{a.ID, b.ID} {
		if _, err := store.TransitionTask(ctx, id, nil, persistence.TaskStatusCancelled, nil); err != nil {
			t.Fatalf("cancel: %v", err)
		}
	}
	if n, _ := store.CountInFlight(ctx, "proj-1", "agent-x"); n != 0 {
		t.Fatalf("count after cancel = %d", n)
	}
}

func TestListTasks_FiltersAndPaginates(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	var ids []string
	for range 5 {
		ids = append(ids, createTask(t, store, persistence.RoleUser).ID)
	}
	if _, err := store.TransitionTask(ctx, ids[0], nil, persistence.TaskStatusCancelled, nil); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	queued, err := store.ListTasks(ctx, persistence.TaskQuery{
		AgentID:  "agent-x",
		Statuses: []persistence.TaskStatus{persistence.TaskStatusQueued},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(queued) != 4 {
		t.Fatalf("queued = %d, want 4", len(queued))
	}

	page, err := store.ListTasks(ctx, persistence.TaskQuery{AgentID: "agent-x", Desc: true, Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[3] || page[1].ID != ids[2] {
		t.Fatalf("unexpected page order: %v", []string{page[0].ID, page[1].ID})
	}
}

func TestDeleteTask(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	task := createTask(t, store, persistence.RoleUser)
	if err := store.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetTask(ctx, task.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := store.DeleteTask(ctx, task.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestAgentTaskCounter(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	if n, _ := store.AgentTaskCount(ctx, "p", "a"); n != 0 {
		t.Fatalf("initial = %d", n)
	}
	if n, err := store.IncrementAgentTaskCount(ctx, "p", "a", 2); err != nil || n != 2 {
		t.Fatalf("increment = %d, %v", n, err)
	}
	if n, _ := store.IncrementAgentTaskCount(ctx, "p", "a", 2); n != 4 {
		t.Fatalf("second increment = %d", n)
	}
	if n, _ := store.AgentTaskCount(ctx, "p", "a"); n != 4 {
		t.Fatalf("count = %d", n)
	}
}

func TestKV_TTLAndDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	if err := store.KVSet(ctx, "session:c1", "sess-1", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, _ := store.KVGet(ctx, "session:c1"); v != "sess-1" {
		t.Fatalf("get = %q", v)
	}
	if err := store.KVSet(ctx, "session:c2", "sess-2", time.Millisecond); err != nil {
		t.Fatalf("set ttl: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if v, _ := store.KVGet(ctx, "session:c2"); v != "" {
		t.Fatalf("expired key returned %q", v)
	}
	if err := store.KVDelete(ctx, "session:c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if v, _ := store.KVGet(ctx, "session:c1"); v != "" {
		t.Fatalf("deleted key returned %q", v)
	}
}

func TestStreamEntries_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	for i, typ := range []string{"message_chunk", "tool_use", "result"} {
		data, _ := json.Marshal(map[string]any{"i": i})
		if _, err := store.AppendStreamEntry(ctx, persistence.StreamEntry{
			TaskID: "t1", MessageType: typ, Message: typ, StructuredData: data,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := store.AppendStreamEntry(ctx, persistence.StreamEntry{TaskID: "t2", MessageType: "other"}); err != nil {
		t.Fatalf("append other: %v", err)
	}

	first, err := store.ReadStreamEntries(ctx, "t1", 0, 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(first) != 2 || first[0].MessageType != "message_chunk" || first[1].MessageType != "tool_use" {
		t.Fatalf("unexpected first batch %+v", first)
	}
	rest, err := store.ReadStreamEntries(ctx, "t1", first[1].ID, 10)
	if err != nil {
		t.Fatalf("read rest: %v", err)
	}
	if len(rest) != 1 || rest[0].MessageType != "result" {
		t.Fatalf("unexpected rest %+v", rest)
	}
	if rest[0].Timestamp == "" {
		t.Fatal("timestamp should default")
	}
}

func TestRunRetention_KeepsLiveStreams(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	live := createTask(t, store, persistence.RoleAssistant)
	done := createTask(t, store, persistence.RoleAssistant)
	if _, err := store.TransitionTask(ctx, done.ID, nil, persistence.TaskStatusCancelled, nil); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for _, id := range []string{live.ID, done.ID} {
		if _, err := store.AppendStreamEntry(ctx, persistence.StreamEntry{TaskID: id, MessageType: "message_chunk"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := store.DB().Exec(`UPDATE stream_entries SET created_at = ?`, time.Now().UTC().Add(-48*time.Hour)); err != nil {
		t.Fatalf("age entries: %v", err)
	}

	res, err := store.RunRetention(ctx, persistence.RetentionPolicy{StreamEntriesAge: 24 * time.Hour})
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if res.PurgedStreamEntries != 1 {
		t.Fatalf("purged = %d, want 1", res.PurgedStreamEntries)
	}
	if left, _ := store.ReadStreamEntries(ctx, live.ID, 0, 10); len(left) != 1 {
		t.Fatalf("live stream trimmed: %d", len(left))
	}

	// Second run is a no-op.
	res, err = store.RunRetention(ctx, persistence.RetentionPolicy{StreamEntriesAge: 24 * time.Hour})
	if err != nil || res.PurgedStreamEntries != 0 {
		t.Fatalf("second run = %+v, %v", res, err)
	}

	ids, err := store.TerminalTaskIDs(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("terminal ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != done.ID {
		t.Fatalf("terminal ids = %v", ids)
	}
}

func TestStatusCounts(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	a := createTask(t, store, persistence.RoleUser)
	createTask(t, store, persistence.RoleAssistant)
	if _, err := store.TransitionTask(ctx, a.ID, nil, persistence.TaskStatusCancelled, nil); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	counts, err := store.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("status counts: %v", err)
	}
	if counts[persistence.TaskStatusQueued] != 1 || counts[persistence.TaskStatusCancelled] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
	if _, ok := counts[persistence.TaskStatusCompleted]; ok {
		t.Fatalf("completed should be absent: %v", counts)
	}
}
