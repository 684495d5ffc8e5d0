package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskstream/internal/bus"
	"github.com/basket/taskstream/internal/persistence"
)

func readEntries(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []map[string]any
	for i, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })
	SetConfigVersion("cfg-abc")
	t.Cleanup(func() { SetConfigVersion("") })

	before := RejectCount()
	Record(context.Background(), ActionAdmission, DecisionReject, "agent busy", "proj-1/agent-1")
	Record(context.Background(), ActionCancel, DecisionAllow, "from queued", "task-1")

	entries := readEntries(t, home)
	if len(entries) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(entries))
	}
	first := entries[0]
	if first["action"] != ActionAdmission || first["decision"] != DecisionReject {
		t.Fatalf("unexpected first entry: %#v", first)
	}
	if first["config_version"] != "cfg-abc" || first["timestamp"] == "" {
		t.Fatalf("expected config_version and timestamp: %#v", first)
	}
	if got := RejectCount() - before; got != 1 {
		t.Fatalf("reject count grew by %d, want 1", got)
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(context.Background(), ActionStartup, DecisionFail, "dial amqp: api_key=sk-abcdefghijklmnopqrstuvwxyz123456", "")
	entries := readEntries(t, home)
	if reason, _ := entries[0]["reason"].(string); strings.Contains(reason, "sk-abcdefghijklmnopqrstuvwxyz123456") {
		t.Fatalf("secret leaked into audit reason: %q", reason)
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(context.Background(), ActionCancel, DecisionAllow, "one", "t1")
	Record(context.Background(), ActionFail, DecisionFail, "two", "t2")

	path := filepath.Join(home, "logs", "audit.jsonl")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}
	Record(context.Background(), ActionCancel, DecisionAllow, "three", "t3")
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected file to grow, size before=%d after=%d", info1.Size(), info2.Size())
	}
	entries := readEntries(t, home)
	if len(entries) != 3 || entries[2]["reason"] != "three" {
		t.Fatalf("entries out of order: %#v", entries)
	}
}

func TestRecordWritesAuditLogTable(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskstream.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	SetDB(store.DB())
	t.Cleanup(func() { SetDB(nil) })

	Record(context.Background(), ActionEnqueue, DecisionFail, "broker down", "u1,a1")

	var action, decision, subject string
	err = store.DB().QueryRow(`SELECT action, decision, subject FROM audit_log ORDER BY audit_id DESC LIMIT 1`).
		Scan(&action, &decision, &subject)
	if err != nil {
		t.Fatalf("query audit_log: %v", err)
	}
	if action != ActionEnqueue || decision != DecisionFail || subject != "u1,a1" {
		t.Fatalf("row = %s/%s/%s", action, decision, subject)
	}
}

func TestWatchRecordsLifecycleDecisions(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Watch(ctx, b)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Publish(bus.TopicTaskEnqueued, bus.TaskEnqueueEvent{UserTaskID: "u0", AssistantTaskID: "a0"})
	b.Publish(bus.TopicTaskEnqueueFailed, bus.TaskEnqueueEvent{UserTaskID: "u1", AssistantTaskID: "a1", Error: "publish exhausted"})
	b.Publish(bus.TopicTaskStatusChanged, bus.TaskStatusChangedEvent{TaskID: "a2", OldStatus: "queued", NewStatus: "processing"})
	b.Publish(bus.TopicTaskStatusChanged, bus.TaskStatusChangedEvent{TaskID: "a3", OldStatus: "processing", NewStatus: "cancelled"})

	for {
		if len(readEntries(t, home)) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher did not record events")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	entries := readEntries(t, home)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %#v", entries)
	}
	if entries[0]["action"] != ActionEnqueue || entries[0]["subject"] != "u1,a1" {
		t.Fatalf("unexpected enqueue entry: %#v", entries[0])
	}
	if entries[1]["action"] != ActionCancel || entries[1]["subject"] != "a3" {
		t.Fatalf("unexpected cancel entry: %#v", entries[1])
	}
}
