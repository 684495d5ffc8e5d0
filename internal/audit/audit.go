// Package audit keeps an append-only trail of operator-relevant decisions:
// rejected admissions, failed enqueues, cancellations and startup failures.
// Entries go to <home>/logs/audit.jsonl and, once SetDB is called, to the
// audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskstream/internal/bus"
	"github.com/basket/taskstream/internal/shared"
)

// Decisions.
const (
	DecisionAllow  = "allow"
	DecisionReject = "reject"
	DecisionFail   = "fail"
)

// Actions.
const (
	ActionAdmission = "task.admission"
	ActionEnqueue   = "task.enqueue"
	ActionCancel    = "task.cancel"
	ActionFail      = "task.fail"
	ActionStartup   = "startup"
)

type entry struct {
	Timestamp     string `json:"timestamp"`
	TraceID       string `json:"trace_id,omitempty"`
	Action        string `json:"action"`
	Decision      string `json:"decision"`
	Reason        string `json:"reason"`
	Subject       string `json:"subject,omitempty"`
	ConfigVersion string `json:"config_version,omitempty"`
}

var (
	mu            sync.Mutex
	file          *os.File
	db            *sql.DB
	configVersion string
	rejectCount   atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

// SetConfigVersion stamps later entries with the active config fingerprint.
func SetConfigVersion(v string) {
	mu.Lock()
	defer mu.Unlock()
	configVersion = v
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RejectCount returns the number of reject and fail decisions since startup.
func RejectCount() int64 {
	return rejectCount.Load()
}

// Record appends one entry. Secrets in reason and subject are redacted.
func Record(ctx context.Context, action, decision, reason, subject string) {
	if decision != DecisionAllow {
		rejectCount.Add(1)
	}
	reason = shared.Redact(reason)
	subject = shared.Redact(subject)
	traceID := shared.TraceID(ctx)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:       traceID,
			Action:        action,
			Decision:      decision,
			Reason:        reason,
			Subject:       subject,
			ConfigVersion: configVersion,
		}
		if b, err := json.Marshal(ev); err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy_version)
			VALUES (?, ?, ?, ?, ?, ?);
		`, traceID, subject, action, decision, reason, configVersion)
	}
}

// Watch records task lifecycle decisions published on b until ctx is done:
// enqueue failures and transitions into cancelled or failed.
func Watch(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			recordEvent(ctx, ev)
		}
	}
}

func recordEvent(ctx context.Context, ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.TaskEnqueueEvent:
		if ev.Topic != bus.TopicTaskEnqueueFailed {
			return
		}
		Record(ctx, ActionEnqueue, DecisionFail, p.Error, p.UserTaskID+","+p.AssistantTaskID)
	case bus.TaskStatusChangedEvent:
		switch p.NewStatus {
		case "cancelled":
			Record(ctx, ActionCancel, DecisionAllow, "from "+p.OldStatus, p.TaskID)
		case "failed":
			Record(ctx, ActionFail, DecisionFail, "from "+p.OldStatus, p.TaskID)
		}
	}
}
