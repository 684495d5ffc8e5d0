// Package worker executes queued task pairs through an agent session and
// reports progress to the stream bus and the task store.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/taskstream/internal/agentsession"
	"github.com/basket/taskstream/internal/persistence"
	"github.com/basket/taskstream/internal/queue"
	"github.com/basket/taskstream/internal/shared"
	"github.com/basket/taskstream/internal/streambus"
)

// TaskStore is the subset of persistence.Store the worker uses.
type TaskStore interface {
	GetTask(ctx context.Context, taskID string) (*persistence.Task, error)
	UpdateTask(ctx context.Context, taskID string, patch persistence.TaskPatch) (*persistence.Task, error)
	TransitionTask(ctx context.Context, taskID string, allowedFrom []persistence.TaskStatus, to persistence.TaskStatus, metadataPatch map[string]any) (*persistence.Task, error)
}

// Session is the part of *agentsession.Manager a turn needs.
type Session interface {
	State() agentsession.State
	SessionID() string
	Initialize(ctx context.Context, sessionID string) error
	SendMessage(ctx context.Context, content, messageID string, yield func(agentsession.StreamEvent) error) error
	Disconnect(ctx context.Context)
}

// SessionFactory builds the session for a conversation.
type SessionFactory func(projectID, conversationID string) Session

type Config struct {
	Store         TaskStore
	Streams       streambus.Bus
	NewSession    SessionFactory
	FlushInterval time.Duration
	// SessionIdleTTL drops a conversation's session after it has been idle
	// this long. A later turn builds a new one and resumes from the cache.
	SessionIdleTTL time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// finishTimeout bounds recording a turn's outcome once its context is gone.
const finishTimeout = 10 * time.Second

type Worker struct {
	store         TaskStore
	streams       streambus.Bus
	newSession    SessionFactory
	flushInterval time.Duration
	idleTTL       time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu       sync.Mutex
	sessions map[string]*conversation
}

type conversation struct {
	mu      sync.Mutex
	session Session

	// guarded by Worker.mu
	active   int
	lastUsed time.Time
}

func New(cfg Config) *Worker {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 250 * time.Millisecond
	}
	if cfg.SessionIdleTTL <= 0 {
		cfg.SessionIdleTTL = 15 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Worker{
		store:         cfg.Store,
		streams:       cfg.Streams,
		newSession:    cfg.NewSession,
		flushInterval: cfg.FlushInterval,
		idleTTL:       cfg.SessionIdleTTL,
		logger:        cfg.Logger.With("component", "worker"),
		now:           cfg.Now,
		sessions:      make(map[string]*conversation),
	}
}

// ConversationID is metadata.conversation_id, or the user task id when absent.
func ConversationID(msg queue.Message) string {
	if id, ok := msg.Metadata["conversation_id"].(string); ok && strings.TrimSpace(id) != "" {
		return id
	}
	return msg.TaskID
}

// acquire returns the conversation's session holder, building it on first
// use, and evicts holders idle past the TTL. Every acquire needs a release.
func (w *Worker) acquire(projectID, conversationID string) *conversation {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	for key, c := range w.sessions {
		if c.active == 0 && now.Sub(c.lastUsed) >= w.idleTTL {
			delete(w.sessions, key)
		}
	}
	key := projectID + "/" + conversationID
	c, ok := w.sessions[key]
	if !ok {
		c = &conversation{session: w.newSession(projectID, conversationID)}
		w.sessions[key] = c
	}
	c.active++
	return c
}

func (w *Worker) release(c *conversation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c.active--
	c.lastUsed = w.now()
}

// SessionCount reports how many conversations hold a session.
func (w *Worker) SessionCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sessions)
}

// Handle runs one queued turn. Turn failures are recorded on the tasks and
// acked. It returns an error, so the message is redelivered, when a task could
// not be claimed or its terminal status could not be written.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	ctx = shared.WithTaskID(shared.WithAgentID(shared.WithProjectID(ctx, msg.ProjectID), msg.AgentID), msg.AssistantTaskID)
	log := w.logger.With("user_task_id", msg.TaskID, "assistant_task_id", msg.AssistantTaskID)

	run, err := w.claim(ctx, msg.AssistantTaskID)
	if err != nil {
		return err
	}
	if !run {
		log.InfoContext(ctx, "assistant task no longer runnable; skipping")
		return nil
	}
	if _, err := w.claim(ctx, msg.TaskID); err != nil {
		log.WarnContext(ctx, "user task not moved to processing", "error", err)
	}

	projectID := msg.EffectiveProjectID()
	conversationID := ConversationID(msg)
	ctx = shared.WithConversationID(ctx, conversationID)
	conv := w.acquire(projectID, conversationID)
	defer w.release(conv)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	t := newTurn(w, msg.AssistantTaskID)
	turnErr := w.runTurn(ctx, conv.session, msg, t)

	// A shutdown that ends the turn must not also stop its outcome being saved.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	t.flush(fctx, true)
	conv.session.Disconnect(fctx)
	return w.finish(fctx, msg, t, turnErr)
}

// claim moves a queued task to processing. It reports false when the task
// has already reached a terminal status.
func (w *Worker) claim(ctx context.Context, taskID string) (bool, error) {
	_, err := w.store.TransitionTask(ctx, taskID, []persistence.TaskStatus{persistence.TaskStatusQueued}, persistence.TaskStatusProcessing, nil)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, persistence.ErrNotFound) {
		return false, nil
	}
	if !errors.Is(err, persistence.ErrIllegalTransition) {
		return false, fmt.Errorf("claim task %s: %w", taskID, err)
	}
	task, gerr := w.store.GetTask(ctx, taskID)
	if gerr != nil {
		return false, fmt.Errorf("reload task %s: %w", taskID, gerr)
	}
	// A redelivered message finds its task still processing.
	return task.Status == persistence.TaskStatusProcessing, nil
}

func (w *Worker) runTurn(ctx context.Context, s Session, msg queue.Message, t *turn) error {
	if s.State() != agentsession.Connected {
		if err := s.Initialize(ctx, s.SessionID()); err != nil {
			return err
		}
	}
	return s.SendMessage(ctx, msg.Content, msg.AssistantTaskID, func(ev agentsession.StreamEvent) error {
		return t.observe(ctx, ev)
	})
}

// finish writes the final content and moves both tasks out of processing.
// The returned error lists the tasks whose status could not be written.
func (w *Worker) finish(ctx context.Context, msg queue.Message, t *turn, turnErr error) error {
	content := t.finalContent()
	if _, err := w.store.UpdateTask(ctx, msg.AssistantTaskID, persistence.TaskPatch{Content: &content}); err != nil {
		w.logger.ErrorContext(ctx, "assistant content not saved", "error", err)
	}

	to := persistence.TaskStatusCompleted
	patch := t.resultMetadata()
	switch {
	case turnErr != nil:
		to = persistence.TaskStatusFailed
		patch["error"] = turnErr.Error()
		if errors.Is(turnErr, agentsession.ErrStaleSession) {
			patch["stale_session"] = true
		}
	case t.result == nil:
		to = persistence.TaskStatusFailed
		patch["error"] = "agent stream ended without a result"
	case t.result.IsError:
		to = persistence.TaskStatusFailed
		patch["error"] = t.result.Result
	}

	var errs []error
	for _, id := range []string{msg.AssistantTaskID, msg.TaskID} {
		_, err := w.store.TransitionTask(ctx, id, []persistence.TaskStatus{persistence.TaskStatusProcessing}, to, patch)
		switch {
		case err == nil:
		case errors.Is(err, persistence.ErrIllegalTransition):
			w.logger.InfoContext(ctx, "task left in its current status", "task_id", id, "wanted", to)
		default:
			w.logger.ErrorContext(ctx, "task status not recorded", "task_id", id, "error", err)
			errs = append(errs, fmt.Errorf("record %s on task %s: %w", to, id, err))
		}
	}
	w.logger.InfoContext(ctx, "turn finished", "status", to, "events", t.events)
	return errors.Join(errs...)
}

// Shutdown disconnects every cached session.
func (w *Worker) Shutdown(ctx context.Context) {
	w.mu.Lock()
	convs := make([]*conversation, 0, len(w.sessions))
	for _, c := range w.sessions {
		convs = append(convs, c)
	}
	w.sessions = make(map[string]*conversation)
	w.mu.Unlock()
	for _, c := range convs {
		c.session.Disconnect(ctx)
	}
}

// turn accumulates one SendMessage call.
type turn struct {
	w         *Worker
	taskID    string
	text      strings.Builder
	dirty     bool
	lastFlush time.Time
	result    *agentsession.ResultData
	events    int
}

func newTurn(w *Worker, taskID string) *turn {
	return &turn{w: w, taskID: taskID, lastFlush: time.Now()}
}

func (t *turn) observe(ctx context.Context, ev agentsession.StreamEvent) error {
	t.events++
	data, err := json.Marshal(ev.Data)
	if err != nil {
		data = []byte("{}")
	}
	entry := streambus.Entry{
		MessageType:    string(ev.Type),
		Timestamp:      ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Message:        summarize(ev),
		StructuredData: data,
	}
	if _, err := t.w.streams.Append(ctx, t.taskID, entry); err != nil {
		t.w.logger.WarnContext(ctx, "stream append failed", "task_id", t.taskID, "error", err)
	}

	switch d := ev.Data.(type) {
	case agentsession.ChunkData:
		t.text.WriteString(d.Text)
		t.dirty = true
	case agentsession.ResultData:
		t.result = &d
	}
	t.flush(ctx, false)
	return nil
}

func (t *turn) flush(ctx context.Context, force bool) {
	if !t.dirty || (!force && time.Since(t.lastFlush) < t.w.flushInterval) {
		return
	}
	content := t.text.String()
	if _, err := t.w.store.UpdateTask(ctx, t.taskID, persistence.TaskPatch{Content: &content}); err != nil {
		t.w.logger.WarnContext(ctx, "partial content not saved", "task_id", t.taskID, "error", err)
		return
	}
	t.dirty = false
	t.lastFlush = time.Now()
}

func (t *turn) finalContent() string {
	if t.result != nil && t.result.Result != "" && !t.result.IsError {
		return t.result.Result
	}
	return t.text.String()
}

func (t *turn) resultMetadata() map[string]any {
	md := map[string]any{}
	if t.result == nil {
		return md
	}
	md["session_id"] = t.result.SessionID
	md["num_turns"] = t.result.NumTurns
	md["duration_ms"] = t.result.DurationMS
	if t.result.TotalCostUSD > 0 {
		md["total_cost_usd"] = t.result.TotalCostUSD
	}
	return md
}

func summarize(ev agentsession.StreamEvent) string {
	switch d := ev.Data.(type) {
	case agentsession.ChunkData:
		return d.Text
	case agentsession.ThinkingData:
		return d.Thinking
	case agentsession.ToolUseData:
		return d.ActiveDescription
	case agentsession.UserMessageData:
		return d.Text
	case agentsession.ResultData:
		return d.Result
	case agentsession.ErrorData:
		return d.Error
	}
	return ""
}
