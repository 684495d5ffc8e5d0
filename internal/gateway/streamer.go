package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskstream/internal/bus"
	"github.com/basket/taskstream/internal/otel"
	"github.com/basket/taskstream/internal/persistence"
	"github.com/basket/taskstream/internal/streambus"
)

// Stream event types, in the order a client normally sees them.
const (
	EventMessageStart      = "message_start"
	EventClaudeCodeMessage = "claude_code_message"
	EventMessageChunk      = "message_chunk"
	EventMessageComplete   = "message_complete"
	EventTaskTimeout       = "task_timeout"
)

var (
	// ErrStreamTaskNotFound covers unknown tasks and tasks owned by another agent or project.
	ErrStreamTaskNotFound = errors.New("gateway: task not found")
	// ErrNotStreamable means the task is a user task; only assistant tasks produce output.
	ErrNotStreamable = errors.New("gateway: only assistant tasks can be streamed")
)

// Event is one frame of a task stream.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Emitter delivers one event to the client. An error means the client is gone.
type Emitter func(ctx context.Context, ev Event) error

// Outcome is how a stream ended.
type Outcome string

const (
	OutcomeComplete     Outcome = "complete"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeDisconnected Outcome = "client_disconnected"
	OutcomeDeleted      Outcome = "task_deleted"
)

// StreamRequest identifies the task to stream and the agent/project the caller claims it belongs to.
type StreamRequest struct {
	ProjectID string
	AgentID   string
	TaskID    string
	// Offset is the StreamBus position to resume after; empty reads from the start.
	Offset string
}

type StreamStartData struct {
	TaskID    string `json:"task_id"`
	AgentID   string `json:"agent_id"`
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
}

type StreamEntryData struct {
	Offset string          `json:"offset"`
	Entry  streambus.Entry `json:"entry"`
}

type StreamChunkData struct {
	TaskID  string `json:"task_id"`
	Content string `json:"content"`
}

type StreamCompleteData struct {
	TaskID      string     `json:"task_id"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completed_at"`
}

type StreamTimeoutData struct {
	TaskID         string `json:"task_id"`
	Status         string `json:"status"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// TaskReader is the slice of the task store the streamer polls.
type TaskReader interface {
	GetTask(ctx context.Context, taskID string) (*persistence.Task, error)
}

type StreamerConfig struct {
	Store   TaskReader
	Streams streambus.Bus
	// Bus, when set, wakes the poll loop as soon as the task changes status.
	Bus          *bus.Bus
	PollInterval time.Duration
	Timeout      time.Duration
	ReadBatch    int64
	// Block is passed to StreamBus reads; zero polls without blocking.
	Block   time.Duration
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

// TaskStreamer polls one assistant task's progress log and record and turns
// them into client events. It does not depend on the transport.
type TaskStreamer struct {
	store        TaskReader
	streams      streambus.Bus
	bus          *bus.Bus
	pollInterval time.Duration
	timeout      time.Duration
	readBatch    int64
	block        time.Duration
	logger       *slog.Logger
	metrics      *otel.Metrics
	tracer       trace.Tracer
}

func NewTaskStreamer(cfg StreamerConfig) *TaskStreamer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.ReadBatch <= 0 {
		cfg.ReadBatch = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	return &TaskStreamer{
		store:        cfg.Store,
		streams:      cfg.Streams,
		bus:          cfg.Bus,
		pollInterval: cfg.PollInterval,
		timeout:      cfg.Timeout,
		readBatch:    cfg.ReadBatch,
		block:        cfg.Block,
		logger:       cfg.Logger.With("component", "gateway.stream"),
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
	}
}

// Validate checks that the task exists, belongs to the claimed agent and
// project, and is an assistant task.
func (s *TaskStreamer) Validate(ctx context.Context, req StreamRequest) (*persistence.Task, error) {
	task, err := s.store.GetTask(ctx, req.TaskID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, ErrStreamTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if task.AgentID != req.AgentID || task.ProjectID != req.ProjectID {
		return nil, ErrStreamTaskNotFound
	}
	if task.Role != persistence.RoleAssistant {
		return nil, fmt.Errorf("%w: task %s has role %s", ErrNotStreamable, task.ID, task.Role)
	}
	return task, nil
}

// Run validates the request and streams the task. Validation failures are
// returned before any event is emitted.
func (s *TaskStreamer) Run(ctx context.Context, req StreamRequest, emit Emitter) (Outcome, error) {
	task, err := s.Validate(ctx, req)
	if err != nil {
		return "", err
	}
	return s.RunTask(ctx, task, req.Offset, emit)
}

// RunTask streams an already validated task until it is terminal, the budget
// runs out, the task disappears, or the client goes away. The only errors are
// task store failures.
func (s *TaskStreamer) RunTask(ctx context.Context, task *persistence.Task, offset string, emit Emitter) (outcome Outcome, err error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "gateway.stream",
		otel.AttrTaskID.String(task.ID),
		otel.AttrAgentID.String(task.AgentID),
		otel.AttrProjectID.String(task.ProjectID),
	)
	defer func() {
		span.SetAttributes(otel.AttrOutcome.String(string(outcome)))
		otel.EndSpan(span, err)
	}()

	s.metrics.ActiveStreams.Add(ctx, 1)
	defer s.metrics.ActiveStreams.Add(ctx, -1)

	logger := s.logger.With("task_id", task.ID)
	st := &streamState{
		s:      s,
		emit:   emit,
		logger: logger,
		taskID: task.ID,
		offset: offset,
	}
	if st.offset == "" {
		st.offset = streambus.StartOffset
	}

	if !st.send(ctx, EventMessageStart, StreamStartData{
		TaskID:    task.ID,
		AgentID:   task.AgentID,
		ProjectID: task.ProjectID,
		Status:    string(task.Status),
	}) {
		return OutcomeDisconnected, nil
	}

	var wake <-chan bus.Event
	if s.bus != nil {
		sub := s.bus.Subscribe(bus.TopicTaskStatusChanged, bus.ForTask(task.ID))
		defer s.bus.Unsubscribe(sub)
		wake = sub.Ch()
	}

	deadline := time.NewTimer(s.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			logger.DebugContext(ctx, "stream client disconnected")
			return OutcomeDisconnected, nil
		}

		done, out, perr := st.poll(ctx)
		if perr != nil || done {
			return out, perr
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				logger.DebugContext(ctx, "stream client disconnected")
				return OutcomeDisconnected, nil
			case <-deadline.C:
				return st.timeout(ctx)
			case <-ticker.C:
				break wait
			case _, ok := <-wake:
				if !ok {
					wake = nil
					continue
				}
				break wait
			}
		}
	}
}

type streamState struct {
	s       *TaskStreamer
	emit    Emitter
	logger  *slog.Logger
	taskID  string
	offset  string
	content string
	status  persistence.TaskStatus
}

// send reports false once the client can no longer receive events.
func (st *streamState) send(ctx context.Context, typ string, data any) bool {
	if err := st.emit(ctx, Event{Type: typ, Data: data}); err != nil {
		st.logger.DebugContext(ctx, "stream emit failed", "event", typ, "error", err)
		return false
	}
	otel.Add(ctx, st.s.metrics.StreamEvents, 1, otel.AttrOutcome.String(typ))
	return true
}

// poll runs one iteration: forward new progress entries, then re-read the
// task record. done is true when the stream has ended.
func (st *streamState) poll(ctx context.Context) (done bool, outcome Outcome, err error) {
	if !st.drain(ctx) {
		return true, OutcomeDisconnected, nil
	}

	task, err := st.s.store.GetTask(ctx, st.taskID)
	if errors.Is(err, persistence.ErrNotFound) {
		st.logger.InfoContext(ctx, "streamed task deleted")
		return true, OutcomeDeleted, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return true, OutcomeDisconnected, nil
		}
		return true, "", fmt.Errorf("reload task %s: %w", st.taskID, err)
	}
	st.status = task.Status

	if task.Content != st.content {
		st.content = task.Content
		if !st.send(ctx, EventMessageChunk, StreamChunkData{TaskID: task.ID, Content: task.Content}) {
			return true, OutcomeDisconnected, nil
		}
	}

	if task.Status.Terminal() {
		if !st.send(ctx, EventMessageComplete, StreamCompleteData{
			TaskID:      task.ID,
			Status:      string(task.Status),
			CompletedAt: task.CompletedAt,
		}) {
			return true, OutcomeDisconnected, nil
		}
		return true, OutcomeComplete, nil
	}
	return false, "", nil
}

// drain forwards everything appended since the last offset. Read errors are
// logged and the stream carries on with record polling alone.
func (st *streamState) drain(ctx context.Context) bool {
	if st.s.streams == nil {
		return true
	}
	for {
		records, err := st.s.streams.ReadSince(ctx, st.taskID, st.offset, st.s.readBatch, st.s.block)
		if err != nil {
			if ctx.Err() == nil {
				st.logger.WarnContext(ctx, "stream bus read failed", "offset", st.offset, "error", err)
			}
			return true
		}
		for _, rec := range records {
			if !st.send(ctx, EventClaudeCodeMessage, StreamEntryData{Offset: rec.Offset, Entry: rec.Entry}) {
				return false
			}
			st.offset = rec.Offset
		}
		if int64(len(records)) < st.s.readBatch {
			return true
		}
	}
}

func (st *streamState) timeout(ctx context.Context) (Outcome, error) {
	otel.Add(ctx, st.s.metrics.StreamTimeouts, 1)
	st.logger.InfoContext(ctx, "stream budget exhausted", "timeout", st.s.timeout.String(), "status", st.status)
	if !st.send(ctx, EventTaskTimeout, StreamTimeoutData{
		TaskID:         st.taskID,
		Status:         string(st.status),
		TimeoutSeconds: int(st.s.timeout / time.Second),
	}) {
		return OutcomeDisconnected, nil
	}
	return OutcomeTimeout, nil
}
