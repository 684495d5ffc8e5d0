// Package dispatch creates task pairs, hands them to the work queue and
// cancels them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskstream/internal/bus"
	"github.com/basket/taskstream/internal/otel"
	"github.com/basket/taskstream/internal/persistence"
	"github.com/basket/taskstream/internal/queue"
	"github.com/basket/taskstream/internal/shared"
)

var (
	// ErrAdmissionRejected means the agent already has a queued or processing task.
	ErrAdmissionRejected = errors.New("dispatch: agent already has a task in flight")
	// ErrPartialCreate means the task pair could not be persisted together.
	ErrPartialCreate = errors.New("dispatch: task pair creation failed")
	// ErrInvalidTransition means the task is not in a cancellable status.
	ErrInvalidTransition = errors.New("dispatch: invalid status transition")
	ErrTaskNotFound      = errors.New("dispatch: task not found")
)

const (
	ReasonUserCancelled    = "User requested cancellation"
	ReasonRelatedCancelled = "Related task was cancelled"
)

// TaskStore is the subset of persistence.Store the dispatcher uses.
type TaskStore interface {
	CountInFlight(ctx context.Context, projectID, agentID string) (int, error)
	CreateTask(ctx context.Context, in persistence.NewTask) (*persistence.Task, error)
	GetTask(ctx context.Context, taskID string) (*persistence.Task, error)
	UpdateTask(ctx context.Context, taskID string, patch persistence.TaskPatch) (*persistence.Task, error)
	DeleteTask(ctx context.Context, taskID string) error
	TransitionTask(ctx context.Context, taskID string, allowedFrom []persistence.TaskStatus, to persistence.TaskStatus, metadataPatch map[string]any) (*persistence.Task, error)
	IncrementAgentTaskCount(ctx context.Context, projectID, agentID string, delta int) (int64, error)
}

type Publisher interface {
	Publish(ctx context.Context, msg queue.Message, d queue.Descriptor) error
}

type Config struct {
	Store     TaskStore
	Publisher Publisher
	Queue     queue.Descriptor
	Bus       *bus.Bus
	// EnqueueTimeout bounds one background enqueue including its retries.
	EnqueueTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *otel.Metrics
	Tracer         trace.Tracer
	Now            func() time.Time
}

type Dispatcher struct {
	store          TaskStore
	publisher      Publisher
	queue          queue.Descriptor
	bus            *bus.Bus
	enqueueTimeout time.Duration
	logger         *slog.Logger
	metrics        *otel.Metrics
	tracer         trace.Tracer
	now            func() time.Time

	admission sync.Map // project/agent -> *sync.Mutex
	pending   sync.WaitGroup
}

func New(cfg Config) *Dispatcher {
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 30 * time.Second
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
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		store:          cfg.Store,
		publisher:      cfg.Publisher,
		queue:          cfg.Queue,
		bus:            cfg.Bus,
		enqueueTimeout: cfg.EnqueueTimeout,
		logger:         cfg.Logger.With("component", "dispatch"),
		metrics:        cfg.Metrics,
		tracer:         cfg.Tracer,
		now:            cfg.Now,
	}
}

type CreateRequest struct {
	AgentID   string
	ProjectID string
	Content   string
	Metadata  map[string]any
}

// Created is the result of CreateTask. Enqueue resolves once the background
// publish and any compensation have finished.
type Created struct {
	User      *persistence.Task
	Assistant *persistence.Task
	Enqueue   *Pending
}

// Pending is the outcome of a background unit of work.
type Pending struct {
	done chan struct{}
	err  error
}

func newPending() *Pending { return &Pending{done: make(chan struct{})} }

func (p *Pending) resolve(err error) {
	p.err = err
	close(p.done)
}

// Done is closed when the work has finished.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the work finishes or ctx ends.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) admissionLock(projectID, agentID string) *sync.Mutex {
	mu, _ := d.admission.LoadOrStore(projectID+"\x00"+agentID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// CreateTask admits, persists and enqueues one user/assistant task pair. The
// returned records are persisted before the enqueue starts; a failed enqueue
// later marks both tasks failed.
func (d *Dispatcher) CreateTask(ctx context.Context, req CreateRequest) (_ *Created, err error) {
	ctx = shared.WithAgentID(shared.WithProjectID(ctx, req.ProjectID), req.AgentID)
	ctx, span := otel.StartSpan(ctx, d.tracer, "dispatch.create_task",
		otel.AttrProjectID.String(req.ProjectID),
		otel.AttrAgentID.String(req.AgentID),
	)
	defer func() { otel.EndSpan(span, err) }()

	lock := d.admissionLock(req.ProjectID, req.AgentID)
	lock.Lock()
	defer lock.Unlock()

	inFlight, err := d.store.CountInFlight(ctx, req.ProjectID, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("count in-flight tasks: %w", err)
	}
	if inFlight > 0 {
		otel.Add(ctx, d.metrics.AdmissionRejects, 1, otel.AttrAgentID.String(req.AgentID))
		d.logger.InfoContext(ctx, "task rejected by admission control", "in_flight", inFlight)
		return nil, ErrAdmissionRejected
	}

	user, assistant, err := d.createPair(ctx, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(otel.AttrTaskID.String(user.ID))

	if _, err := d.store.IncrementAgentTaskCount(ctx, req.ProjectID, req.AgentID, 2); err != nil {
		d.logger.WarnContext(ctx, "agent task counter not updated", "error", err)
	}

	msg := queue.NewMessage(user.ID, assistant.ID, req.AgentID, req.ProjectID, req.Content, req.Metadata, d.now())
	if patched, err := d.store.UpdateTask(ctx, user.ID, persistence.TaskPatch{Metadata: map[string]any{
		"queue_name":     d.queue.Queue,
		"correlation_id": msg.CorrelationID(),
	}}); err != nil {
		d.logger.WarnContext(ctx, "queue correlation not recorded", "task_id", user.ID, "error", err)
	} else {
		user = patched
	}

	otel.Add(ctx, d.metrics.TasksCreated, 1, otel.AttrAgentID.String(req.AgentID))
	d.bus.Publish(bus.TopicTaskCreated, bus.TaskCreatedEvent{
		UserTaskID:      user.ID,
		AssistantTaskID: assistant.ID,
		AgentID:         req.AgentID,
		ProjectID:       req.ProjectID,
	})
	d.logger.InfoContext(ctx, "task pair created", "user_task_id", user.ID, "assistant_task_id", assistant.ID)

	pending := d.background(ctx,
		func(ctx context.Context) error { return d.publisher.Publish(ctx, msg, d.queue) },
		func(ctx context.Context, err error) { d.compensateEnqueue(ctx, msg, err) },
	)
	d.watchEnqueue(msg, pending)

	return &Created{User: user, Assistant: assistant, Enqueue: pending}, nil
}

func (d *Dispatcher) createPair(ctx context.Context, req CreateRequest) (*persistence.Task, *persistence.Task, error) {
	conversationID, _ := req.Metadata["conversation_id"].(string)

	user, err := d.store.CreateTask(ctx, persistence.NewTask{
		AgentID:        req.AgentID,
		ProjectID:      req.ProjectID,
		ConversationID: conversationID,
		Role:           persistence.RoleUser,
		Content:        req.Content,
		Metadata:       req.Metadata,
	})
	if err != nil || user == nil || user.ID == "" {
		return nil, nil, fmt.Errorf("%w: user task: %v", ErrPartialCreate, err)
	}

	assistant, err := d.store.CreateTask(ctx, persistence.NewTask{
		AgentID:        req.AgentID,
		ProjectID:      req.ProjectID,
		ConversationID: conversationID,
		Role:           persistence.RoleAssistant,
		RelatedTaskID:  user.ID,
	})
	if err != nil || assistant == nil || assistant.ID == "" {
		d.discard(ctx, user.ID)
		return nil, nil, fmt.Errorf("%w: assistant task: %v", ErrPartialCreate, err)
	}

	related := assistant.ID
	patched, err := d.store.UpdateTask(ctx, user.ID, persistence.TaskPatch{RelatedTaskID: &related})
	if err != nil {
		d.discard(ctx, user.ID, assistant.ID)
		return nil, nil, fmt.Errorf("%w: link user task: %v", ErrPartialCreate, err)
	}
	return patched, assistant, nil
}

// discard removes half-created records so no task exists without its pair.
func (d *Dispatcher) discard(ctx context.Context, ids ...string) {
	for _, id := range ids {
		if err := d.store.DeleteTask(ctx, id); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			d.logger.ErrorContext(ctx, "orphaned task not removed", "task_id", id, "error", err)
		}
	}
}

// background runs job detached from the caller's cancellation. compensate
// runs when job fails. Drain waits for all of them.
func (d *Dispatcher) background(ctx context.Context, job func(context.Context) error, compensate func(context.Context, error)) *Pending {
	p := newPending()
	ctx = context.WithoutCancel(ctx)
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		jobCtx, cancel := context.WithTimeout(ctx, d.enqueueTimeout)
		err := job(jobCtx)
		cancel()
		if err != nil {
			compensate(ctx, err)
		}
		p.resolve(err)
	}()
	return p
}

func (d *Dispatcher) watchEnqueue(msg queue.Message, p *Pending) {
	go func() {
		<-p.Done()
		ev := bus.TaskEnqueueEvent{
			UserTaskID:      msg.TaskID,
			AssistantTaskID: msg.AssistantTaskID,
			QueueName:       d.queue.Queue,
			CorrelationID:   msg.CorrelationID(),
		}
		if p.err != nil {
			ev.Error = p.err.Error()
			d.bus.Publish(bus.TopicTaskEnqueueFailed, ev)
			return
		}
		d.bus.Publish(bus.TopicTaskEnqueued, ev)
	}()
}

func (d *Dispatcher) compensateEnqueue(ctx context.Context, msg queue.Message, cause error) {
	d.logger.ErrorContext(ctx, "enqueue failed; marking task pair failed",
		"user_task_id", msg.TaskID, "assistant_task_id", msg.AssistantTaskID, "error", cause)
	patch := map[string]any{"error": "enqueue failed: " + cause.Error()}
	for _, id := range []string{msg.TaskID, msg.AssistantTaskID} {
		_, err := d.store.TransitionTask(ctx, id, persistence.InFlightStatuses, persistence.TaskStatusFailed, patch)
		if err != nil && !errors.Is(err, persistence.ErrIllegalTransition) {
			d.logger.ErrorContext(ctx, "compensation failed", "task_id", id, "error", err)
		}
	}
}

// CancelTask cancels a queued or processing task and, when still in flight,
// its related task.
func (d *Dispatcher) CancelTask(ctx context.Context, taskID string) (*persistence.Task, error) {
	ctx = shared.WithTaskID(ctx, taskID)
	cancelled, err := d.store.TransitionTask(ctx, taskID, persistence.InFlightStatuses, persistence.TaskStatusCancelled,
		d.cancelPatch(ReasonUserCancelled))
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return nil, ErrTaskNotFound
	case errors.Is(err, persistence.ErrIllegalTransition):
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	case err != nil:
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	d.logger.InfoContext(ctx, "task cancelled", "task_id", taskID)

	if cancelled.RelatedTaskID == "" {
		return cancelled, nil
	}
	_, err = d.store.TransitionTask(ctx, cancelled.RelatedTaskID, persistence.InFlightStatuses, persistence.TaskStatusCancelled,
		d.cancelPatch(ReasonRelatedCancelled))
	switch {
	case err == nil:
		d.logger.InfoContext(ctx, "related task cancelled", "task_id", cancelled.RelatedTaskID)
	case errors.Is(err, persistence.ErrIllegalTransition), errors.Is(err, persistence.ErrNotFound):
	default:
		d.logger.WarnContext(ctx, "related task not cancelled", "task_id", cancelled.RelatedTaskID, "error", err)
	}
	return cancelled, nil
}

func (d *Dispatcher) cancelPatch(reason string) map[string]any {
	return map[string]any{
		"cancellation_reason": reason,
		"cancelled_at":        d.now().UTC().Format(time.RFC3339Nano),
	}
}

// Drain waits for background enqueues to finish.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
