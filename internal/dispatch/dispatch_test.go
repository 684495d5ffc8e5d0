package dispatch_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskstream/internal/bus"
	"github.com/basket/taskstream/internal/dispatch"
	"github.com/basket/taskstream/internal/persistence"
	"github.com/basket/taskstream/internal/queue"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []queue.Message
	err  error
	gate chan struct{}
}

func (p *fakePublisher) Publish(ctx context.Context, msg queue.Message, _ queue.Descriptor) error {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return p.err
}

func (p *fakePublisher) published() []queue.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.Message(nil), p.msgs...)
}

func openStore(t *testing.T, b *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskstream.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var testQueue = queue.Descriptor{Exchange: "ex", Queue: "task_processing", RoutingKey: "process_task"}

func newDispatcher(store dispatch.TaskStore, pub dispatch.Publisher, b *bus.Bus) *dispatch.Dispatcher {
	return dispatch.New(dispatch.Config{Store: store, Publisher: pub, Queue: testQueue, Bus: b})
}

func waitEnqueue(t *testing.T, c *dispatch.Created) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Enqueue.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("enqueue did not finish")
	}
	return err
}

func TestCreateTask_PairsAndEnqueues(t *testing.T) {
	store := openStore(t, nil)
	pub := &fakePublisher{}
	d := newDispatcher(store, pub, nil)
	ctx := context.Background()

	created, err := d.CreateTask(ctx, dispatch.CreateRequest{
		AgentID: "agent-x", ProjectID: "proj-1", Content: "hello",
		Metadata: map[string]any{"override_project_id": "proj-2"},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := waitEnqueue(t, created); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	user, err := store.GetTask(ctx, created.User.ID)
	if err != nil {
		t.Fatal(err)
	}
	assistant, err := store.GetTask(ctx, created.Assistant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if user.Role != persistence.RoleUser || assistant.Role != persistence.RoleAssistant {
		t.Fatalf("roles = %s/%s", user.Role, assistant.Role)
	}
	if user.Status != persistence.TaskStatusQueued || assistant.Status != persistence.TaskStatusQueued {
		t.Fatalf("statuses = %s/%s", user.Status, assistant.Status)
	}
	if user.RelatedTaskID != assistant.ID || assistant.RelatedTaskID != user.ID {
		t.Fatalf("pair not cross-linked: user->%q assistant->%q", user.RelatedTaskID, assistant.RelatedTaskID)
	}
	if user.Content != "hello" || assistant.Content != "" {
		t.Fatalf("contents = %q / %q", user.Content, assistant.Content)
	}
	if user.Metadata["queue_name"] != "task_processing" || user.Metadata["correlation_id"] != "task_"+user.ID {
		t.Fatalf("user metadata = %v", user.Metadata)
	}
	if created.User.RelatedTaskID != assistant.ID {
		t.Fatal("returned user record is missing the back-patch")
	}

	count, err := store.AgentTaskCount(ctx, "proj-1", "agent-x")
	if err != nil || count != 2 {
		t.Fatalf("agent task count = %d (err %v), want 2", count, err)
	}

	msgs := pub.published()
	if len(msgs) != 1 {
		t.Fatalf("published = %d", len(msgs))
	}
	m := msgs[0]
	if m.TaskID != user.ID || m.AssistantTaskID != assistant.ID || m.Action != queue.ActionProcessTaskMessage || m.OverrideProjectID != "proj-2" {
		t.Fatalf("message = %+v", m)
	}
}

func TestCreateTask_AdmissionControl(t *testing.T) {
	store := openStore(t, nil)
	d := newDispatcher(store, &fakePublisher{}, nil)
	ctx := context.Background()

	first, err := d.CreateTask(ctx, dispatch.CreateRequest{AgentID: "agent-x", ProjectID: "proj-1", Content: "one"})
	if err != nil {
		t.Fatal(err)
	}
	waitEnqueue(t, first)
	if _, err := store.TransitionTask(ctx, first.Assistant.ID, []persistence.TaskStatus{persistence.TaskStatusQueued}, persistence.TaskStatusProcessing, nil); err != nil {
		t.Fatal(err)
	}

	before, _ := store.ListTasks(ctx, persistence.TaskQuery{ProjectID: "proj-1", AgentID: "agent-x"})
	_, err = d.CreateTask(ctx, dispatch.CreateRequest{AgentID: "agent-x", ProjectID: "proj-1", Content: "two"})
	if !errors.Is(err, dispatch.ErrAdmissionRejected) {
		t.Fatalf("err = %v, want admission rejected", err)
	}
	after, _ := store.ListTasks(ctx, persistence.TaskQuery{ProjectID: "proj-1", AgentID: "agent-x"})
	if len(after) != len(before) {
		t.Fatalf("rejected create wrote records: %d -> %d", len(before), len(after))
	}

	// Another agent is unaffected.
	other, err := d.CreateTask(ctx, dispatch.CreateRequest{AgentID: "agent-y", ProjectID: "proj-1", Content: "x"})
	if err != nil {
		t.Fatalf("other agent: %v", err)
	}
	waitEnqueue(t, other)

	for _, id := range []string{first.User.ID, first.Assistant.ID} {
		if _, err := store.TransitionTask(ctx, id, persistence.InFlightStatuses, persistence.TaskStatusCancelled, nil); err != nil {
			t.Fatal(err)
		}
	}
	again, err := d.CreateTask(ctx, dispatch.CreateRequest{AgentID: "agent-x", ProjectID: "proj-1", Content: "three"})
	if err != nil {
		t.Fatalf("create after terminal: %v", err)
	}
	waitEnqueue(t, again)
}

func TestCreateTask_ConcurrentCallsAdmitOne(t *testing.T) {
	store := openStore(t, nil)
	d := newDispatcher(store, &fakePublisher{}, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, rejected int
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.CreateTask(context.Background(), dispatch.CreateRequest{AgentID: "a", ProjectID: "p", Content: "c"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, dispatch.ErrAdmissionRejected):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || rejected != 4 {
		t.Fatalf("ok=%d rejected=%d", ok, rejected)
	}
	if err := d.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestCreateTask_ReturnsBeforeEnqueue(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("task.enqueue")
	defer b.Unsubscribe(sub)
	store := openStore(t, nil)
	pub := &fakePublisher{gate: make(chan struct{})}
	d := newDispatcher(store, pub, b)

	created, err := d.CreateTask(context.Background(), dispatch.CreateRequest{AgentID: "a", ProjectID: "p", Content: "c"})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-created.Enqueue.Done():
		t.Fatal("enqueue finished before the publisher was released")
	default:
	}
	if created.User.Status != persistence.TaskStatusQueued {
		t.Fatalf("status = %s", created.User.Status)
	}
	close(pub.gate)
	if err := waitEnqueue(t, created); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicTaskEnqueued {
			t.Fatalf("topic = %s", ev.Topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no enqueue notification")
	}
}

func TestCreateTask_EnqueueFailureCompensates(t *testing.T) {
	store := openStore(t, nil)
	pub := &fakePublisher{err: errors.New("broker unreachable")}
	d := newDispatcher(store, pub, nil)
	ctx := context.Background()

	created, err := d.CreateTask(ctx, dispatch.CreateRequest{AgentID: "a", ProjectID: "p", Content: "c"})
	if err != nil {
		t.Fatalf("CreateTask must succeed before enqueue: %v", err)
	}
	if err := waitEnqueue(t, created); err == nil {
		t.Fatal("expected enqueue error")
	}
	for _, id := range []string{created.User.ID, created.Assistant.ID} {
		task, err := store.GetTask(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if task.Status != persistence.TaskStatusFailed || task.CompletedAt == nil {
			t.Fatalf("task %s status=%s completed_at=%v", id, task.Status, task.CompletedAt)
		}
		if msg, _ := task.Metadata["error"].(string); !strings.Contains(msg, "broker unreachable") {
			t.Fatalf("error metadata = %v", task.Metadata)
		}
	}
}

// failingStore fails the second CreateTask to exercise partial-create cleanup.
type failingStore struct {
	*persistence.Store
	creates int
}

func (s *failingStore) CreateTask(ctx context.Context, in persistence.NewTask) (*persistence.Task, error) {
	s.creates++
	if s.creates == 2 {
		return nil, errors.New("disk I/O error")
	}
	return s.Store.CreateTask(ctx, in)
}

func TestCreateTask_PartialCreateLeavesNoOrphan(t *testing.T) {
	store := openStore(t, nil)
	fs := &failingStore{Store: store}
	pub := &fakePublisher{}
	d := newDispatcher(fs, pub, nil)

	_, err := d.CreateTask(context.Background(), dispatch.CreateRequest{AgentID: "a", ProjectID: "p", Content: "c"})
	if !errors.Is(err, dispatch.ErrPartialCreate) {
		t.Fatalf("err = %v", err)
	}
	tasks, err := store.ListTasks(context.Background(), persistence.TaskQuery{ProjectID: "p", AgentID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("orphaned tasks remain: %+v", tasks)
	}
	if len(pub.published()) != 0 {
		t.Fatal("nothing should be enqueued")
	}
}

func TestCancelTask_Cascades(t *testing.T) {
	store := openStore(t, nil)
	d := newDispatcher(store, &fakePublisher{}, nil)
	ctx := context.Background()

	created, err := d.CreateTask(ctx, dispatch.CreateRequest{AgentID: "a", ProjectID: "p", Content: "c"})
	if err != nil {
		t.Fatal(err)
	}
	waitEnqueue(t, created)

	if _, err := d.CancelTask(ctx, created.User.ID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	user, _ := store.GetTask(ctx, created.User.ID)
	assistant, _ := store.GetTask(ctx, created.Assistant.ID)
	if user.Status != persistence.TaskStatusCancelled || assistant.Status != persistence.TaskStatusCancelled {
		t.Fatalf("statuses = %s/%s", user.Status, assistant.Status)
	}
	if user.CompletedAt == nil || assistant.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	if user.Metadata["cancellation_reason"] != dispatch.ReasonUserCancelled {
		t.Fatalf("user reason = %v", user.Metadata["cancellation_reason"])
	}
	if assistant.Metadata["cancellation_reason"] != dispatch.ReasonRelatedCancelled {
		t.Fatalf("assistant reason = %v", assistant.Metadata["cancellation_reason"])
	}

	if _, err := d.CancelTask(ctx, created.User.ID); !errors.Is(err, dispatch.ErrInvalidTransition) {
		t.Fatalf("second cancel err = %v, want invalid transition", err)
	}
	if _, err := d.CancelTask(ctx, "missing"); !errors.Is(err, dispatch.ErrTaskNotFound) {
		t.Fatalf("missing cancel err = %v", err)
	}
}

func TestCancelTask_TerminalRelatedUntouched(t *testing.T) {
	store := openStore(t, nil)
	d := newDispatcher(store, &fakePublisher{}, nil)
	ctx := context.Background()

	created, err := d.CreateTask(ctx, dispatch.CreateRequest{AgentID: "a", ProjectID: "p", Content: "c"})
	if err != nil {
		t.Fatal(err)
	}
	waitEnqueue(t, created)
	aid := created.Assistant.ID
	if _, err := store.TransitionTask(ctx, aid, nil, persistence.TaskStatusProcessing, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := store.TransitionTask(ctx, aid, nil, persistence.TaskStatusCompleted, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := d.CancelTask(ctx, created.User.ID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	assistant, _ := store.GetTask(ctx, aid)
	if assistant.Status != persistence.TaskStatusCompleted {
		t.Fatalf("assistant status = %s", assistant.Status)
	}
}
