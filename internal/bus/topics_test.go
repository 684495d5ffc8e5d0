package bus

import (
	"strings"
	"testing"
)

func TestTaskTopics_SharePrefix(t *testing.T) {
	for _, topic := range []string{TopicTaskCreated, TopicTaskStatusChanged, TopicTaskEnqueued, TopicTaskEnqueueFailed} {
		if !strings.HasPrefix(topic, "task.") {
			t.Fatalf("topic %q should use the task. prefix", topic)
		}
	}
}

func TestForTask(t *testing.T) {
	match := ForTask("a1")
	tests := []struct {
		name string
		ev   Event
		want bool
	}{
		{"own status change", Event{TopicTaskStatusChanged, TaskStatusChangedEvent{TaskID: "a1"}}, true},
		{"other status change", Event{TopicTaskStatusChanged, TaskStatusChangedEvent{TaskID: "a2"}}, false},
		{"pair created", Event{TopicTaskCreated, TaskCreatedEvent{UserTaskID: "u1", AssistantTaskID: "a1"}}, true},
		{"pair enqueue failed", Event{TopicTaskEnqueueFailed, TaskEnqueueEvent{UserTaskID: "a1", AssistantTaskID: "x"}}, true},
		{"unrelated enqueue", Event{TopicTaskEnqueued, TaskEnqueueEvent{UserTaskID: "u9", AssistantTaskID: "a9"}}, false},
		{"foreign payload", Event{"task.other", "a1"}, false},
	}
	for _, tt := range tests {
		if got := match(tt.ev); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSubscribe_ForTaskOnlyDeliversThatTask(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicTaskStatusChanged, ForTask("a1"))
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskCreated, TaskCreatedEvent{UserTaskID: "u1", AssistantTaskID: "a1"})
	b.Publish(TopicTaskStatusChanged, TaskStatusChangedEvent{TaskID: "a2", NewStatus: "processing"})
	b.Publish(TopicTaskStatusChanged, TaskStatusChangedEvent{TaskID: "a1", OldStatus: "queued", NewStatus: "processing"})

	ev := recv(t, sub)
	payload, ok := ev.Payload.(TaskStatusChangedEvent)
	if !ok || payload.TaskID != "a1" || payload.NewStatus != "processing" {
		t.Fatalf("payload = %#v", ev.Payload)
	}
	expectNone(t, sub)
}
