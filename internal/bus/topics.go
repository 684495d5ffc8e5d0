package bus

// Task lifecycle topics.
const (
	TopicTaskCreated       = "task.created"
	TopicTaskStatusChanged = "task.status_changed"
	TopicTaskEnqueued      = "task.enqueued"
	TopicTaskEnqueueFailed = "task.enqueue_failed"
)

// TaskCreatedEvent is published once a user/assistant pair is persisted.
type TaskCreatedEvent struct {
	UserTaskID      string
	AssistantTaskID string
	AgentID         string
	ProjectID       string
}

// TaskStatusChangedEvent is published after a status transition commits.
type TaskStatusChangedEvent struct {
	TaskID    string
	AgentID   string
	ProjectID string
	OldStatus string
	NewStatus string
}

// TaskEnqueueEvent reports the outcome of the background enqueue of a task pair.
type TaskEnqueueEvent struct {
	UserTaskID      string
	AssistantTaskID string
	QueueName       string
	CorrelationID   string
	Error           string
}

// ForTask keeps events that concern taskID: status changes of that task, and
// creation or enqueue events of a pair that contains it.
func ForTask(taskID string) Filter {
	return func(ev Event) bool {
		switch p := ev.Payload.(type) {
		case TaskStatusChangedEvent:
			return p.TaskID == taskID
		case TaskCreatedEvent:
			return p.UserTaskID == taskID || p.AssistantTaskID == taskID
		case TaskEnqueueEvent:
			return p.UserTaskID == taskID || p.AssistantTaskID == taskID
		}
		return false
	}
}
