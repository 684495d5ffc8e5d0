// Package queue publishes task messages to a durable AMQP work queue and
// consumes them on the worker side.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/taskstream/internal/shared"
)

// ActionProcessTaskMessage is the only action a worker currently handles.
const ActionProcessTaskMessage = "process_task_message"

// Message is the envelope published for every created task pair.
type Message struct {
	TaskID            string         `json:"task_id"`
	AssistantTaskID   string         `json:"assistant_task_id"`
	AgentID           string         `json:"agent_id"`
	ProjectID         string         `json:"project_id"`
	Content           string         `json:"content"`
	Metadata          map[string]any `json:"metadata"`
	Timestamp         string         `json:"timestamp"`
	Action            string         `json:"action"`
	OverrideProjectID string         `json:"override_project_id,omitempty"`
}

const messageSchemaJSON = `{
	"type": "object",
	"required": ["task_id", "assistant_task_id", "agent_id", "project_id", "content", "metadata", "timestamp", "action"],
	"properties": {
		"task_id": {"type": "string", "minLength": 1},
		"assistant_task_id": {"type": "string", "minLength": 1},
		"agent_id": {"type": "string", "minLength": 1},
		"project_id": {"type": "string", "minLength": 1},
		"content": {"type": "string"},
		"metadata": {"type": "object"},
		"timestamp": {"type": "string", "format": "date-time"},
		"action": {"const": "process_task_message"},
		"override_project_id": {"type": "string"}
	}
}`

var messageSchema = shared.MustCompileSchema("queue-message.json", messageSchemaJSON)

// NewMessage builds the envelope for a task pair. A string
// metadata["override_project_id"] is lifted into OverrideProjectID.
func NewMessage(userTaskID, assistantTaskID, agentID, projectID, content string, metadata map[string]any, now time.Time) Message {
	if metadata == nil {
		metadata = map[string]any{}
	}
	msg := Message{
		TaskID:          userTaskID,
		AssistantTaskID: assistantTaskID,
		AgentID:         agentID,
		ProjectID:       projectID,
		Content:         content,
		Metadata:        metadata,
		Timestamp:       now.UTC().Format(time.RFC3339Nano),
		Action:          ActionProcessTaskMessage,
	}
	if v, ok := metadata["override_project_id"].(string); ok && v != "" {
		msg.OverrideProjectID = v
	}
	return msg
}

// CorrelationID is carried in the AMQP properties and recorded on the user task.
func (m Message) CorrelationID() string {
	return "task_" + m.TaskID
}

// EffectiveProjectID is the project the worker should run the turn under.
func (m Message) EffectiveProjectID() string {
	if m.OverrideProjectID != "" {
		return m.OverrideProjectID
	}
	return m.ProjectID
}

func (m Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode queue message: %w", err)
	}
	return b, nil
}

// Decode validates body against the envelope schema before unmarshalling.
func Decode(body []byte) (Message, error) {
	if err := shared.ValidateJSON(messageSchema, body); err != nil {
		return Message{}, fmt.Errorf("decode queue message: %w", err)
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("decode queue message: %w", err)
	}
	return m, nil
}
