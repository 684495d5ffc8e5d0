package agentsession

import "time"

// EventType is the tag of a normalized StreamEvent.
type EventType string

const (
	EventMessageChunk EventType = "message_chunk"
	EventThinking     EventType = "thinking"
	EventToolUse      EventType = "tool_use"
	EventToolResult   EventType = "tool_result"
	EventUserMessage  EventType = "user_message"
	EventResult       EventType = "result"
	EventError        EventType = "error"
)

// StreamEvent is the client-facing unit of agent output. Data holds one of
// the *Data payload types below, matching Type.
type StreamEvent struct {
	Type      EventType `json:"event_type"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type ChunkData struct {
	Text string `json:"text"`
}

type ThinkingData struct {
	Thinking  string `json:"thinking"`
	Signature string `json:"signature"`
}

type ToolUseData struct {
	ToolID            string         `json:"tool_id"`
	Name              string         `json:"name"`
	Input             map[string]any `json:"input"`
	IsMCPTool         bool           `json:"is_mcp_tool"`
	ActiveDescription string         `json:"active_description"`
}

type ToolResultData struct {
	ToolID          string `json:"tool_id"`
	Output          any    `json:"output"`
	IsError         bool   `json:"is_error"`
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`
}

type UserMessageData struct {
	Text string `json:"text"`
}

type ResultData struct {
	SessionID    string  `json:"session_id"`
	DurationMS   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
}

type ErrorData struct {
	Error        string `json:"error"`
	StaleSession bool   `json:"stale_session,omitempty"`
}
