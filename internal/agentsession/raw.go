package agentsession

import "encoding/json"

// Kind tags the top-level shape of a raw runtime message.
type Kind int

const (
	// KindUnknown covers any message shape this package does not recognize.
	// Normalization maps it to zero events.
	KindUnknown Kind = iota
	KindSystem
	KindAssistant
	KindUser
	KindResult
)

func (k Kind) String() string {
	switch k {
	case KindSystem:
		return "system"
	case KindAssistant:
		return "assistant"
	case KindUser:
		return "user"
	case KindResult:
		return "result"
	default:
		return "unknown"
	}
}

// BlockKind tags one content block inside an assistant or user message.
type BlockKind int

const (
	BlockUnknown BlockKind = iota
	BlockText
	BlockThinking
	BlockToolUse
	BlockToolResult
)

// Block is one content segment. Fields are populated per Kind:
// Text for BlockText, Thinking and Signature for BlockThinking, ToolUseID,
// ToolName and Input for BlockToolUse, ToolUseID, Output and IsError for
// BlockToolResult.
type Block struct {
	Kind      BlockKind
	Text      string
	Thinking  string
	Signature string
	ToolUseID string
	ToolName  string
	Input     map[string]any
	Output    any
	IsError   bool
}

// RawMessage is one message from the runtime's response stream.
type RawMessage struct {
	Kind            Kind
	Subtype         string
	SessionID       string
	MessageID       string
	ParentToolUseID string
	Blocks          []Block

	// Result fields.
	Result       string
	IsError      bool
	DurationMS   int64
	NumTurns     int
	TotalCostUSD float64

	Raw json.RawMessage
}
