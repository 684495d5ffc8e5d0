package agentsession

import (
	"strings"
	"time"
)

// DescriptionLookup turns a tool invocation into a short human-readable
// description of what the agent is doing.
type DescriptionLookup func(toolName string, input map[string]any) string

type normalizer struct {
	mcpPrefix string
	describe  DescriptionLookup
	now       func() time.Time
}

func newNormalizer(mcpPrefix string, describe DescriptionLookup) normalizer {
	if mcpPrefix == "" {
		mcpPrefix = "mcp__"
	}
	if describe == nil {
		describe = ToolDescriber(mcpPrefix)
	}
	return normalizer{mcpPrefix: mcpPrefix, describe: describe, now: time.Now}
}

// Normalize maps one raw message to zero or more events in block order.
func (n normalizer) Normalize(raw RawMessage, messageID string) []StreamEvent {
	switch raw.Kind {
	case KindAssistant:
		return n.assistant(raw, messageID)
	case KindUser:
		return n.user(raw, messageID)
	case KindResult:
		return []StreamEvent{n.event(EventResult, messageID, ResultData{
			SessionID:    raw.SessionID,
			DurationMS:   raw.DurationMS,
			NumTurns:     raw.NumTurns,
			IsError:      raw.IsError,
			Result:       raw.Result,
			TotalCostUSD: raw.TotalCostUSD,
		})}
	default:
		// System notices and unknown shapes carry nothing for clients.
		return nil
	}
}

func (n normalizer) assistant(raw RawMessage, messageID string) []StreamEvent {
	var out []StreamEvent
	for _, b := range raw.Blocks {
		switch b.Kind {
		case BlockText:
			out = append(out, n.event(EventMessageChunk, messageID, ChunkData{Text: b.Text}))
		case BlockThinking:
			out = append(out, n.event(EventThinking, messageID, ThinkingData{Thinking: b.Thinking, Signature: b.Signature}))
		case BlockToolUse:
			input := b.Input
			if input == nil {
				input = map[string]any{}
			}
			out = append(out, n.event(EventToolUse, messageID, ToolUseData{
				ToolID:            b.ToolUseID,
				Name:              b.ToolName,
				Input:             input,
				IsMCPTool:         strings.HasPrefix(b.ToolName, n.mcpPrefix),
				ActiveDescription: n.describe(b.ToolName, input),
			}))
		case BlockToolResult:
			out = append(out, n.event(EventToolResult, messageID, ToolResultData{
				ToolID:  b.ToolUseID,
				Output:  b.Output,
				IsError: b.IsError,
			}))
		}
	}
	return out
}

func (n normalizer) user(raw RawMessage, messageID string) []StreamEvent {
	var out []StreamEvent
	for _, b := range raw.Blocks {
		switch b.Kind {
		case BlockToolResult:
			out = append(out, n.event(EventToolResult, messageID, ToolResultData{
				ToolID:          b.ToolUseID,
				Output:          b.Output,
				IsError:         b.IsError,
				ParentToolUseID: raw.ParentToolUseID,
			}))
		case BlockText:
			out = append(out, n.event(EventUserMessage, messageID, UserMessageData{Text: b.Text}))
		}
	}
	return out
}

func (n normalizer) event(t EventType, messageID string, data any) StreamEvent {
	return StreamEvent{Type: t, MessageID: messageID, Timestamp: n.now().UTC(), Data: data}
}

func errorEvent(messageID string, err error, stale bool) StreamEvent {
	return StreamEvent{
		Type:      EventError,
		MessageID: messageID,
		Timestamp: time.Now().UTC(),
		Data:      ErrorData{Error: err.Error(), StaleSession: stale},
	}
}
