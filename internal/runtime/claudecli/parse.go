package claudecli

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/basket/taskstream/internal/agentsession"
)

type wireMessage struct {
	Type            string     `json:"type"`
	Subtype         string     `json:"subtype"`
	SessionID       string     `json:"session_id"`
	ParentToolUseID string     `json:"parent_tool_use_id"`
	Message         *wireInner `json:"message"`

	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	DurationMS   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

type wireInner struct {
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content"`
}

type wireBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text"`
	Thinking  string         `json:"thinking"`
	Signature string         `json:"signature"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	ToolUseID string         `json:"tool_use_id"`
	Content   any            `json:"content"`
	IsError   bool           `json:"is_error"`
}

// ParseRawMessage decodes one stream-json line. Message types and content
// blocks it does not know map to the Unknown kinds rather than an error.
func ParseRawMessage(line []byte) (agentsession.RawMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return agentsession.RawMessage{}, fmt.Errorf("decode stream line: %w", err)
	}
	msg := agentsession.RawMessage{
		Subtype:         w.Subtype,
		SessionID:       w.SessionID,
		ParentToolUseID: w.ParentToolUseID,
		Raw:             append(json.RawMessage(nil), line...),
	}
	switch w.Type {
	case "system":
		msg.Kind = agentsession.KindSystem
	case "assistant", "user":
		msg.Kind = agentsession.KindAssistant
		if w.Type == "user" {
			msg.Kind = agentsession.KindUser
		}
		if w.Message != nil {
			msg.MessageID = w.Message.ID
			blocks, err := parseContent(w.Message.Content)
			if err != nil {
				return agentsession.RawMessage{}, err
			}
			msg.Blocks = blocks
		}
	case "result":
		msg.Kind = agentsession.KindResult
		msg.Result = w.Result
		msg.IsError = w.IsError
		msg.DurationMS = w.DurationMS
		msg.NumTurns = w.NumTurns
		msg.TotalCostUSD = w.TotalCostUSD
	default:
		msg.Kind = agentsession.KindUnknown
	}
	return msg, nil
}

func parseContent(raw json.RawMessage) ([]agentsession.Block, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("decode message text: %w", err)
		}
		return []agentsession.Block{{Kind: agentsession.BlockText, Text: text}}, nil
	}
	var wire []wireBlock
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode content blocks: %w", err)
	}
	blocks := make([]agentsession.Block, 0, len(wire))
	for _, b := range wire {
		switch b.Type {
		case "text":
			blocks = append(blocks, agentsession.Block{Kind: agentsession.BlockText, Text: b.Text})
		case "thinking":
			blocks = append(blocks, agentsession.Block{Kind: agentsession.BlockThinking, Thinking: b.Thinking, Signature: b.Signature})
		case "tool_use":
			blocks = append(blocks, agentsession.Block{Kind: agentsession.BlockToolUse, ToolUseID: b.ID, ToolName: b.Name, Input: b.Input})
		case "tool_result":
			blocks = append(blocks, agentsession.Block{Kind: agentsession.BlockToolResult, ToolUseID: b.ToolUseID, Output: b.Content, IsError: b.IsError})
		default:
			blocks = append(blocks, agentsession.Block{Kind: agentsession.BlockUnknown})
		}
	}
	return blocks, nil
}
