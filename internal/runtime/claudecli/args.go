package claudecli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/basket/taskstream/internal/agentsession"
)

// BuildArgs returns the CLI arguments for one streaming session.
func BuildArgs(opts agentsession.Options) ([]string, error) {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if len(opts.MCPServers) > 0 {
		payload := map[string]any{"mcpServers": opts.MCPServers}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode mcp config: %w", err)
		}
		args = append(args, "--mcp-config", string(raw))
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	return args, nil
}
