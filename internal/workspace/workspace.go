// Package workspace provisions the working directory an agent runtime uses
// for one conversation.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/taskstream/internal/agentsession"
)

const (
	MCPConfigFile = ".mcp.json"
	ToolsFile     = ".taskstream-tools"
)

// segment turns an id into a single safe path or volume-name component.
func segment(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || id == "." || id == ".." {
		return "", fmt.Errorf("invalid workspace id %q", id)
	}
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String(), nil
}

// writeRuntimeFiles writes the MCP server description and tool allow-list
// into dir. Missing inputs leave stale files removed.
func writeRuntimeFiles(dir string, req agentsession.WorkspaceRequest) error {
	mcpPath := filepath.Join(dir, MCPConfigFile)
	if len(req.MCPServers) > 0 {
		raw, err := json.MarshalIndent(map[string]any{"mcpServers": req.MCPServers}, "", "  ")
		if err != nil {
			return fmt.Errorf("encode mcp config: %w", err)
		}
		if err := os.WriteFile(mcpPath, raw, 0o600); err != nil {
			return fmt.Errorf("write mcp config: %w", err)
		}
	} else if err := os.Remove(mcpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove mcp config: %w", err)
	}

	toolsPath := filepath.Join(dir, ToolsFile)
	if len(req.MCPTools) > 0 {
		if err := os.WriteFile(toolsPath, []byte(strings.Join(req.MCPTools, "\n")+"\n"), 0o600); err != nil {
			return fmt.Errorf("write tool allow-list: %w", err)
		}
	} else if err := os.Remove(toolsPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove tool allow-list: %w", err)
	}
	return nil
}
