package agentsession

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// DescribeTool describes the claude runtime's built-in tools and MCP tools
// named with the default mcp__ prefix.
func DescribeTool(name string, input map[string]any) string {
	return describeTool("mcp__", name, input)
}

// ToolDescriber returns a DescriptionLookup that recognizes MCP tools by
// mcpPrefix, falling back to mcp__ when it is empty.
func ToolDescriber(mcpPrefix string) DescriptionLookup {
	if mcpPrefix == "" {
		mcpPrefix = "mcp__"
	}
	return func(name string, input map[string]any) string {
		return describeTool(mcpPrefix, name, input)
	}
}

func describeTool(mcpPrefix, name string, input map[string]any) string {
	str := func(key string) string {
		v, _ := input[key].(string)
		return v
	}
	switch name {
	case "Bash":
		if d := str("description"); d != "" {
			return d
		}
		return "Running " + truncate(str("command"), 60)
	case "Read":
		return "Reading " + filepath.Base(str("file_path"))
	case "Write":
		return "Writing " + filepath.Base(str("file_path"))
	case "Edit", "MultiEdit":
		return "Editing " + filepath.Base(str("file_path"))
	case "Glob":
		return "Finding files matching " + str("pattern")
	case "Grep":
		return "Searching for " + truncate(str("pattern"), 60)
	case "WebFetch":
		return "Fetching " + str("url")
	case "WebSearch":
		return "Searching the web for " + truncate(str("query"), 60)
	case "Task":
		if d := str("description"); d != "" {
			return d
		}
		return "Running a subtask"
	case "TodoWrite":
		return "Updating the task list"
	}
	if rest, ok := strings.CutPrefix(name, mcpPrefix); ok && rest != "" {
		server, tool, found := strings.Cut(rest, "__")
		if found {
			return fmt.Sprintf("Calling %s on %s", tool, server)
		}
		return "Calling " + rest
	}
	if name == "" {
		return "Using a tool"
	}
	return "Using " + name
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
