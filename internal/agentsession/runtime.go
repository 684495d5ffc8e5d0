package agentsession

import "context"

// MCPServer describes one MCP server the runtime should launch for a session.
type MCPServer struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args"`
	Env     map[string]string `json:"env,omitempty" yaml:"env"`
}

// Options configures one runtime connection.
type Options struct {
	AllowedTools    []string
	SystemPrompt    string
	WorkingDir      string
	Model           string
	MaxTurns        int
	ResumeSessionID string
	MCPServers      map[string]MCPServer
	// Stderr receives each line the runtime writes to its diagnostic stream.
	Stderr func(line string)
}

// Runtime is the upstream agent runtime.
type Runtime interface {
	Connect(ctx context.Context, opts Options) (Connection, error)
}

// Connection is one live runtime session. Next blocks for the next message
// and returns io.EOF once the runtime's output has ended cleanly.
type Connection interface {
	Query(ctx context.Context, content, sessionID string) error
	Next(ctx context.Context) (RawMessage, error)
	Interrupt(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

type WorkspaceRequest struct {
	ProjectID      string
	ConversationID string
	BasePath       string
	MCPServers     map[string]MCPServer
	MCPTools       []string
}

type WorkspaceConfig struct {
	WorkingDirectory string
}

// Provisioner prepares the directory a conversation's runtime works in.
type Provisioner interface {
	Setup(ctx context.Context, req WorkspaceRequest) (WorkspaceConfig, error)
	Cleanup(ctx context.Context, req WorkspaceRequest) error
}

// SessionCache maps conversation ids to upstream session ids.
type SessionCache interface {
	GetSessionID(ctx context.Context, conversationID string) (string, error)
	SetSessionID(ctx context.Context, conversationID, sessionID string) error
	Delete(ctx context.Context, conversationID string) error
}
