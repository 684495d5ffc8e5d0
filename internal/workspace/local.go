package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/basket/taskstream/internal/agentsession"
)

// Local keeps workspaces under <base>/<project>/<conversation> on the host.
type Local struct {
	baseDir string
	logger  *slog.Logger
}

func NewLocal(baseDir string, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{baseDir: baseDir, logger: logger.With("component", "workspace", "driver", "local")}
}

func (l *Local) dir(req agentsession.WorkspaceRequest) (string, error) {
	base := req.BasePath
	if base == "" {
		base = l.baseDir
	}
	if base == "" {
		return "", fmt.Errorf("workspace base directory is not configured")
	}
	project, err := segment(req.ProjectID)
	if err != nil {
		return "", err
	}
	conversation, err := segment(req.ConversationID)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, project, conversation), nil
}

func (l *Local) Setup(ctx context.Context, req agentsession.WorkspaceRequest) (agentsession.WorkspaceConfig, error) {
	dir, err := l.dir(req)
	if err != nil {
		return agentsession.WorkspaceConfig{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return agentsession.WorkspaceConfig{}, fmt.Errorf("create workspace: %w", err)
	}
	if err := writeRuntimeFiles(dir, req); err != nil {
		return agentsession.WorkspaceConfig{}, err
	}
	l.logger.DebugContext(ctx, "workspace ready", "dir", dir)
	return agentsession.WorkspaceConfig{WorkingDirectory: dir}, nil
}

func (l *Local) Cleanup(ctx context.Context, req agentsession.WorkspaceRequest) error {
	dir, err := l.dir(req)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	l.logger.InfoContext(ctx, "workspace removed", "dir", dir)
	return nil
}
