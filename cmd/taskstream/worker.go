package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/basket/taskstream/internal/agentsession"
	"github.com/basket/taskstream/internal/audit"
	"github.com/basket/taskstream/internal/config"
	"github.com/basket/taskstream/internal/queue"
	"github.com/basket/taskstream/internal/runtime/claudecli"
	"github.com/basket/taskstream/internal/worker"
	"github.com/basket/taskstream/internal/workspace"
)

func runWorker(ctx context.Context, args []string) {
	cfg, logger, cleanup := bootstrap("worker", args)
	defer cleanup()

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	watchConfig(ctx, cfg, logger)

	c := openComponents(ctx, cfg, logger)
	defer c.Close()
	audit.SetDB(c.store.DB())

	provisioner, err := newProvisioner(cfg.Workspace, logger)
	if err != nil {
		fatalStartup(logger, "E_WORKSPACE_INIT", err)
	}

	runtime := claudecli.New(claudecli.Config{
		CLIPath: cfg.Agent.CLIPath,
		Logger:  logger,
	})
	cache := c.sessionCache()
	servers := mcpServers(cfg.Agent.MCPServers)

	w := worker.New(worker.Config{
		Store:          c.store,
		Streams:        c.streams,
		FlushInterval:  time.Duration(cfg.Worker.FlushIntervalMs) * time.Millisecond,
		SessionIdleTTL: time.Duration(cfg.Worker.SessionIdleMinutes) * time.Minute,
		Logger:         logger,
		NewSession: func(projectID, conversationID string) worker.Session {
			return agentsession.NewManager(agentsession.Config{
				ProjectID:      projectID,
				ConversationID: conversationID,
				Runtime:        runtime,
				Workspace:      provisioner,
				Cache:          cache,
				AllowedTools:   cfg.Agent.AllowedTools,
				SystemPrompt:   cfg.Agent.SystemPrompt,
				Model:          cfg.Agent.Model,
				MaxTurns:       cfg.Agent.MaxTurns,
				BasePath:       cfg.Workspace.BaseDir,
				MCPServers:     servers,
				MCPToolPrefix:  cfg.Agent.MCPToolPrefix,
				Describe:       agentsession.ToolDescriber(cfg.Agent.MCPToolPrefix),
				StderrLines:    cfg.Agent.StderrBufferLines,
				Logger:         logger,
				Metrics:        c.metrics,
				Tracer:         c.otel.Tracer,
			})
		},
	})

	c.setupQueue(ctx)

	hostname, _ := os.Hostname()
	consumers := make([]worker.Consumer, 0, cfg.Worker.Concurrency)
	for i := 0; i < max(cfg.Worker.Concurrency, 1); i++ {
		consumers = append(consumers, queue.NewConsumer(c.queue, c.queueDef, cfg.Queue.Prefetch, worker.ConsumerTag(hostname, i), logger))
	}
	logger.Info("startup phase", "phase", "consumers_started", "count", len(consumers), "queue", cfg.Queue.Name)

	if err := w.Run(ctx, consumers); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
	}
	logger.Info("shutdown complete")
}

// newProvisioner picks the workspace driver. Docker volumes need a reachable
// daemon at startup.
func newProvisioner(cfg config.WorkspaceConfig, logger *slog.Logger) (agentsession.Provisioner, error) {
	switch cfg.Driver {
	case "docker":
		d, cli, err := workspace.NewDockerFromEnv(cfg.DockerLabel, logger)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := cli.Ping(pingCtx); err != nil {
			return nil, err
		}
		return d, nil
	default:
		return workspace.NewLocal(cfg.BaseDir, logger), nil
	}
}

func mcpServers(in map[string]config.MCPServerConfig) map[string]agentsession.MCPServer {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]agentsession.MCPServer, len(in))
	for name, s := range in {
		out[name] = agentsession.MCPServer{Command: s.Command, Args: s.Args, Env: s.Env}
	}
	return out
}
