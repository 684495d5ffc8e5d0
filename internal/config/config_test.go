package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskstream/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_DefaultsWithoutConfigFile(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("TASKSTREAM_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Fatalf("queue.max_attempts = %d, want 3", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.BackoffStep() != 500*time.Millisecond {
		t.Fatalf("backoff step = %v, want 500ms", cfg.Queue.BackoffStep())
	}
	if cfg.Stream.PollInterval() != 500*time.Millisecond {
		t.Fatalf("poll interval = %v, want 500ms", cfg.Stream.PollInterval())
	}
	if cfg.Stream.Timeout() != 120*time.Second {
		t.Fatalf("stream timeout = %v, want 120s", cfg.Stream.Timeout())
	}
	if cfg.DatabasePath != filepath.Join(home, "taskstream.db") {
		t.Fatalf("database path = %q", cfg.DatabasePath)
	}
	if cfg.Workspace.Driver != "local" {
		t.Fatalf("workspace driver = %q, want local", cfg.Workspace.Driver)
	}
	if cfg.Agent.MCPToolPrefix != "mcp__" {
		t.Fatalf("mcp tool prefix = %q", cfg.Agent.MCPToolPrefix)
	}
}

func TestLoad_FromHomeWithNestedSections(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKSTREAM_HOME", home)
	writeConfig(t, home, `
bind_addr: 0.0.0.0:9000
redis:
  addr: localhost:6379
  key_prefix: ts
queue:
  name: agent_jobs
  max_attempts: 5
stream:
  poll_interval_ms: 100
agent:
  model: claude-sonnet-4-5
  allowed_tools: [Read, Write]
  mcp_servers:
    jira:
      command: jira-mcp
      args: ["--stdio"]
workspace:
  driver: Docker
`)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.KeyPrefix != "ts" {
		t.Fatalf("redis = %+v", cfg.Redis)
	}
	if cfg.Queue.Name != "agent_jobs" || cfg.Queue.MaxAttempts != 5 {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if cfg.Queue.Exchange != "taskstream.tasks" {
		t.Fatalf("expected default exchange kept, got %q", cfg.Queue.Exchange)
	}
	if cfg.Stream.PollIntervalMs != 100 || cfg.Stream.TimeoutSeconds != 120 {
		t.Fatalf("stream = %+v", cfg.Stream)
	}
	if len(cfg.Agent.AllowedTools) != 2 || cfg.Agent.MCPServers["jira"].Command != "jira-mcp" {
		t.Fatalf("agent = %+v", cfg.Agent)
	}
	if cfg.Workspace.Driver != "docker" {
		t.Fatalf("workspace driver not normalized: %q", cfg.Workspace.Driver)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKSTREAM_HOME", home)
	writeConfig(t, home, "log_level: warn\n")
	t.Setenv("TASKSTREAM_LOG_LEVEL", "debug")
	t.Setenv("TASKSTREAM_QUEUE_URL", "amqp://svc:pw@rabbit:5672/")
	t.Setenv("TASKSTREAM_QUEUE_MAX_ATTEMPTS", "7")
	t.Setenv("TASKSTREAM_REDIS_ADDR", "redis:6379")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q, want env override", cfg.LogLevel)
	}
	if cfg.Queue.URL != "amqp://svc:pw@rabbit:5672/" || cfg.Queue.MaxAttempts != 7 {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Fatalf("redis addr = %q", cfg.Redis.Addr)
	}
}

func TestLoad_RejectsUnknownWorkspaceDriver(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKSTREAM_HOME", home)
	writeConfig(t, home, "workspace:\n  driver: nfs\n")

	_, err := config.Load()
	if err == nil || !strings.Contains(err.Error(), "workspace.driver") {
		t.Fatalf("expected workspace.driver error, got %v", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKSTREAM_HOME", home)
	writeConfig(t, home, "queue: [unterminated\n")

	if _, err := config.Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFingerprint_ChangesWithBehavior(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKSTREAM_HOME", home)
	a, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs must share a fingerprint")
	}
	b.Queue.MaxAttempts = 9
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change with queue.max_attempts")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint format %q", a.Fingerprint())
	}
}
