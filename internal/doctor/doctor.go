package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/docker/docker/client"
	"github.com/redis/go-redis/v9"

	"github.com/basket/taskstream/internal/config"
	"github.com/basket/taskstream/internal/persistence"
	"github.com/basket/taskstream/internal/queue"
	"github.com/basket/taskstream/internal/shared"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

const probeTimeout = 5 * time.Second

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed. Warnings do not count.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return false
		}
	}
	return true
}

// Probes reach the external dependencies. Zero fields use the real clients.
type Probes struct {
	PingRedis  func(ctx context.Context, cfg config.RedisConfig) error
	DialQueue  queue.Dialer
	CLIVersion func(ctx context.Context, path string) (string, error)
	PingDocker func(ctx context.Context) (string, error)
}

func (p *Probes) fill() {
	if p.PingRedis == nil {
		p.PingRedis = pingRedis
	}
	if p.DialQueue == nil {
		p.DialQueue = queue.DialAMQP
	}
	if p.CLIVersion == nil {
		p.CLIVersion = cliVersion
	}
	if p.PingDocker == nil {
		p.PingDocker = pingDocker
	}
}

// Run executes all diagnostic checks against the real dependencies.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	return RunWith(ctx, cfg, version, Probes{})
}

// RunWith executes all diagnostic checks using the given probes.
func RunWith(ctx context.Context, cfg *config.Config, version string, probes Probes) Diagnosis {
	probes.fill()
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config, Probes) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkRedis,
		checkQueue,
		checkAgentCLI,
		checkDocker,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg, probes))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config, _ Probes) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	path := config.ConfigPath(cfg.HomeDir)
	if _, err := os.Stat(path); err != nil {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "No config.yaml, using defaults", Detail: path}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", path), Detail: cfg.Fingerprint()}
}

func checkDatabase(ctx context.Context, cfg *config.Config, _ Probes) CheckResult {
	if cfg == nil || cfg.DatabasePath == "" {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DatabasePath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.StatusCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("path=%s tasks=%d", cfg.DatabasePath, total),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config, _ Probes) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkRedis(ctx context.Context, cfg *config.Config, p Probes) CheckResult {
	if cfg == nil || cfg.Redis.Addr == "" {
		return CheckResult{Name: "Redis", Status: StatusSkip, Message: "Not configured, streams and sessions use sqlite"}
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	start := time.Now()
	if err := p.PingRedis(ctx, cfg.Redis); err != nil {
		return CheckResult{Name: "Redis", Status: StatusFail, Message: shared.Redact(fmt.Sprintf("Ping %s failed: %v", cfg.Redis.Addr, err))}
	}
	return CheckResult{
		Name:    "Redis",
		Status:  StatusPass,
		Message: fmt.Sprintf("PING %s ok (%dms)", cfg.Redis.Addr, time.Since(start).Milliseconds()),
	}
}

func checkQueue(_ context.Context, cfg *config.Config, p Probes) CheckResult {
	if cfg == nil || cfg.Queue.URL == "" {
		return CheckResult{Name: "Queue", Status: StatusSkip, Message: "Config missing"}
	}
	url := shared.Redact(cfg.Queue.URL)
	conn, err := p.DialQueue(cfg.Queue.URL)
	if err != nil {
		return CheckResult{Name: "Queue", Status: StatusFail, Message: shared.Redact(fmt.Sprintf("Dial %s failed: %v", url, err))}
	}
	defer conn.Close()
	if conn.IsClosed() {
		return CheckResult{Name: "Queue", Status: StatusFail, Message: fmt.Sprintf("Connection to %s closed immediately", url)}
	}
	return CheckResult{
		Name:    "Queue",
		Status:  StatusPass,
		Message: fmt.Sprintf("Connected to %s", url),
		Detail:  fmt.Sprintf("exchange=%s queue=%s", cfg.Queue.Exchange, cfg.Queue.Name),
	}
}

func checkAgentCLI(ctx context.Context, cfg *config.Config, p Probes) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Agent CLI", Status: StatusSkip, Message: "Config missing"}
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	v, err := p.CLIVersion(ctx, cfg.Agent.CLIPath)
	if err != nil {
		return CheckResult{
			Name:    "Agent CLI",
			Status:  StatusFail,
			Message: fmt.Sprintf("%s unavailable: %v", cfg.Agent.CLIPath, err),
			Detail:  "Workers need the agent CLI on PATH or agent.cli_path in config.yaml",
		}
	}
	return CheckResult{Name: "Agent CLI", Status: StatusPass, Message: fmt.Sprintf("%s %s", cfg.Agent.CLIPath, v)}
}

func checkDocker(ctx context.Context, cfg *config.Config, p Probes) CheckResult {
	if cfg == nil || cfg.Workspace.Driver != "docker" {
		return CheckResult{Name: "Docker", Status: StatusSkip, Message: "Workspace driver is not docker"}
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	apiVersion, err := p.PingDocker(ctx)
	if err != nil {
		return CheckResult{Name: "Docker", Status: StatusFail, Message: fmt.Sprintf("Daemon unreachable: %v", err)}
	}
	return CheckResult{Name: "Docker", Status: StatusPass, Message: "Daemon reachable", Detail: "api_version=" + apiVersion}
}

func pingRedis(ctx context.Context, cfg config.RedisConfig) error {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	defer rdb.Close()
	return rdb.Ping(ctx).Err()
}

func cliVersion(ctx context.Context, path string) (string, error) {
	bin, err := exec.LookPath(path)
	if err != nil {
		return "", err
	}
	out, err := exec.CommandContext(ctx, bin, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", bin, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func pingDocker(ctx context.Context) (string, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return "", err
	}
	defer cli.Close()
	ping, err := cli.Ping(ctx)
	if err != nil {
		return "", err
	}
	return ping.APIVersion, nil
}
