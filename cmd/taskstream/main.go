package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/taskstream/internal/audit"
	"github.com/basket/taskstream/internal/config"
	"github.com/basket/taskstream/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: %[1]s <command> [flags]

COMMANDS:
  serve                       Run the HTTP gateway (task intake and streams)
  worker                      Run queue consumers that execute tasks
  watch -project P -agent A <task_id>
                              Follow a task's live stream
  status [-watch] [-json]     Show gateway health and task counts
  doctor [-json]              Run diagnostic checks

ENVIRONMENT VARIABLES:
  TASKSTREAM_HOME             Data directory (default: ~/.taskstream)
  TASKSTREAM_BIND_ADDR        Gateway address (overrides bind_addr)
  TASKSTREAM_AUTH_TOKEN       Bearer token required by the gateway
  TASKSTREAM_QUEUE_URL        AMQP broker URL
  TASKSTREAM_REDIS_ADDR       Redis address for streams and session ids

EXAMPLES:
  Start the gateway:          %[1]s serve
  Start two workers:          TASKSTREAM_WORKER_CONCURRENCY=2 %[1]s worker
  Follow a task:              %[1]s watch -project p1 -agent a1 <task_id>
  Run diagnostics:            %[1]s doctor
`, os.Args[0])
}

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = strings.ToLower(strings.TrimSpace(args[0])), args[1:]
	}

	switch cmd {
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	case "serve":
		runServe(ctx, args)
	case "worker":
		runWorker(ctx, args)
	case "watch":
		os.Exit(runWatchCommand(ctx, args, os.Stdout, os.Stderr))
	case "status":
		os.Exit(runStatusCommand(ctx, args, os.Stdout, os.Stderr))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args, os.Stdout, os.Stderr))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage(os.Stderr)
		os.Exit(2)
	}
}

// bootstrap loads config and brings up audit and logging for the long-running
// commands. Logs go to stdout and the log file unless -quiet is given.
func bootstrap(name string, args []string) (config.Config, *slog.Logger, func()) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	quiet := fs.Bool("quiet", false, "write logs to the log file only")
	_ = fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so logger failures are audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	audit.SetConfigVersion(cfg.Fingerprint())

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	slog.SetDefault(logger)
	logger = logger.With("command", name)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "config_fingerprint", cfg.Fingerprint())

	return cfg, logger, func() {
		_ = closer.Close()
		_ = audit.Close()
	}
}

// watchConfig applies log level changes from config.yaml without a restart.
// Other settings take effect on the next start.
func watchConfig(ctx context.Context, cfg config.Config, logger *slog.Logger) {
	w := config.NewWatcher(cfg.HomeDir, cfg, logger)
	if err := w.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
		return
	}
	go func() {
		for r := range w.Reloads() {
			if r.Err != nil {
				continue
			}
			telemetry.SetLevel(r.Config.LogLevel)
			audit.SetConfigVersion(r.Config.Fingerprint())
			logger.Info("config reloaded", "path", r.Path, "log_level", r.Config.LogLevel, "config_fingerprint", r.Config.Fingerprint())
		}
	}()
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), audit.ActionStartup, audit.DecisionFail, reasonCode+": "+message, "runtime")

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	out, err := execCommandFunc(name, args...).Output()
	return string(out), err
}

var execCommandFunc = exec.Command

// loadDotEnv sets variables from a .env file without overriding the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, strings.Trim(strings.TrimSpace(val), `"'`))
	}
}

// gatewayURL turns bind_addr into a base URL a client can reach.
func gatewayURL(bindAddr string) string {
	addr := strings.TrimSpace(bindAddr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}
