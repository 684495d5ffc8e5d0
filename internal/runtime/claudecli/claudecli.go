// Package claudecli runs the claude CLI as the upstream agent runtime,
// speaking its stream-json protocol over stdin and stdout.
package claudecli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/basket/taskstream/internal/agentsession"
)

const (
	defaultStartupGrace = 750 * time.Millisecond
	defaultStopGrace    = 5 * time.Second
	stderrTailLines     = 50
	maxLineBytes        = 4 * 1024 * 1024
)

type Config struct {
	CLIPath string
	// Env is appended to the current process environment.
	Env []string
	// StartupGrace is how long Connect watches for an early exit.
	StartupGrace time.Duration
	// StopGrace is how long Disconnect waits after closing stdin before killing.
	StopGrace time.Duration
	Logger    *slog.Logger
}

type Runtime struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Runtime {
	if cfg.CLIPath == "" {
		cfg.CLIPath = "claude"
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = defaultStartupGrace
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runtime{cfg: cfg, logger: cfg.Logger.With("component", "claudecli")}
}

type lineResult struct {
	msg agentsession.RawMessage
	err error
}

type process struct {
	cmd    *exec.Cmd
	logger *slog.Logger
	grace  time.Duration

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	lines   chan lineResult
	stop    chan struct{}
	started chan struct{}
	exited  chan struct{}
	exitErr error

	tailMu sync.Mutex
	tail   []string

	stopOnce sync.Once
	stopErr  error
}

// Connect starts the CLI. It fails with an *agentsession.RuntimeError when the
// process exits within the startup grace window, which is how a rejected
// --resume surfaces.
func (r *Runtime) Connect(ctx context.Context, opts agentsession.Options) (agentsession.Connection, error) {
	args, err := BuildArgs(opts)
	if err != nil {
		return nil, &agentsession.RuntimeError{Op: "connect", Err: err}
	}

	cmd := exec.Command(r.cfg.CLIPath, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = append(os.Environ(), r.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &agentsession.RuntimeError{Op: "connect", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &agentsession.RuntimeError{Op: "connect", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &agentsession.RuntimeError{Op: "connect", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &agentsession.RuntimeError{Op: "connect", Err: fmt.Errorf("start %s: %w", r.cfg.CLIPath, err)}
	}

	p := &process{
		cmd:     cmd,
		logger:  r.logger.With("pid", cmd.Process.Pid),
		grace:   r.cfg.StopGrace,
		stdin:   stdin,
		lines:   make(chan lineResult, 256),
		stop:    make(chan struct{}),
		started: make(chan struct{}),
		exited:  make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		p.readStderr(stderr, opts.Stderr)
	}()
	go func() {
		readers.Wait()
		p.exitErr = cmd.Wait()
		close(p.exited)
	}()

	timer := time.NewTimer(r.cfg.StartupGrace)
	defer timer.Stop()
	select {
	case <-p.exited:
		err := p.exitErr
		if err == nil {
			err = errors.New("process exited during startup")
		}
		return nil, &agentsession.RuntimeError{Op: "connect", Err: err, Stderr: p.stderrTail()}
	case <-p.started:
	case <-timer.C:
	case <-ctx.Done():
		_ = p.Disconnect(context.Background())
		return nil, &agentsession.RuntimeError{Op: "connect", Err: ctx.Err(), Stderr: p.stderrTail()}
	}

	p.logger.Debug("claude runtime started", "resume", opts.ResumeSessionID != "", "dir", opts.WorkingDir)
	return p, nil
}

func (p *process) readStdout(r io.Reader) {
	defer close(p.lines)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	first := true
	for scanner.Scan() {
		if first {
			close(p.started)
			first = false
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := ParseRawMessage(line)
		if err != nil {
			p.logger.Debug("skipping unparseable stream line", "error", err)
			continue
		}
		if !p.deliver(lineResult{msg: msg}) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		p.deliver(lineResult{err: fmt.Errorf("read stdout: %w", err)})
	}
}

func (p *process) deliver(res lineResult) bool {
	select {
	case p.lines <- res:
		return true
	case <-p.stop:
		return false
	}
}

func (p *process) readStderr(r io.Reader, sink func(string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		p.tailMu.Lock()
		p.tail = append(p.tail, line)
		if over := len(p.tail) - stderrTailLines; over > 0 {
			p.tail = p.tail[over:]
		}
		p.tailMu.Unlock()
		if sink != nil {
			sink(line)
		}
	}
}

func (p *process) stderrTail() string {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	return strings.Join(p.tail, "\n")
}

type userInput struct {
	Type      string       `json:"type"`
	Message   inputMessage `json:"message"`
	SessionID string       `json:"session_id,omitempty"`
}

type inputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Query writes one user turn to the CLI's stdin.
func (p *process) Query(ctx context.Context, content, sessionID string) error {
	select {
	case <-p.exited:
		return &agentsession.RuntimeError{Op: "query", Err: p.exitError(), Stderr: p.stderrTail()}
	default:
	}
	raw, err := json.Marshal(userInput{
		Type:      "user",
		Message:   inputMessage{Role: "user", Content: content},
		SessionID: sessionID,
	})
	if err != nil {
		return fmt.Errorf("encode query: %w", err)
	}
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if _, err := p.stdin.Write(append(raw, '\n')); err != nil {
		return &agentsession.RuntimeError{Op: "query", Err: err, Stderr: p.stderrTail()}
	}
	return nil
}

// Next returns the next parsed message. Once stdout closes it reports the
// process outcome: io.EOF for a clean exit, a RuntimeError otherwise.
func (p *process) Next(ctx context.Context) (agentsession.RawMessage, error) {
	select {
	case res, ok := <-p.lines:
		if !ok {
			return agentsession.RawMessage{}, p.finish(ctx)
		}
		if res.err != nil {
			return agentsession.RawMessage{}, &agentsession.RuntimeError{Op: "receive", Err: res.err, Stderr: p.stderrTail()}
		}
		return res.msg, nil
	case <-ctx.Done():
		return agentsession.RawMessage{}, ctx.Err()
	}
}

func (p *process) finish(ctx context.Context) error {
	select {
	case <-p.exited:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.exitErr != nil {
		return &agentsession.RuntimeError{Op: "receive", Err: p.exitErr, Stderr: p.stderrTail()}
	}
	return io.EOF
}

func (p *process) exitError() error {
	if p.exitErr != nil {
		return p.exitErr
	}
	return errors.New("process exited")
}

// Interrupt sends SIGINT, which makes the CLI abandon the current turn.
func (p *process) Interrupt(ctx context.Context) error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("signal runtime: %w", err)
	}
	return nil
}

// Disconnect closes stdin and waits for the process, killing it after the
// stop grace period. Calling it again returns the first result.
func (p *process) Disconnect(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.stdinMu.Lock()
		_ = p.stdin.Close()
		p.stdinMu.Unlock()

		timer := time.NewTimer(p.grace)
		defer timer.Stop()
		select {
		case <-p.exited:
			return
		case <-timer.C:
		case <-ctx.Done():
		}
		p.logger.Warn("claude runtime did not exit; killing")
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.stopErr = fmt.Errorf("kill runtime: %w", err)
			return
		}
		<-p.exited
	})
	return p.stopErr
}
