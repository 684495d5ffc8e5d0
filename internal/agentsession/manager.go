package agentsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskstream/internal/otel"
)

// State is the connection state of a Manager.
type State int

const (
	NotConnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "not_connected"
}

type Config struct {
	ProjectID      string
	ConversationID string

	Runtime   Runtime
	Workspace Provisioner
	// Cache may be nil, in which case sessions are never resumed across managers.
	Cache SessionCache

	AllowedTools  []string
	SystemPrompt  string
	Model         string
	MaxTurns      int
	BasePath      string
	MCPServers    map[string]MCPServer
	MCPTools      []string
	MCPToolPrefix string
	Describe      DescriptionLookup
	StderrLines   int

	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

// Manager owns the runtime connection of one conversation. It is not
// reentrant: callers serialize SendMessage. Interrupt and Disconnect may be
// called from another goroutine.
type Manager struct {
	cfg     Config
	norm    normalizer
	stderr  *stderrBuffer
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer

	mu        sync.Mutex
	state     State
	conn      Connection
	sessionID string
	workdir   string
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Manager{
		cfg:     cfg,
		norm:    newNormalizer(cfg.MCPToolPrefix, cfg.Describe),
		stderr:  newStderrBuffer(cfg.StderrLines),
		logger:  cfg.Logger.With("component", "agentsession", "project_id", cfg.ProjectID, "conversation_id", cfg.ConversationID),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
	}
}

func (m *Manager) workspaceRequest() WorkspaceRequest {
	return WorkspaceRequest{
		ProjectID:      m.cfg.ProjectID,
		ConversationID: m.cfg.ConversationID,
		BasePath:       m.cfg.BasePath,
		MCPServers:     m.cfg.MCPServers,
		MCPTools:       m.cfg.MCPTools,
	}
}

func (m *Manager) options(workdir, resume string) Options {
	return Options{
		AllowedTools:    m.cfg.AllowedTools,
		SystemPrompt:    m.cfg.SystemPrompt,
		WorkingDir:      workdir,
		Model:           m.cfg.Model,
		MaxTurns:        m.cfg.MaxTurns,
		ResumeSessionID: resume,
		MCPServers:      m.cfg.MCPServers,
		Stderr:          m.stderr.Write,
	}
}

// Initialize provisions the workspace and connects to the runtime. With an
// empty sessionID the cached session of the conversation, if any, is resumed.
// A resume rejected as stale drops the cached id and connects once more
// without it; any other failure is returned as is.
func (m *Manager) Initialize(ctx context.Context, sessionID string) (err error) {
	ctx, span := otel.StartSpan(ctx, m.tracer, "agentsession.initialize",
		otel.AttrProjectID.String(m.cfg.ProjectID),
		otel.AttrConversationID.String(m.cfg.ConversationID),
	)
	defer func() { otel.EndSpan(span, err) }()

	if m.State() == Connected {
		m.Disconnect(ctx)
	}

	resume := sessionID
	if resume == "" && m.cfg.Cache != nil {
		cached, cerr := m.cfg.Cache.GetSessionID(ctx, m.cfg.ConversationID)
		if cerr != nil {
			m.logger.WarnContext(ctx, "session cache lookup failed", "error", cerr)
		}
		resume = cached
	}

	ws, err := m.cfg.Workspace.Setup(ctx, m.workspaceRequest())
	if err != nil {
		return fmt.Errorf("setup workspace: %w", err)
	}

	m.stderr.Reset()
	conn, err := m.cfg.Runtime.Connect(ctx, m.options(ws.WorkingDirectory, resume))
	if err != nil {
		if resume == "" || !IsStaleSession(err, m.stderr.Lines()) {
			return fmt.Errorf("connect runtime: %w", err)
		}
		m.logger.WarnContext(ctx, "resumed session is stale; starting fresh", "session_id", resume, "error", err)
		otel.Add(ctx, m.metrics.StaleRecoveries, 1, otel.AttrOutcome.String("initialize"))
		m.forgetCachedSession(ctx)
		m.stderr.Reset()
		resume = ""
		conn, err = m.cfg.Runtime.Connect(ctx, m.options(ws.WorkingDirectory, ""))
		if err != nil {
			return fmt.Errorf("connect runtime without resume: %w", err)
		}
	}
	span.SetAttributes(otel.AttrResumed.Bool(resume != ""))

	m.mu.Lock()
	m.conn = conn
	m.state = Connected
	m.sessionID = resume
	m.workdir = ws.WorkingDirectory
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "agent session connected", "resumed", resume != "", "working_dir", ws.WorkingDirectory)
	return nil
}

func (m *Manager) forgetCachedSession(ctx context.Context) {
	if m.cfg.Cache == nil {
		return
	}
	if err := m.cfg.Cache.Delete(ctx, m.cfg.ConversationID); err != nil {
		m.logger.WarnContext(ctx, "session cache delete failed", "error", err)
	}
}

// SendMessage runs one turn and passes each normalized event to yield in
// arrival order. The turn ends at the runtime's result message. If the
// runtime fails, one error event is yielded and the error is returned; a stale
// session is forgotten so the next Initialize starts fresh. An error from
// yield stops the turn and is returned unchanged.
func (m *Manager) SendMessage(ctx context.Context, content, messageID string, yield func(StreamEvent) error) (err error) {
	m.mu.Lock()
	conn, state, sessionID := m.conn, m.state, m.sessionID
	m.mu.Unlock()
	if state != Connected {
		return ErrNotInitialized
	}

	ctx, span := otel.StartSpan(ctx, m.tracer, "agentsession.send_message",
		otel.AttrConversationID.String(m.cfg.ConversationID),
		otel.AttrResumed.Bool(sessionID != ""),
	)
	defer func() { otel.EndSpan(span, err) }()

	start := time.Now()
	defer func() {
		if m.metrics.TurnDuration != nil {
			m.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	if err := conn.Query(ctx, content, sessionID); err != nil {
		return m.failTurn(ctx, messageID, err, yield)
	}

	for {
		raw, err := conn.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return m.failTurn(ctx, messageID, err, yield)
		}
		if raw.Kind == KindResult {
			m.captureSession(ctx, raw.SessionID)
		}
		for _, ev := range m.norm.Normalize(raw, messageID) {
			if err := yield(ev); err != nil {
				return err
			}
		}
		if raw.Kind == KindResult {
			return nil
		}
	}
}

func (m *Manager) captureSession(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	m.mu.Lock()
	m.sessionID = sessionID
	m.mu.Unlock()
	if m.cfg.Cache == nil {
		return
	}
	if err := m.cfg.Cache.SetSessionID(ctx, m.cfg.ConversationID, sessionID); err != nil {
		m.logger.WarnContext(ctx, "session cache write failed", "session_id", sessionID, "error", err)
	}
}

func (m *Manager) failTurn(ctx context.Context, messageID string, err error, yield func(StreamEvent) error) error {
	m.mu.Lock()
	current := m.sessionID
	m.mu.Unlock()

	stale := current != "" && IsStaleSession(err, m.stderr.Lines())
	if stale {
		m.mu.Lock()
		m.sessionID = ""
		m.mu.Unlock()
		m.forgetCachedSession(ctx)
		otel.Add(ctx, m.metrics.StaleRecoveries, 1, otel.AttrOutcome.String("turn"))
		err = &StaleSessionError{SessionID: current, Err: err}
	}
	m.logger.ErrorContext(ctx, "agent turn failed", "stale_session", stale, "error", err)
	if yerr := yield(errorEvent(messageID, err, stale)); yerr != nil {
		m.logger.DebugContext(ctx, "error event not delivered", "error", yerr)
	}
	return err
}

// Interrupt asks the runtime to stop the in-flight turn. It does nothing
// unless connected.
func (m *Manager) Interrupt(ctx context.Context) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if state != Connected {
		return nil
	}
	if err := conn.Interrupt(ctx); err != nil {
		return fmt.Errorf("interrupt runtime: %w", err)
	}
	return nil
}

// Disconnect closes the runtime connection. Errors are logged. The workspace
// is kept; see CleanupWorkspace.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.state = NotConnected
	m.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Disconnect(ctx); err != nil {
		m.logger.WarnContext(ctx, "runtime disconnect failed", "error", err)
	}
}

// CleanupWorkspace removes the conversation's workspace. Used on archival.
func (m *Manager) CleanupWorkspace(ctx context.Context) error {
	if err := m.cfg.Workspace.Cleanup(ctx, m.workspaceRequest()); err != nil {
		return fmt.Errorf("cleanup workspace: %w", err)
	}
	m.mu.Lock()
	m.workdir = ""
	m.mu.Unlock()
	return nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID is the upstream session the next turn resumes, empty before the
// first result of a fresh session.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

func (m *Manager) WorkingDirectory() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workdir
}

func (m *Manager) ConversationID() string { return m.cfg.ConversationID }

// StderrLines returns the runtime's recent diagnostic output.
func (m *Manager) StderrLines() []string { return m.stderr.Lines() }
