// Package gateway is the HTTP surface: task creation, listing and
// cancellation, and live task streams over SSE and websocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskstream/internal/audit"
	"github.com/basket/taskstream/internal/bus"
	"github.com/basket/taskstream/internal/config"
	"github.com/basket/taskstream/internal/dispatch"
	"github.com/basket/taskstream/internal/otel"
	"github.com/basket/taskstream/internal/persistence"
	"github.com/basket/taskstream/internal/shared"
	"github.com/basket/taskstream/internal/streambus"
)

const (
	maxRequestBytes  = 1 << 20
	defaultListLimit = 50
	maxListLimit     = 200
)

const createTaskSchemaJSON = `{
  "type": "object",
  "required": ["content"],
  "additionalProperties": false,
  "properties": {
    "content": {"type": "string", "minLength": 1},
    "metadata": {"type": "object"}
  }
}`

var createTaskSchema = shared.MustCompileSchema("create-task.json", createTaskSchemaJSON)

var errBadRequest = errors.New("gateway: bad request")

// TaskStore is the slice of persistence.Store the HTTP handlers read from.
type TaskStore interface {
	GetTask(ctx context.Context, taskID string) (*persistence.Task, error)
	ListTasks(ctx context.Context, q persistence.TaskQuery) ([]persistence.Task, error)
	ListTaskEvents(ctx context.Context, taskID string) ([]persistence.TaskEvent, error)
	StatusCounts(ctx context.Context) (map[persistence.TaskStatus]int64, error)
}

type Dispatcher interface {
	CreateTask(ctx context.Context, req dispatch.CreateRequest) (*dispatch.Created, error)
	CancelTask(ctx context.Context, taskID string) (*persistence.Task, error)
}

// HealthCheck is one dependency probe reported by /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Config struct {
	Store      TaskStore
	Dispatcher Dispatcher
	Streams    streambus.Bus
	Bus        *bus.Bus

	// AuthToken, when set, is required as a bearer token on every API route.
	AuthToken string
	// AllowOrigins lists cross-origin callers accepted for CORS and websocket
	// upgrades. Empty means same-origin only.
	AllowOrigins []string
	RateLimit    config.RateLimitConfig

	// ConfigFingerprint is reported on /healthz.
	ConfigFingerprint string
	HealthChecks      []HealthCheck

	PollInterval  time.Duration
	StreamTimeout time.Duration
	ReadBatch     int64
	Block         time.Duration

	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

type Server struct {
	cfg      Config
	streamer *TaskStreamer
	auth     *TokenAuth
	limiter  *RateLimiter
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer

	activeStreams atomic.Int64
	streamsServed atomic.Int64
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Server{
		cfg: cfg,
		streamer: NewTaskStreamer(StreamerConfig{
			Store:        cfg.Store,
			Streams:      cfg.Streams,
			Bus:          cfg.Bus,
			PollInterval: cfg.PollInterval,
			Timeout:      cfg.StreamTimeout,
			ReadBatch:    cfg.ReadBatch,
			Block:        cfg.Block,
			Logger:       cfg.Logger,
			Metrics:      cfg.Metrics,
			Tracer:       cfg.Tracer,
		}),
		auth:    NewTokenAuth(cfg.AuthToken),
		limiter: NewRateLimiter(cfg.RateLimit, cfg.Metrics, cfg.Logger),
		logger:  cfg.Logger.With("component", "gateway"),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
	}
}

// Limiter exposes the rate limiter so the caller can start bucket eviction.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /healthz", s.handleHealthz)
	s.route(mux, "GET /metrics", s.handleMetrics)

	s.route(mux, "POST /api/projects/{project_id}/agents/{agent_id}/tasks", s.handleCreateTask)
	s.route(mux, "GET /api/projects/{project_id}/agents/{agent_id}/tasks", s.handleListTasks)
	s.route(mux, "GET /api/projects/{project_id}/agents/{agent_id}/tasks/{task_id}/stream", s.handleStreamSSE)
	s.route(mux, "GET /api/projects/{project_id}/agents/{agent_id}/tasks/{task_id}/ws", s.handleStreamWS)
	s.route(mux, "GET /api/tasks/{task_id}", s.handleGetTask)
	s.route(mux, "GET /api/tasks/{task_id}/events", s.handleTaskEvents)
	s.route(mux, "POST /api/tasks/{task_id}/cancel", s.handleCancelTask)

	var h http.Handler = mux
	h = s.auth.Wrap(h)
	h = s.limiter.Wrap(h)
	h = RequestSizeLimitMiddleware(maxRequestBytes)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

// route registers h under pattern with a server span and a duration sample.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := otel.StartServerSpan(r.Context(), s.tracer, pattern,
			attribute.String("http.method", r.Method),
		)
		defer func() {
			span.End()
			s.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("http.route", pattern)))
		}()
		if id := r.PathValue("task_id"); id != "" {
			ctx = shared.WithTaskID(ctx, id)
		}
		h(w, r.WithContext(ctx))
	})
}

type createTaskBody struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

type taskList struct {
	Tasks  []persistence.Task `json:"tasks"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// handleCreateTask implements POST /api/projects/{project_id}/agents/{agent_id}/tasks.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeErr(w, r, errors.Join(errBadRequest, err))
		return
	}
	if err := shared.ValidateJSON(createTaskSchema, raw); err != nil {
		s.writeErr(w, r, errors.Join(errBadRequest, err))
		return
	}
	var body createTaskBody
	if err := json.Unmarshal(raw, &body); err != nil {
		s.writeErr(w, r, errors.Join(errBadRequest, err))
		return
	}

	created, err := s.cfg.Dispatcher.CreateTask(r.Context(), dispatch.CreateRequest{
		ProjectID: r.PathValue("project_id"),
		AgentID:   r.PathValue("agent_id"),
		Content:   body.Content,
		Metadata:  body.Metadata,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created.User)
}

// handleListTasks implements GET /api/projects/{project_id}/agents/{agent_id}/tasks.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q, err := parseTaskQuery(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), q)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	writeJSON(w, http.StatusOK, taskList{Tasks: tasks, Limit: q.Limit, Offset: q.Offset})
}

func parseTaskQuery(r *http.Request) (persistence.TaskQuery, error) {
	v := r.URL.Query()
	q := persistence.TaskQuery{
		ProjectID: r.PathValue("project_id"),
		AgentID:   r.PathValue("agent_id"),
		Limit:     defaultListLimit,
		Desc:      true,
	}
	if raw := v.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := persistence.TaskStatus(strings.ToLower(strings.TrimSpace(part)))
			if !st.Valid() {
				return q, errors.Join(errBadRequest, errors.New("unknown status "+strconv.Quote(part)))
			}
			q.Statuses = append(q.Statuses, st)
		}
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, errors.Join(errBadRequest, errors.New("limit must be a positive integer"))
		}
		q.Limit = min(n, maxListLimit)
	}
	if raw := v.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, errors.Join(errBadRequest, errors.New("offset must be a non-negative integer"))
		}
		q.Offset = n
	}
	switch strings.ToLower(v.Get("order")) {
	case "", "desc":
	case "asc":
		q.Desc = false
	default:
		return q, errors.Join(errBadRequest, errors.New("order must be asc or desc"))
	}
	return q, nil
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.GetTask(r.Context(), r.PathValue("task_id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if _, err := s.cfg.Store.GetTask(r.Context(), taskID); err != nil {
		s.writeErr(w, r, err)
		return
	}
	events, err := s.cfg.Store.ListTaskEvents(r.Context(), taskID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if events == nil {
		events = []persistence.TaskEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "events": events})
}

// handleCancelTask implements POST /api/tasks/{task_id}/cancel.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Dispatcher.CancelTask(r.Context(), r.PathValue("task_id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.cfg.HealthChecks))
	healthy := true
	for _, hc := range s.cfg.HealthChecks {
		if err := hc.Check(ctx); err != nil {
			healthy = false
			checks[hc.Name] = shared.Redact(err.Error())
			continue
		}
		checks[hc.Name] = "ok"
	}

	payload := map[string]any{
		"healthy":            healthy,
		"checks":             checks,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.StatusCounts(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	byStatus := make(map[string]int64, len(counts))
	for st, n := range counts {
		byStatus[string(st)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks_by_status":      byStatus,
		"in_flight_tasks":      counts[persistence.TaskStatusQueued] + counts[persistence.TaskStatusProcessing],
		"active_streams":       s.activeStreams.Load(),
		"streams_served_total": s.streamsServed.Load(),
		"rate_limit_buckets":   s.limiter.BucketCount(),
		"audit_rejections":     audit.RejectCount(),
		"bus_dropped_events":   s.cfg.Bus.Dropped(),
		"alloc_bytes":          mem.Alloc,
		"goroutines":           runtime.NumGoroutine(),
	})
}

// statusForError maps domain errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, ErrNotStreamable):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrTaskNotFound),
		errors.Is(err, persistence.ErrNotFound),
		errors.Is(err, ErrStreamTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrAdmissionRejected):
		return http.StatusTooManyRequests
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "status", status, "error", err)
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	switch {
	case errors.Is(err, dispatch.ErrPartialCreate):
		msg = dispatch.ErrPartialCreate.Error()
	case errors.Is(err, dispatch.ErrAdmissionRejected):
		audit.Record(r.Context(), audit.ActionAdmission, audit.DecisionReject, msg,
			r.PathValue("project_id")+"/"+r.PathValue("agent_id"))
	}
	writeError(w, status, shared.Redact(msg))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
