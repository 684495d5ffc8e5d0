package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/taskstream/internal/shared"
)

// Level is shared by every logger built with NewLogger so a config reload can
// raise or lower verbosity without rebuilding handlers.
var Level = new(slog.LevelVar)

func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	SetLevel(level)
	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stdout, file)
	}
	logger := slog.New(NewHandler(w)).With("component", "runtime")
	return logger, file, nil
}

// NewHandler returns the JSON handler used by NewLogger, writing to w.
// Records logged with a context carry the trace, project, agent, task and
// conversation ids found in it; trace_id is always present ("-" when unset).
func NewHandler(w io.Writer) slog.Handler {
	return contextHandler{Handler: slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       Level,
		ReplaceAttr: replaceAttr,
	})}
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// contextHandler appends the ids carried by the context, skipping keys the
// record or an earlier With already set.
type contextHandler struct {
	slog.Handler
	preset map[string]bool
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx == nil {
		ctx = context.Background()
	}
	have := make(map[string]bool, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		have[a.Key] = true
		return true
	})
	ids := shared.LogAttrs(ctx)
	for i := 0; i+1 < len(ids); i += 2 {
		key := ids[i].(string)
		if have[key] || h.preset[key] {
			continue
		}
		r.AddAttrs(slog.Any(key, ids[i+1]))
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	preset := make(map[string]bool, len(h.preset)+len(attrs))
	for k := range h.preset {
		preset[k] = true
	}
	for _, a := range attrs {
		preset[a.Key] = true
	}
	return contextHandler{Handler: h.Handler.WithAttrs(attrs), preset: preset}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{Handler: h.Handler.WithGroup(name), preset: h.preset}
}
