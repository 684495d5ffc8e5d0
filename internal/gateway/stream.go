package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func streamRequestFrom(r *http.Request) StreamRequest {
	offset := r.Header.Get("Last-Event-ID")
	if v := r.URL.Query().Get("offset"); v != "" {
		offset = v
	}
	return StreamRequest{
		ProjectID: r.PathValue("project_id"),
		AgentID:   r.PathValue("agent_id"),
		TaskID:    r.PathValue("task_id"),
		Offset:    offset,
	}
}

// handleStreamSSE implements GET .../tasks/{task_id}/stream as server-sent
// events. Progress entries carry their StreamBus offset as the SSE id so a
// reconnecting EventSource resumes after the last entry it saw.
func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
	req := streamRequestFrom(r)
	task, err := s.streamer.Validate(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(_ context.Context, ev Event) error {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal %s event: %w", ev.Type, err)
		}
		if entry, ok := ev.Data.(StreamEntryData); ok {
			if _, err := fmt.Fprintf(w, "id: %s\n", entry.Offset); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	s.serveStream(r.Context(), task.ID, func(ctx context.Context) (Outcome, error) {
		return s.streamer.RunTask(ctx, task, req.Offset, emit)
	})
}

// handleStreamWS implements GET .../tasks/{task_id}/ws. Each event is one JSON
// text frame shaped like Event.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	req := streamRequestFrom(r)
	task, err := s.streamer.Validate(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.WarnContext(r.Context(), "ws: accept failed", "task_id", task.ID, "error", err)
		return
	}
	defer conn.CloseNow()

	// The client never sends anything; CloseRead handles control frames and
	// cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	emit := func(ctx context.Context, ev Event) error {
		return wsjson.Write(ctx, conn, ev)
	}
	outcome := s.serveStream(ctx, task.ID, func(ctx context.Context) (Outcome, error) {
		return s.streamer.RunTask(ctx, task, req.Offset, emit)
	})
	switch outcome {
	case OutcomeDisconnected:
	case "":
		_ = conn.Close(websocket.StatusInternalError, "stream failed")
	default:
		_ = conn.Close(websocket.StatusNormalClosure, string(outcome))
	}
}

func (s *Server) serveStream(ctx context.Context, taskID string, run func(context.Context) (Outcome, error)) Outcome {
	s.activeStreams.Add(1)
	s.streamsServed.Add(1)
	defer s.activeStreams.Add(-1)

	outcome, err := run(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "stream ended with error", "task_id", taskID, "error", err)
		return ""
	}
	s.logger.DebugContext(ctx, "stream ended", "task_id", taskID, "outcome", outcome)
	return outcome
}
