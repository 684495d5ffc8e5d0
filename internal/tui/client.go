package tui

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxSSELine = 1 << 20

// Target names the task whose stream is watched.
type Target struct {
	ProjectID string
	AgentID   string
	TaskID    string
}

// SSEEvent is one dispatched server-sent event.
type SSEEvent struct {
	ID   string
	Type string
	Data []byte
}

// HTTPError is a non-2xx gateway response.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

// Client talks to a running gateway.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: hc}
}

func (c *Client) streamURL(t Target) string {
	return fmt.Sprintf("%s/api/projects/%s/agents/%s/tasks/%s/stream",
		c.baseURL, url.PathEscape(t.ProjectID), url.PathEscape(t.AgentID), url.PathEscape(t.TaskID))
}

func (c *Client) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

// Stream follows the task's SSE stream and calls fn for each event until the
// server closes the stream, fn fails, or ctx ends. lastEventID resumes after
// a previously seen progress entry.
func (c *Client) Stream(ctx context.Context, t Target, lastEventID string, fn func(SSEEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL(t), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return readSSE(resp.Body, fn)
}

// Health fetches /healthz. A 503 still decodes; the caller reads "healthy".
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	resp, err := c.get(ctx, c.baseURL+"/healthz")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, responseError(resp)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return out, nil
}

// Metrics fetches /metrics.
func (c *Client) Metrics(ctx context.Context) (map[string]any, error) {
	resp, err := c.get(ctx, c.baseURL+"/metrics")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode metrics: %w", err)
	}
	return out, nil
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &HTTPError{Status: resp.StatusCode, Message: msg}
}

// readSSE parses an event stream. Only the fields the gateway sends are
// honored: id, event and data. Comment lines are skipped.
func readSSE(r io.Reader, fn func(SSEEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	var ev SSEEvent
	var data bytes.Buffer
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if ev.Type != "" || data.Len() > 0 {
				ev.Data = append([]byte(nil), data.Bytes()...)
				if ev.Type == "" {
					ev.Type = "message"
				}
				if err := fn(ev); err != nil {
					return err
				}
			}
			ev = SSEEvent{}
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.ID = value
		case "event":
			ev.Type = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}
	return sc.Err()
}
