package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Snapshot is one reading of the gateway's /healthz and /metrics.
type Snapshot struct {
	Healthy       bool              `json:"healthy"`
	Checks        map[string]string `json:"checks,omitempty"`
	TasksByStatus map[string]int64  `json:"tasks_by_status,omitempty"`
	InFlight      int64             `json:"in_flight_tasks"`
	ActiveStreams int64             `json:"active_streams"`
	StreamsServed int64             `json:"streams_served_total"`
	Rejections    int64             `json:"audit_rejections"`
	Goroutines    int64             `json:"goroutines"`
	LastError     string            `json:"last_error,omitempty"`
	TakenAt       time.Time         `json:"taken_at"`
}

type StatusProvider func() Snapshot

// SnapshotFrom builds a Snapshot from the decoded /healthz and /metrics
// bodies. Either may be nil.
func SnapshotFrom(health, metrics map[string]any, err error) Snapshot {
	snap := Snapshot{TakenAt: time.Now()}
	if err != nil {
		snap.LastError = humanError(err)
	}
	if health != nil {
		snap.Healthy, _ = health["healthy"].(bool)
		if checks, ok := health["checks"].(map[string]any); ok {
			snap.Checks = make(map[string]string, len(checks))
			for name, v := range checks {
				snap.Checks[name] = fmt.Sprint(v)
			}
		}
	}
	if metrics != nil {
		if by, ok := metrics["tasks_by_status"].(map[string]any); ok {
			snap.TasksByStatus = make(map[string]int64, len(by))
			for st, n := range by {
				snap.TasksByStatus[st] = toInt(n)
			}
		}
		snap.InFlight = toInt(metrics["in_flight_tasks"])
		snap.ActiveStreams = toInt(metrics["active_streams"])
		snap.StreamsServed = toInt(metrics["streams_served_total"])
		snap.Rejections = toInt(metrics["audit_rejections"])
		snap.Goroutines = toInt(metrics["goroutines"])
	}
	return snap
}

func toInt(v any) int64 {
	if f, ok := v.(float64); ok {
		return int64(f)
	}
	return 0
}

// Fetch reads a Snapshot from a running gateway.
func (c *Client) Fetch(ctx context.Context) Snapshot {
	health, err := c.Health(ctx)
	if err != nil {
		return SnapshotFrom(nil, nil, err)
	}
	metrics, err := c.Metrics(ctx)
	return SnapshotFrom(health, metrics, err)
}

// RenderStatus formats a Snapshot for the terminal.
func RenderStatus(s Snapshot) string {
	var b strings.Builder
	health := statusStyle("completed").Render("healthy")
	if !s.Healthy {
		health = statusStyle("failed").Render("unhealthy")
	}
	b.WriteString(titleStyle.Render("Taskstream Status") + "  " + health + "\n\n")

	names := make([]string, 0, len(s.Checks))
	for name := range s.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString(fmt.Sprintf("  %-10s %s\n", name, s.Checks[name]))
	}
	if len(names) > 0 {
		b.WriteString("\n")
	}

	for _, st := range []string{"queued", "processing", "completed", "failed", "cancelled"} {
		b.WriteString(fmt.Sprintf("  %s %d\n", statusStyle(st).Render(fmt.Sprintf("%-11s", st)), s.TasksByStatus[st]))
	}
	b.WriteString(fmt.Sprintf("\nIn Flight: %d\nActive Streams: %d\nStreams Served: %d\nRejections: %d\nGoroutines: %d\n",
		s.InFlight, s.ActiveStreams, s.StreamsServed, s.Rejections, s.Goroutines))

	lastErr := s.LastError
	if lastErr == "" {
		lastErr = "(none)"
	}
	b.WriteString("Last Error: " + lastErr + "\n")
	return b.String()
}

type model struct {
	provider StatusProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	return RenderStatus(m.snap) + "\n" + dimStyle.Render("Press q to quit.") + "\n"
}

// RunStatus refreshes the status view every second until the user quits.
func RunStatus(ctx context.Context, provider StatusProvider) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
