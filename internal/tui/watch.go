package tui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/taskstream/internal/gateway"
)

const maxProgressLines = 500

// Outcomes reported by a watch.
const (
	OutcomeComplete = "complete"
	OutcomeTimeout  = "timeout"
	OutcomeClosed   = "closed"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	typeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	bodyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
)

func statusStyle(status string) lipgloss.Style {
	color := "252"
	switch status {
	case "queued":
		color = "63"
	case "processing":
		color = "214"
	case "completed":
		color = "42"
	case "failed":
		color = "196"
	case "cancelled":
		color = "240"
	}
	return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(color))
}

// Result is what a watch saw by the time the stream ended.
type Result struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Outcome string `json:"outcome"`
	Content string `json:"content"`
	LastID  string `json:"last_event_id,omitempty"`
}

type progressLine struct {
	Type    string
	Message string
}

type watchState struct {
	target   Target
	status   string
	content  string
	progress []progressLine
	lastID   string
	outcome  string
	finished bool
	err      error
}

// apply folds one event into the state and returns a one-line description
// for headless output, or "" when the event has nothing to print.
func (s *watchState) apply(ev SSEEvent) string {
	switch ev.Type {
	case gateway.EventMessageStart:
		var d gateway.StreamStartData
		if json.Unmarshal(ev.Data, &d) == nil {
			s.status = d.Status
		}
		return fmt.Sprintf("watching task %s (%s)", s.target.TaskID, s.status)
	case gateway.EventClaudeCodeMessage:
		var d gateway.StreamEntryData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return ""
		}
		s.lastID = d.Offset
		if ev.ID != "" {
			s.lastID = ev.ID
		}
		line := progressLine{Type: d.Entry.MessageType, Message: d.Entry.Message}
		s.progress = append(s.progress, line)
		if len(s.progress) > maxProgressLines {
			s.progress = s.progress[len(s.progress)-maxProgressLines:]
		}
		return fmt.Sprintf("[%s] %s", line.Type, line.Message)
	case gateway.EventMessageChunk:
		var d gateway.StreamChunkData
		if json.Unmarshal(ev.Data, &d) == nil {
			s.content = d.Content
		}
		return ""
	case gateway.EventMessageComplete:
		var d gateway.StreamCompleteData
		if json.Unmarshal(ev.Data, &d) == nil {
			s.status = d.Status
		}
		s.outcome = OutcomeComplete
		s.finished = true
		return fmt.Sprintf("task %s %s", s.target.TaskID, s.status)
	case gateway.EventTaskTimeout:
		var d gateway.StreamTimeoutData
		if json.Unmarshal(ev.Data, &d) == nil {
			s.status = d.Status
		}
		s.outcome = OutcomeTimeout
		s.finished = true
		return fmt.Sprintf("stream timed out after %ds with task still %s", d.TimeoutSeconds, s.status)
	}
	return ""
}

func (s *watchState) end(err error) {
	s.finished = true
	if s.outcome == "" {
		s.outcome = OutcomeClosed
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.err = err
	}
}

func (s *watchState) result() Result {
	return Result{
		TaskID:  s.target.TaskID,
		Status:  s.status,
		Outcome: s.outcome,
		Content: s.content,
		LastID:  s.lastID,
	}
}

// RunPlain follows the stream and prints one line per event to w, then the
// final content. Used when stdout is not a terminal.
func RunPlain(ctx context.Context, c *Client, t Target, w io.Writer) (Result, error) {
	st := &watchState{target: t}
	err := c.Stream(ctx, t, "", func(ev SSEEvent) error {
		if line := st.apply(ev); line != "" {
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
		return nil
	})
	st.end(err)
	if st.content != "" {
		fmt.Fprintf(w, "\n%s\n", st.content)
	}
	return st.result(), st.err
}

type eventMsg SSEEvent

type streamEndMsg struct{ err error }

type watchModel struct {
	state    *watchState
	viewport viewport.Model
	spinner  spinner.Model
}

func newWatchModel(t Target) watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return watchModel{
		state:    &watchState{target: t},
		viewport: viewport.New(80, 20),
		spinner:  sp,
	}
}

func (m watchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-4, 1)
		m.refresh()
		return m, nil
	case eventMsg:
		m.state.apply(SSEEvent(msg))
		m.refresh()
		return m, nil
	case streamEndMsg:
		m.state.end(msg.err)
		m.refresh()
		return m, nil
	case spinner.TickMsg:
		if m.state.finished {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *watchModel) refresh() {
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.body())
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m watchModel) body() string {
	var b strings.Builder
	for _, p := range m.state.progress {
		b.WriteString(typeStyle.Render(p.Type))
		if p.Message != "" {
			b.WriteString(" " + p.Message)
		}
		b.WriteString("\n")
	}
	if m.state.content != "" {
		if b.Len() > 0 {
			b.WriteString(dimStyle.Render(strings.Repeat("─", 20)) + "\n")
		}
		b.WriteString(bodyStyle.Render(m.state.content))
		b.WriteString("\n")
	}
	return b.String()
}

func (m watchModel) View() string {
	st := m.state
	status := st.status
	if status == "" {
		status = "connecting"
	}
	header := titleStyle.Render("task "+st.target.TaskID) + "  " + statusStyle(status).Render(status)
	if !st.finished {
		header = m.spinner.View() + " " + header
	}

	footer := dimStyle.Render("q quit • ↑/↓ scroll")
	switch {
	case st.err != nil:
		footer = errStyle.Render("stream error: "+humanError(st.err)) + "  " + footer
	case st.finished:
		footer = dimStyle.Render("stream "+st.outcome) + "  " + footer
	}
	return header + "\n\n" + m.viewport.View() + "\n" + footer
}

// Run watches the task in a full-screen view until the user quits. The stream
// is closed when Run returns.
func Run(ctx context.Context, c *Client, t Target) (Result, error) {
	defer bestEffortResetTTY()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := newWatchModel(t)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	go func() {
		err := c.Stream(ctx, t, "", func(ev SSEEvent) error {
			p.Send(eventMsg(ev))
			return nil
		})
		p.Send(streamEndMsg{err: err})
	}()

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		return m.state.result(), err
	}
	return m.state.result(), m.state.err
}
