// Package tui provides the live terminal monitor for a running
// orchestrator: slot usage, queue depths, delivery metrics, and the
// most recent bus events.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/conduit-orch/conduit/internal/bus"
	"github.com/conduit-orch/conduit/internal/orchestrator"
	"github.com/conduit-orch/conduit/pkg/models"
)

// maxEventLines bounds the event log panel.
const maxEventLines = 8

// tickMsg drives the periodic status refresh.
type tickMsg time.Time

// eventMsg wraps one bus event for the model.
type eventMsg bus.Event

// eventLine is a rendered entry in the event panel.
type eventLine struct {
	at   time.Time
	text string
}

// Monitor is the bubbletea model for the live status view.
type Monitor struct {
	orch    *orchestrator.Orchestrator
	refresh time.Duration

	status   orchestrator.Status
	depths   map[models.Priority]int
	events   []eventLine
	spinner  spinner.Model
	width    int
	quitting bool

	titleStyle lipgloss.Style
	labelStyle lipgloss.Style
	valueStyle lipgloss.Style
	errStyle   lipgloss.Style
	dimStyle   lipgloss.Style
}

// NewMonitor creates a Monitor over a running orchestrator.
func NewMonitor(orch *orchestrator.Orchestrator, refresh time.Duration) *Monitor {
	if refresh <= 0 {
		refresh = 250 * time.Millisecond
	}

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return &Monitor{
		orch:    orch,
		refresh: refresh,
		spinner: sp,

		titleStyle: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		labelStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		valueStyle: lipgloss.NewStyle().Bold(true),
		errStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		dimStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// Run starts the monitor and blocks until it exits.
func (m *Monitor) Run() error {
	_, err := tea.NewProgram(m).Run()
	return err
}

// Init implements tea.Model.
func (m *Monitor) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.tick(), m.nextEvent())
}

// tick schedules the next status refresh.
func (m *Monitor) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// nextEvent waits for one bus event.
func (m *Monitor) nextEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.orch.Events()
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

// Update implements tea.Model.
func (m *Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		m.status = m.orch.Status()
		m.depths = m.orch.QueueDepths()
		return m, m.tick()

	case eventMsg:
		m.pushEvent(bus.Event(msg))
		return m, m.nextEvent()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// pushEvent appends a rendered event line, trimming the panel.
func (m *Monitor) pushEvent(ev bus.Event) {
	text := string(ev.Type)
	switch {
	case ev.Err != nil:
		text = fmt.Sprintf("%s %s: %v", ev.Type, ev.AgentID, ev.Err)
	case ev.AgentID != "":
		text = fmt.Sprintf("%s %s %s", ev.Type, ev.AgentID, ev.Detail)
	case ev.ChainID != "":
		text = fmt.Sprintf("%s %s %s", ev.Type, ev.ChainID, ev.Detail)
	case ev.Detail != "":
		text = fmt.Sprintf("%s %s", ev.Type, ev.Detail)
	}

	m.events = append(m.events, eventLine{at: ev.Timestamp, text: text})
	if len(m.events) > maxEventLines {
		m.events = m.events[len(m.events)-maxEventLines:]
	}
}

// View implements tea.Model.
func (m *Monitor) View() string {
	if m.quitting {
		return ""
	}

	s := m.status
	out := fmt.Sprintf("%s %s\n\n", m.spinner.View(), m.titleStyle.Render("conduit monitor"))

	out += fmt.Sprintf("  %s %s   %s %s   %s %s   %s %s   %s %s\n",
		m.labelStyle.Render("active"), m.valueStyle.Render(fmt.Sprintf("%d", s.Active)),
		m.labelStyle.Render("queued"), m.valueStyle.Render(fmt.Sprintf("%d", s.Queued)),
		m.labelStyle.Render("pending"), m.valueStyle.Render(fmt.Sprintf("%d", s.Pending)),
		m.labelStyle.Render("completed"), m.valueStyle.Render(fmt.Sprintf("%d", s.Completed)),
		m.labelStyle.Render("failed"), m.errStyle.Render(fmt.Sprintf("%d", s.Failed)),
	)

	out += fmt.Sprintf("  %s %s   %s %s   %s %s\n",
		m.labelStyle.Render("throughput"), m.valueStyle.Render(fmt.Sprintf("%.1f/s", s.Metrics.Throughput)),
		m.labelStyle.Render("latency"), m.valueStyle.Render(s.Metrics.EMALatency.Round(time.Millisecond).String()),
		m.labelStyle.Render("dropped"), m.valueStyle.Render(fmt.Sprintf("%d", s.Metrics.Dropped)),
	)

	out += "\n  " + m.labelStyle.Render("queues") + "  "
	for _, p := range []models.Priority{
		models.PriorityCritical, models.PriorityHigh, models.PriorityNormal, models.PriorityLow,
	} {
		out += fmt.Sprintf("%s:%d  ", p.String(), m.depths[p])
	}
	out += "\n\n"

	if len(m.events) == 0 {
		out += m.dimStyle.Render("  no events yet") + "\n"
	}
	for _, e := range m.events {
		out += m.dimStyle.Render(fmt.Sprintf("  %s  ", e.at.Format("15:04:05"))) + e.text + "\n"
	}

	out += "\n" + m.dimStyle.Render("  q to quit") + "\n"
	return out
}
