// Package tui is a compact terminal dashboard for a running pgcdc
// pipeline: phase, LSN position and lag, table copy progress, and the
// tail of recent log lines, refreshed as the metrics.Collector
// publishes snapshots.
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/pgcdc/internal/metrics"
)

var (
	colorPrimary = lipgloss.Color("#7C3AED")
	colorSuccess = lipgloss.Color("#10B981")
	colorWarning = lipgloss.Color("#F59E0B")
	colorDanger  = lipgloss.Color("#EF4444")
	colorMuted   = lipgloss.Color("#6B7280")
	colorBorder  = lipgloss.Color("#374151")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFFFF")).Background(colorPrimary).Padding(0, 1)
	labelStyle = lipgloss.NewStyle().Foreground(colorMuted)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorBorder).Padding(0, 1)
	helpStyle  = lipgloss.NewStyle().Foreground(colorMuted)

	statusStyles = map[metrics.TableStatus]lipgloss.Style{
		metrics.TablePending:   lipgloss.NewStyle().Foreground(colorMuted),
		metrics.TableCopying:   lipgloss.NewStyle().Foreground(colorWarning),
		metrics.TableCopied:    lipgloss.NewStyle().Foreground(colorSuccess),
		metrics.TableStreaming: lipgloss.NewStyle().Foreground(colorPrimary),
	}
	logLevelStyles = map[string]lipgloss.Style{
		"error": lipgloss.NewStyle().Foreground(colorDanger),
		"warn":  lipgloss.NewStyle().Foreground(colorWarning),
	}
)

type snapshotMsg metrics.Snapshot

// Model is the Bubble Tea model driving the dashboard.
type Model struct {
	collector *metrics.Collector
	sub       chan metrics.Snapshot
	snapshot  metrics.Snapshot

	width  int
	height int
	ready  bool

	errCh <-chan error
	err   error
}

// NewModel creates a Model reading from collector. errCh, if non-nil, is
// waited on once the dashboard is ready, so the dashboard can surface the
// pipeline's terminal error (if any) and quit alongside it.
func NewModel(collector *metrics.Collector, errCh <-chan error) Model {
	return Model{collector: collector, errCh: errCh}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func waitForSnapshot(sub chan metrics.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-sub
		if !ok {
			return nil
		}
		return snapshotMsg(snap)
	}
}

type pipelineErrMsg struct{ err error }

func waitForErr(errCh <-chan error) tea.Cmd {
	if errCh == nil {
		return nil
	}
	return func() tea.Msg {
		err, ok := <-errCh
		if !ok {
			return nil
		}
		return pipelineErrMsg{err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.sub != nil {
				m.collector.Unsubscribe(m.sub)
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.ready {
			m.ready = true
			m.sub = m.collector.Subscribe()
			return m, tea.Batch(waitForSnapshot(m.sub), waitForErr(m.errCh))
		}

	case snapshotMsg:
		m.snapshot = metrics.Snapshot(msg)
		return m, waitForSnapshot(m.sub)

	case pipelineErrMsg:
		m.err = msg.err
		return m, tea.Quit
	}

	return m, nil
}

func (m Model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	w := m.width
	snap := m.snapshot

	var sections []string
	sections = append(sections, titleStyle.Width(w).Render(" pgcdc"))
	sections = append(sections, boxStyle.Width(w-2).Render(renderHeader(snap)))
	sections = append(sections, boxStyle.Width(w-2).Render(renderTables(snap)))

	logHeight := m.height - 14
	if logHeight < 3 {
		logHeight = 3
	}
	sections = append(sections, boxStyle.Width(w-2).Render(renderLogs(m.collector.Logs(), logHeight)))

	if m.err != nil {
		sections = append(sections, lipgloss.NewStyle().Foreground(colorDanger).Render("error: "+m.err.Error()))
	}
	sections = append(sections, helpStyle.Render("  q: quit"))

	return strings.Join(sections, "\n")
}

func renderHeader(snap metrics.Snapshot) string {
	return fmt.Sprintf(
		"%s %s    %s %.0fs    %s %s (lag %s)    %s %.0f rows/s",
		labelStyle.Render("phase"), valueStyle.Render(snap.Phase),
		labelStyle.Render("elapsed"), snap.ElapsedSec,
		labelStyle.Render("lsn"), valueStyle.Render(snap.AppliedLSN), snap.LagFormatted,
		labelStyle.Render("throughput"), snap.RowsPerSec,
	)
}

func renderTables(snap metrics.Snapshot) string {
	if len(snap.Tables) == 0 {
		return labelStyle.Render("no tables tracked yet")
	}
	var lines []string
	lines = append(lines, fmt.Sprintf("tables: %d/%d copied", snap.TablesCopied, snap.TablesTotal))
	for _, t := range snap.Tables {
		style, ok := statusStyles[t.Status]
		if !ok {
			style = valueStyle
		}
		lines = append(lines, fmt.Sprintf("  %s.%-24s %s  %5.1f%%  (%d/%d rows)",
			t.Schema, t.Name, style.Render(string(t.Status)), t.Percent, t.RowsCopied, t.RowsTotal))
	}
	return strings.Join(lines, "\n")
}

func renderLogs(entries []metrics.LogEntry, n int) string {
	if len(entries) == 0 {
		return labelStyle.Render("(no logs yet)")
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	var lines []string
	for _, e := range entries {
		style, ok := logLevelStyles[e.Level]
		if !ok {
			style = valueStyle
		}
		lines = append(lines, fmt.Sprintf("%s %s", style.Render(strings.ToUpper(e.Level)), e.Message))
	}
	return strings.Join(lines, "\n")
}

// Run starts the dashboard in fullscreen mode, reading snapshots from
// collector until the user quits or errCh (if given) delivers a
// terminal pipeline error.
func Run(collector *metrics.Collector, errCh <-chan error) error {
	model := NewModel(collector, errCh)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	if err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}
