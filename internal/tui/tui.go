// Package tui renders write progress in the terminal.
package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	statusStyle = lipgloss.NewStyle().Faint(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// ProgressMsg updates the bar. Send it into the program from the session's
// progress events.
type ProgressMsg struct {
	Percentage int
	Bytes      int64
	Total      int64
}

// DoneMsg ends the program. Err is nil on a successful write.
type DoneMsg struct {
	Err error
}

// Model is the progress display.
type Model struct {
	title string
	bar   progress.Model

	pct   int
	bytes int64
	total int64
	done  bool
	err   error
}

// New creates a progress display titled with the target description.
func New(title string) Model {
	return Model{
		title: title,
		bar:   progress.New(progress.WithDefaultGradient()),
	}
}

// Err returns the error the display ended with, if any.
func (m Model) Err() error {
	return m.err
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.bar.Width = msg.Width - 4
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil
	case ProgressMsg:
		m.pct = msg.Percentage
		m.bytes = msg.Bytes
		m.total = msg.Total
		return m, nil
	case DoneMsg:
		m.done = true
		m.err = msg.Err
		if m.err == nil {
			m.pct = 100
		}
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) View() string {
	s := titleStyle.Render(m.title) + "\n\n"
	s += "  " + m.bar.ViewAs(float64(m.pct)/100) + "\n\n"
	switch {
	case m.err != nil:
		s += errStyle.Render(fmt.Sprintf("  failed: %v", m.err)) + "\n"
	case m.done:
		s += statusStyle.Render("  done") + "\n"
	default:
		s += statusStyle.Render(fmt.Sprintf("  %d%%  (%d / %d bytes)", m.pct, m.bytes, m.total)) + "\n"
	}
	return s
}
