package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	bar "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"plated/internal/model"
	"plated/internal/progress"
	"plated/internal/util"
)

// snapshotMsg carries one progress observation into the update loop.
type snapshotMsg progress.Snapshot

// feedClosedMsg is sent when the snapshot channel is closed.
type feedClosedMsg struct{}

// waitForSnapshot blocks on the feed and turns the next snapshot into a message.
func waitForSnapshot(feed <-chan progress.Snapshot) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-feed
		if !ok {
			return feedClosedMsg{}
		}
		return snapshotMsg(s)
	}
}

// Model is the root Bubble Tea model: a live view of one pipeline run.
type Model struct {
	feed   <-chan progress.Snapshot
	cancel context.CancelFunc

	phases  []string
	latest  map[string]progress.Snapshot
	current string

	bar     bar.Model
	spinner spinner.Model
	help    help.Model
	keys    KeyMap

	width      int
	error      string
	cancelling bool
	done       *model.PipelineDoneMsg
}

// New creates a progress view for the given phases. cancel is invoked on
// the first interrupt; a second interrupt quits immediately.
func New(feed <-chan progress.Snapshot, phases []string, cancel context.CancelFunc) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(ColorAccent)

	return Model{
		feed:    feed,
		cancel:  cancel,
		phases:  append([]string(nil), phases...),
		latest:  make(map[string]progress.Snapshot, len(phases)),
		bar:     bar.New(bar.WithGradient(string(ColorSurface), string(ColorAccent)), bar.WithoutPercentage()),
		spinner: sp,
		help:    help.New(),
		keys:    DefaultKeyMap(),
		width:   80,
	}
}

// Init starts the spinner and the snapshot pump.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForSnapshot(m.feed))
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Cancel):
			if m.done != nil || m.cancelling {
				return m, tea.Quit
			}
			m.cancelling = true
			if m.cancel != nil {
				m.cancel()
			}
			return m, nil
		case key.Matches(msg, m.keys.Quit):
			if m.done != nil {
				return m, tea.Quit
			}
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
		}
		return m, nil

	case snapshotMsg:
		s := progress.Snapshot(msg)
		if _, known := m.latest[s.Phase]; !known && !m.hasPhase(s.Phase) {
			m.phases = append(m.phases, s.Phase)
		}
		m.latest[s.Phase] = s
		if s.State == progress.StateRunning {
			m.current = s.Phase
		} else if m.current == s.Phase {
			m.current = ""
		}
		return m, waitForSnapshot(m.feed)

	case feedClosedMsg:
		return m, nil

	case model.ErrorMsg:
		m.error = msg.Err.Error()
		return m, nil

	case model.PipelineDoneMsg:
		m.done = &msg
		m.current = ""
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) hasPhase(phase string) bool {
	for _, p := range m.phases {
		if p == phase {
			return true
		}
	}
	return false
}

// View renders the model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render("plated"))
	b.WriteString("\n\n")

	for _, phase := range m.phases {
		b.WriteString(m.phaseLine(phase))
		b.WriteString("\n")
	}

	if s, ok := m.latest[m.current]; ok && m.current != "" {
		b.WriteString("\n")
		width := max(m.width-4, 10)
		m.bar.Width = min(width, 60)
		b.WriteString("  " + m.bar.ViewAs(s.Fraction()))
		b.WriteString("\n")
	}

	if m.error != "" {
		b.WriteString("\n" + ErrorStyle.Render("Error: "+m.error) + "\n")
	}

	if m.done != nil {
		b.WriteString("\n" + m.summaryView() + "\n")
	} else if m.cancelling {
		b.WriteString("\n" + WarnStyle.Render("Stopping after the current batch... (ctrl+c again to quit now)") + "\n")
	}

	b.WriteString(FooterStyle.Render(m.help.View(m.keys)))
	return b.String()
}

func (m Model) phaseLine(phase string) string {
	s, ok := m.latest[phase]
	if !ok {
		return "  " + PhaseStyle.Render(phase) + DetailStyle.Render("waiting")
	}

	switch s.State {
	case progress.StateRunning:
		line := m.spinner.View() + " " + ActivePhaseStyle.Render(phase) + counts(s)
		if s.HasRate {
			line += DetailStyle.Render(fmt.Sprintf("  %s  eta %s", util.FormatRate(s.Rate), util.FormatETA(s.ETA)))
		}
		if s.Detail != "" {
			line += DetailStyle.Render("  " + util.TruncateString(s.Detail, 40))
		}
		return line
	case progress.StateDone:
		return SuccessStyle.Render("✓ ") + PhaseStyle.Render(phase) + counts(s) + DetailStyle.Render("  "+s.Detail)
	case progress.StateSkipped:
		return "  " + PhaseStyle.Render(phase) + SkippedStyle.Render("skipped "+s.Detail)
	case progress.StateFailed:
		return ErrorStyle.Render("✗ ") + PhaseStyle.Render(phase) + ErrorStyle.Render(s.Detail)
	}
	return "  " + PhaseStyle.Render(phase)
}

func counts(s progress.Snapshot) string {
	text := util.FormatCount(s.Processed)
	if s.Total > 0 {
		text += " / " + util.FormatCount(s.Total)
	}
	if s.Found > 0 {
		text += fmt.Sprintf(" (%s found)", util.FormatCount(s.Found))
	}
	return text
}

func (m Model) summaryView() string {
	d := m.done
	lines := []string{
		fmt.Sprintf("Photos scanned:       %s", util.FormatCount(d.PhotosProcessed)),
		fmt.Sprintf("Visits created:       %s", util.FormatCount(d.VisitsCreated)),
		fmt.Sprintf("Food visits:          %s", util.FormatCount(d.FoodVisitsFound)),
		fmt.Sprintf("With calendar events: %s", util.FormatCount(d.VisitsWithCalendarEvents)),
	}
	for _, e := range d.PhaseErrors {
		lines = append(lines, ErrorStyle.Render(e))
	}
	return PanelStyle.Render(strings.Join(lines, "\n"))
}
