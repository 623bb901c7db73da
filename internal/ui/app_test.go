package ui

import (
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plated/internal/model"
	"plated/internal/progress"
)

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out, cmd
}

func TestSnapshotsDriveThePhaseList(t *testing.T) {
	feed := make(chan progress.Snapshot, 4)
	m := New(feed, []string{"scan", "cluster"}, nil)

	feed <- progress.Snapshot{Phase: "cluster", State: progress.StateRunning}
	m, cmd := update(t, m, snapshotMsg(progress.Snapshot{
		Phase: "scan", State: progress.StateRunning, Processed: 1200, Total: 5000, Rate: 40, ETA: 95e9, HasRate: true,
	}))
	require.NotNil(t, cmd)
	assert.Equal(t, "scan", m.current)

	// The returned command pulls the next snapshot off the feed.
	next := cmd()
	assert.Equal(t, snapshotMsg(progress.Snapshot{Phase: "cluster", State: progress.StateRunning}), next)

	view := m.View()
	assert.Contains(t, view, "1,200 / 5,000")
	assert.Contains(t, view, "eta 1m 35s")
	assert.Contains(t, view, "waiting")

	m, _ = update(t, m, snapshotMsg(progress.Snapshot{Phase: "scan", State: progress.StateDone, Processed: 5000, Detail: "5000 new"}))
	assert.Empty(t, m.current)

	m, _ = update(t, m, snapshotMsg(progress.Snapshot{Phase: "import", State: progress.StateSkipped}))
	assert.Equal(t, []string{"scan", "cluster", "import"}, m.phases)
	assert.Contains(t, m.View(), "skipped")
}

func TestFeedClosed(t *testing.T) {
	feed := make(chan progress.Snapshot)
	close(feed)
	assert.Equal(t, feedClosedMsg{}, waitForSnapshot(feed)())
}

func TestInterruptCancelsThenQuits(t *testing.T) {
	cancelled := 0
	m := New(make(chan progress.Snapshot), nil, func() { cancelled++ })

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.Nil(t, cmd)
	assert.Equal(t, 1, cancelled)
	assert.Contains(t, m.View(), "Stopping")

	_, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Equal(t, 1, cancelled)
}

func TestDoneShowsSummaryAndQuits(t *testing.T) {
	m := New(make(chan progress.Snapshot), []string{"scan"}, nil)

	m, _ = update(t, m, model.ErrorMsg{Err: errors.New("calendar: permission denied")})
	m, cmd := update(t, m, model.PipelineDoneMsg{
		VisitsCreated:   3,
		PhotosProcessed: 1500,
		FoodVisitsFound: 2,
		PhaseErrors:     []string{"food: classifier unavailable"},
	})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())

	view := m.View()
	assert.Contains(t, view, "1,500")
	assert.Contains(t, view, "food: classifier unavailable")
	assert.Contains(t, view, "permission denied")
}

func TestHelpToggle(t *testing.T) {
	m := New(make(chan progress.Snapshot), nil, nil)
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'?'}})
	assert.True(t, m.help.ShowAll)
	assert.Contains(t, m.View(), "quit when finished")
}
