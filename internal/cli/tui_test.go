package cli

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/pairspace/internal/conversation"
	"github.com/codefionn/pairspace/internal/execution"
	"github.com/codefionn/pairspace/internal/protocol"
)

func newTestModel(t *testing.T, fake *fakeSession) (*Model, *TeaObserver) {
	t.Helper()
	r := NewRenderer(alice, 80, true)
	obs := NewTeaObserver(8)
	t.Cleanup(obs.Detach)
	m := NewModel(context.Background(), NewExecutor(fake, r), r, obs, fake.view.Project)
	m.Update(tea.WindowSizeMsg{Width: 80, Height: 30})
	return m, obs
}

func typeLine(m *Model, line string) tea.Cmd {
	m.input.SetValue(line)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return cmd
}

func TestModelRendersHistoryAndHeader(t *testing.T) {
	fake := newFake()
	fake.entries = []conversation.Entry{
		conversation.TextEntry(protocol.Participant{ID: "u2", Email: "bob@example.com"}, "hi all"),
	}
	m, _ := newTestModel(t, fake)

	view := m.View()
	assert.Contains(t, view, "pairspace · demo")
	assert.Contains(t, view, "bob@example.com")
	assert.Contains(t, view, "hi all")
}

func TestModelSubmitsCommands(t *testing.T) {
	fake := newFake()
	m, _ := newTestModel(t, fake)

	cmd := typeLine(m, "/ls")
	require.NotNil(t, cmd)
	m.Update(cmd())
	assert.Contains(t, m.View(), "package.json")
	assert.Empty(t, m.input.Value())

	cmd = typeLine(m, "hello")
	require.NotNil(t, cmd)
	m.Update(cmd())
	assert.Equal(t, []string{"say hello"}, fake.Calls())

	assert.Nil(t, typeLine(m, "/nope"))
	assert.Contains(t, m.View(), "unknown command /nope")
}

func TestModelQuits(t *testing.T) {
	m, _ := newTestModel(t, newFake())

	cmd := typeLine(m, "/quit")
	require.NotNil(t, cmd)
	_, quit := m.Update(cmd())
	require.NotNil(t, quit)
	assert.IsType(t, tea.QuitMsg{}, quit())
}

func TestTeaObserverFeedsModel(t *testing.T) {
	m, obs := newTestModel(t, newFake())

	obs.RunStateChanged(execution.Event{State: execution.StateRunning, Port: 3000, URL: "http://localhost:3000"})
	obs.Alert("install failed")

	next := obs.wait()
	for i := 0; i < 2; i++ {
		var msg tea.Msg
		done := make(chan struct{})
		go func() {
			msg = next()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("no notification")
		}
		_, next = m.Update(msg)
		require.NotNil(t, next)
	}

	view := m.View()
	assert.Contains(t, view, "running http://localhost:3000")
	assert.Contains(t, view, "running on port 3000")
	assert.Contains(t, view, "! install failed")
}
