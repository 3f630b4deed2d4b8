package cli

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/codefionn/pairspace/internal/execution"
	"github.com/codefionn/pairspace/internal/protocol"
)

const defaultInputPlaceholder = "message, or /help for commands"

type resultMsg struct {
	out string
	err error
}

// Model is the bubbletea model of the full-screen console.
type Model struct {
	ctx      context.Context
	exec     *Executor
	renderer *Renderer
	observer *TeaObserver

	viewport viewport.Model
	input    textinput.Model
	blocks   []string
	ready    bool

	project    protocol.Project
	runState   execution.State
	previewURL string
}

// NewModel creates the console model. History is rendered first.
func NewModel(ctx context.Context, exec *Executor, r *Renderer, obs *TeaObserver, project protocol.Project) *Model {
	ti := textinput.New()
	ti.Placeholder = defaultInputPlaceholder
	ti.Prompt = "│ "
	ti.CharLimit = 10000
	ti.Focus()

	vp := viewport.New(r.Width(), 20)

	m := &Model{
		ctx:      ctx,
		exec:     exec,
		renderer: r,
		observer: obs,
		viewport: vp,
		input:    ti,
		project:  project,
	}
	for _, e := range exec.session.Transcript() {
		m.blocks = append(m.blocks, r.Entry(e))
	}
	m.refresh()
	return m
}

func (m *Model) Init() tea.Cmd {
	initialWindowSize := func() tea.Msg {
		fd := int(os.Stdout.Fd())
		if !term.IsTerminal(fd) {
			return nil
		}
		if width, height, err := term.GetSize(fd); err == nil && width > 0 && height > 0 {
			return tea.WindowSizeMsg{Width: width, Height: height}
		}
		return nil
	}
	return tea.Batch(textinput.Blink, initialWindowSize, m.observer.wait())
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.applyWindowSize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEnter:
			return m, m.submit()
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case resultMsg:
		if errors.Is(msg.err, ErrQuit) {
			return m, tea.Quit
		}
		if msg.err != nil {
			m.append(m.renderer.Alert(msg.err.Error()))
		} else {
			m.append(msg.out)
		}
		return m, nil

	case entryMsg:
		m.append(m.renderer.Entry(msg.entry))
		return m, m.observer.wait()

	case treeMsg:
		return m, m.observer.wait()

	case runMsg:
		m.runState = msg.ev.State
		switch msg.ev.State {
		case execution.StateRunning:
			m.previewURL = msg.ev.URL
		case execution.StateIdle, execution.StateExited, execution.StateFailed:
			m.previewURL = ""
		}
		m.append(m.renderer.RunEvent(msg.ev))
		return m, m.observer.wait()

	case projectMsg:
		m.project = msg.project
		return m, m.observer.wait()

	case alertMsg:
		m.append(m.renderer.Alert(msg.text))
		return m, m.observer.wait()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) View() string {
	if !m.ready {
		return "\n  Connecting..."
	}

	var sb strings.Builder
	sb.WriteString(m.renderer.Header(m.project, m.runState, m.previewURL))
	sb.WriteString("\n\n")
	sb.WriteString(m.viewport.View())
	sb.WriteString("\n\n")
	sb.WriteString(m.input.View())
	return sb.String()
}

func (m *Model) submit() tea.Cmd {
	line := strings.TrimSpace(m.input.Value())
	m.input.Reset()
	if line == "" {
		return nil
	}
	cmd, err := Parse(line)
	if err != nil {
		m.append(m.renderer.Alert(err.Error()))
		return nil
	}
	ctx, exec := m.ctx, m.exec
	return func() tea.Msg {
		out, err := exec.Execute(ctx, cmd)
		return resultMsg{out: out, err: err}
	}
}

func (m *Model) applyWindowSize(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	vpHeight := height - 5
	if vpHeight < 1 {
		vpHeight = 1
	}
	m.viewport.Width = width
	m.viewport.Height = vpHeight
	m.input.Width = width - 4
	m.ready = true
	m.refresh()
}

func (m *Model) append(block string) {
	if block == "" {
		return
	}
	m.blocks = append(m.blocks, block)
	m.refresh()
}

func (m *Model) refresh() {
	m.viewport.SetContent(strings.Join(m.blocks, "\n"))
	m.viewport.GotoBottom()
}

// RunTUI runs the full-screen console until the user quits or ctx is done.
func RunTUI(ctx context.Context, model *Model) error {
	defer model.observer.Detach()

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// Interactive reports whether both stdin and stdout are terminals.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// TerminalWidth returns the width of stdout, or 80 when it is not a terminal.
func TerminalWidth() int {
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		return width
	}
	return 80
}
