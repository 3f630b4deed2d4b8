package cli

import (
	"fmt"
	"io"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/codefionn/pairspace/internal/conversation"
	"github.com/codefionn/pairspace/internal/execution"
	"github.com/codefionn/pairspace/internal/filetree"
	"github.com/codefionn/pairspace/internal/protocol"
)

type entryMsg struct{ entry conversation.Entry }

type treeMsg struct {
	tree    filetree.Tree
	current string
}

type runMsg struct{ ev execution.Event }

type projectMsg struct{ project protocol.Project }

type alertMsg struct{ text string }

// TeaObserver forwards session notifications to the TUI as tea messages.
// It buffers until the program starts reading.
type TeaObserver struct {
	events chan tea.Msg
	done   chan struct{}
	once   sync.Once
}

// NewTeaObserver creates an observer with room for size pending messages.
func NewTeaObserver(size int) *TeaObserver {
	return &TeaObserver{
		events: make(chan tea.Msg, size),
		done:   make(chan struct{}),
	}
}

// Detach stops delivery; pending and later notifications are dropped.
func (o *TeaObserver) Detach() {
	o.once.Do(func() { close(o.done) })
}

func (o *TeaObserver) send(msg tea.Msg) {
	select {
	case o.events <- msg:
	case <-o.done:
	}
}

// wait returns a command that yields the next notification.
func (o *TeaObserver) wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-o.events:
			return msg
		case <-o.done:
			return nil
		}
	}
}

func (o *TeaObserver) EntryAppended(e conversation.Entry) { o.send(entryMsg{e}) }

func (o *TeaObserver) TreeChanged(tree filetree.Tree, current string) {
	o.send(treeMsg{tree: tree, current: current})
}

func (o *TeaObserver) RunStateChanged(ev execution.Event) { o.send(runMsg{ev}) }

func (o *TeaObserver) ProjectChanged(p protocol.Project) { o.send(projectMsg{p}) }

func (o *TeaObserver) Alert(msg string) { o.send(alertMsg{msg}) }

// PrintObserver writes notifications to a stream as they arrive. It is the
// observer of the line-oriented console.
type PrintObserver struct {
	mu       sync.Mutex
	out      io.Writer
	renderer *Renderer
}

// NewPrintObserver creates an observer writing to out.
func NewPrintObserver(out io.Writer, r *Renderer) *PrintObserver {
	return &PrintObserver{out: out, renderer: r}
}

func (o *PrintObserver) write(s string) {
	if s == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	_, _ = io.WriteString(o.out, s)
}

func (o *PrintObserver) EntryAppended(e conversation.Entry) {
	o.write(o.renderer.Entry(e))
}

func (o *PrintObserver) TreeChanged(tree filetree.Tree, current string) {
	msg := fmt.Sprintf("files: %d", len(tree))
	if current != "" {
		msg += ", open: " + current
	}
	o.write(o.renderer.style(dimStyle, msg) + "\n")
}

func (o *PrintObserver) RunStateChanged(ev execution.Event) {
	o.write(o.renderer.RunEvent(ev))
}

func (o *PrintObserver) ProjectChanged(p protocol.Project) {
	o.write(o.renderer.style(dimStyle, fmt.Sprintf("%s has %d members", p.Name, len(p.Users))) + "\n")
}

func (o *PrintObserver) Alert(msg string) {
	o.write(o.renderer.Alert(msg))
}
