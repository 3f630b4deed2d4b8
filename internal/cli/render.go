package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/codefionn/pairspace/internal/conversation"
	"github.com/codefionn/pairspace/internal/execution"
	"github.com/codefionn/pairspace/internal/filetree"
	"github.com/codefionn/pairspace/internal/protocol"
	"github.com/codefionn/pairspace/internal/session"
)

var (
	selfStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	peerStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("111")).Bold(true)
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	alertStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	okStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	titleStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Padding(0, 1)
	currentStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	fileStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

// Renderer formats session state for the terminal. Assistant replies are
// markdown and go through glamour.
type Renderer struct {
	self  protocol.Participant
	md    *glamour.TermRenderer
	width int
	plain bool
}

// NewRenderer creates a renderer wrapping at width. Plain output carries no
// ANSI styling.
func NewRenderer(self protocol.Participant, width int, plain bool) *Renderer {
	if width < 20 {
		width = 80
	}
	r := &Renderer{self: self, width: width, plain: plain}

	opts := []glamour.TermRendererOption{
		glamour.WithWordWrap(width - 4),
		glamour.WithPreservedNewLines(),
	}
	if plain {
		opts = append(opts, glamour.WithStandardStyle("notty"))
	} else {
		opts = append(opts, glamour.WithAutoStyle())
	}
	md, err := glamour.NewTermRenderer(opts...)
	if err == nil {
		r.md = md
	}
	return r
}

// Width returns the wrap width.
func (r *Renderer) Width() int {
	return r.width
}

func (r *Renderer) style(s lipgloss.Style, text string) string {
	if r.plain {
		return text
	}
	return s.Render(text)
}

func (r *Renderer) markdown(text string) string {
	if r.md == nil {
		return text + "\n"
	}
	out, err := r.md.Render(text)
	if err != nil {
		return text + "\n"
	}
	return out
}

// Entry renders one transcript entry.
func (r *Renderer) Entry(e conversation.Entry) string {
	var header string
	switch {
	case e.Sender.IsAssistant():
		header = r.style(assistantStyle, e.Sender.Label())
	case e.Sender.ID == r.self.ID:
		header = r.style(selfStyle, "You")
	default:
		header = r.style(peerStyle, e.Sender.Label())
	}
	if !e.ReceivedAt.IsZero() {
		header += " " + r.style(dimStyle, e.ReceivedAt.Format("15:04"))
	}

	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteString("\n")
	switch e.Kind {
	case conversation.KindAssistant:
		sb.WriteString(r.markdown(e.Text))
	case conversation.KindCode:
		sb.WriteString(r.markdown(e.Text))
		sb.WriteString(r.style(okStyle, "updated "+strings.Join(e.Files, ", ")))
		sb.WriteString("\n")
	case conversation.KindDegraded:
		sb.WriteString(r.style(warnStyle, e.Text))
		sb.WriteString("\n")
		if e.Reason != "" {
			sb.WriteString(r.style(dimStyle, "("+e.Reason+")"))
			sb.WriteString("\n")
		}
	default:
		sb.WriteString(e.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Tree lists the files, marking the current one.
func (r *Renderer) Tree(tree filetree.Tree, current string) string {
	paths := tree.Paths()
	if len(paths) == 0 {
		return r.style(dimStyle, "no files yet") + "\n"
	}
	var sb strings.Builder
	for _, p := range paths {
		size := len(tree[p].Contents())
		if p == current {
			sb.WriteString(r.style(currentStyle, "* "+p))
		} else {
			sb.WriteString("  " + p)
		}
		sb.WriteString(r.style(dimStyle, fmt.Sprintf("  %dB", size)))
		sb.WriteString("\n")
	}
	return sb.String()
}

// File shows a file's contents.
func (r *Renderer) File(name, contents string) string {
	if r.plain {
		return "== " + name + " ==\n" + contents + "\n"
	}
	return r.style(titleStyle, name) + "\n" + fileStyle.Width(r.width-2).Render(contents) + "\n"
}

// Users shows the members and the add and remove candidates.
func (r *Renderer) Users(view session.View) string {
	var sb strings.Builder
	owner, _ := protocol.OwnerOf(view.Project)
	sb.WriteString(r.style(titleStyle, "members"))
	sb.WriteString("\n")
	for _, u := range view.Project.Users {
		line := "  " + u.Label() + r.style(dimStyle, " "+u.ID)
		if u.ID == owner.ID {
			line += r.style(okStyle, " owner")
		}
		sb.WriteString(line + "\n")
	}
	writeList := func(title string, users []protocol.Participant) {
		if len(users) == 0 {
			return
		}
		sb.WriteString(r.style(titleStyle, title))
		sb.WriteString("\n")
		for _, u := range users {
			sb.WriteString("  " + u.Label() + r.style(dimStyle, " "+u.ID) + "\n")
		}
	}
	writeList("can add", view.Candidates)
	writeList("can remove", view.Removable)
	return sb.String()
}

// RunEvent describes a run state transition.
func (r *Renderer) RunEvent(ev execution.Event) string {
	switch ev.State {
	case execution.StateRunning:
		return r.style(okStyle, fmt.Sprintf("running on port %d: %s", ev.Port, ev.URL)) + "\n"
	case execution.StateExited:
		return r.style(dimStyle, fmt.Sprintf("process exited with code %d", ev.Code)) + "\n"
	case execution.StateFailed:
		return r.style(alertStyle, "run failed") + "\n"
	case execution.StateIdle:
		return ""
	default:
		return r.style(dimStyle, ev.State.String()+"...") + "\n"
	}
}

// Alert renders a user-facing error.
func (r *Renderer) Alert(msg string) string {
	return r.style(alertStyle, "! "+msg) + "\n"
}

// Header renders the project title line.
func (r *Renderer) Header(project protocol.Project, state execution.State, preview string) string {
	name := project.Name
	if name == "" {
		name = project.ID
	}
	status := state.String()
	if preview != "" {
		status += " " + preview
	}
	return r.style(titleStyle, "pairspace · "+name) + " " + r.style(dimStyle, status)
}
