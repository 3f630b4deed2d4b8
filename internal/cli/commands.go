// Package cli is the interactive console front end of a project session.
package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/codefionn/pairspace/internal/conversation"
	"github.com/codefionn/pairspace/internal/session"
)

// Session is the part of session.Controller the console drives.
type Session interface {
	SendMessage(ctx context.Context, text string) error
	CreateFile(ctx context.Context, name string) error
	EditFile(ctx context.Context, name, contents string) error
	DeleteFile(ctx context.Context, name string) error
	OpenFile(ctx context.Context, name string) error
	Run(ctx context.Context) error
	Stop()
	View(ctx context.Context) (session.View, error)
	AddCollaborators(ctx context.Context, userIDs []string) error
	RemoveCollaborators(ctx context.Context, userIDs []string) error
	Transcript() []conversation.Entry
}

// ErrQuit is returned by Execute for the quit command.
var ErrQuit = errors.New("quit")

// Command is one parsed input line.
type Command struct {
	Name string
	Args []string
	// Rest is the raw text after the command name.
	Rest string
}

type commandSpec struct {
	usage   string
	help    string
	minArgs int
}

var commands = map[string]commandSpec{
	"say":    {"/say <text>", "send a chat message (plain lines do the same)", 1},
	"ls":     {"/ls", "list project files", 0},
	"cat":    {"/cat [file]", "show a file, the open one by default", 0},
	"open":   {"/open <file>", "make a file the current one", 1},
	"new":    {"/new <file>", "create an empty file", 1},
	"edit":   {"/edit <file> <contents>", `replace a file's contents; \n and \t are expanded`, 1},
	"rm":     {"/rm <file>", "delete a file", 1},
	"run":    {"/run", "mount, install and start the project", 0},
	"stop":   {"/stop", "stop the running project", 0},
	"users":  {"/users", "show members and who can be added", 0},
	"add":    {"/add <user-id>...", "add collaborators", 1},
	"remove": {"/remove <user-id>...", "remove collaborators", 1},
	"log":    {"/log", "reprint the conversation", 0},
	"help":   {"/help", "show this help", 0},
	"quit":   {"/quit", "leave the session", 0},
}

// Parse turns an input line into a command. Lines that do not start with a
// slash are chat messages.
func Parse(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, errors.New("empty input")
	}
	if !strings.HasPrefix(line, "/") {
		return Command{Name: "say", Args: strings.Fields(line), Rest: line}, nil
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	name = strings.ToLower(name)
	rest = strings.TrimSpace(rest)
	def, ok := commands[name]
	if !ok {
		return Command{}, fmt.Errorf("unknown command /%s, try /help", name)
	}

	cmd := Command{Name: name, Args: strings.Fields(rest), Rest: rest}
	if len(cmd.Args) < def.minArgs {
		return Command{}, fmt.Errorf("usage: %s", def.usage)
	}
	return cmd, nil
}

// Help lists the commands.
func Help() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	slices.Sort(names)

	var sb strings.Builder
	for _, name := range names {
		def := commands[name]
		fmt.Fprintf(&sb, "%-26s %s\n", def.usage, def.help)
	}
	return sb.String()
}

// Executor runs commands against a session and renders their results.
type Executor struct {
	session  Session
	renderer *Renderer
}

// NewExecutor creates an executor.
func NewExecutor(s Session, r *Renderer) *Executor {
	return &Executor{session: s, renderer: r}
}

// Execute runs cmd and returns text to show, which may be empty when the
// effect arrives through the session observer. Errors the session already
// raised as alerts are swallowed so they are shown once.
func (e *Executor) Execute(ctx context.Context, cmd Command) (string, error) {
	out, err := e.execute(ctx, cmd)
	if errors.Is(err, session.ErrAlerted) {
		return out, nil
	}
	return out, err
}

func (e *Executor) execute(ctx context.Context, cmd Command) (string, error) {
	switch cmd.Name {
	case "say":
		return "", e.session.SendMessage(ctx, cmd.Rest)

	case "ls":
		view, err := e.session.View(ctx)
		if err != nil {
			return "", err
		}
		return e.renderer.Tree(view.Tree, view.Current), nil

	case "cat":
		view, err := e.session.View(ctx)
		if err != nil {
			return "", err
		}
		name := view.Current
		if len(cmd.Args) > 0 {
			name = cmd.Args[0]
		}
		if name == "" {
			return "", errors.New("no file is open")
		}
		if !view.Tree.Has(name) {
			return "", fmt.Errorf("%w: %s", session.ErrUnknownFile, name)
		}
		return e.renderer.File(name, view.Tree[name].Contents()), nil

	case "open":
		return "", e.session.OpenFile(ctx, cmd.Args[0])

	case "new":
		return "", e.session.CreateFile(ctx, cmd.Args[0])

	case "edit":
		_, contents, _ := strings.Cut(cmd.Rest, " ")
		return "", e.session.EditFile(ctx, cmd.Args[0], expandEscapes(contents))

	case "rm":
		return "", e.session.DeleteFile(ctx, cmd.Args[0])

	case "run":
		return "", e.session.Run(ctx)

	case "stop":
		e.session.Stop()
		return "", nil

	case "users":
		view, err := e.session.View(ctx)
		if err != nil {
			return "", err
		}
		return e.renderer.Users(view), nil

	case "add":
		return "", e.session.AddCollaborators(ctx, cmd.Args)

	case "remove":
		return "", e.session.RemoveCollaborators(ctx, cmd.Args)

	case "log":
		var sb strings.Builder
		for _, entry := range e.session.Transcript() {
			sb.WriteString(e.renderer.Entry(entry))
		}
		return sb.String(), nil

	case "help":
		return Help(), nil

	case "quit":
		return "", ErrQuit
	}
	return "", fmt.Errorf("unknown command /%s", cmd.Name)
}

var escapes = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\\`, `\`)

func expandEscapes(s string) string {
	return escapes.Replace(s)
}
