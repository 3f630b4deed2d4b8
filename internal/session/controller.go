// Package session wires the channel, parser, file tree, transcript and run
// orchestrator together for one open project.
//
// Every state change goes through one actor mailbox, so inbound channel
// events, user actions and run notifications are applied in the order they
// arrive. Network and sandbox calls run in the calling goroutine and post
// their results back to the loop.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/codefionn/pairspace/internal/actor"
	"github.com/codefionn/pairspace/internal/aiparse"
	"github.com/codefionn/pairspace/internal/channel"
	"github.com/codefionn/pairspace/internal/consts"
	"github.com/codefionn/pairspace/internal/conversation"
	"github.com/codefionn/pairspace/internal/execution"
	"github.com/codefionn/pairspace/internal/filetree"
	"github.com/codefionn/pairspace/internal/logger"
	"github.com/codefionn/pairspace/internal/protocol"
	"github.com/codefionn/pairspace/internal/sandbox"
)

var (
	// ErrEmptyMessage rejects sending blank chat text.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrUnknownFile is returned when opening a path that is not in the tree.
	ErrUnknownFile = errors.New("no such file")
	// ErrNotRemovable rejects removing the owner, yourself or a non-member.
	ErrNotRemovable = errors.New("user cannot be removed from this project")
	// ErrNotAddable rejects adding a current member or an unknown user.
	ErrNotAddable = errors.New("user cannot be added to this project")
	// ErrNoBackend is returned by operations that need the persistence service.
	ErrNoBackend = errors.New("no persistence service configured")
	// ErrChannelUnavailable is returned by Start when the loop runs but the
	// project channel could not be reached. The session works without chat.
	ErrChannelUnavailable = errors.New("chat channel unavailable")
	// ErrAlerted marks an error the observer has already shown as an alert.
	// Front ends should not display it again.
	ErrAlerted = errors.New("already reported")
)

type alertedError struct{ err error }

func (e *alertedError) Error() string { return e.err.Error() }
func (e *alertedError) Unwrap() []error { return []error{e.err, ErrAlerted} }

func alerted(err error) error {
	if err == nil || errors.Is(err, ErrAlerted) {
		return err
	}
	return &alertedError{err: err}
}

// ProjectAPI is the part of the persistence service a session uses.
type ProjectAPI interface {
	filetree.Persister
	GetProject(ctx context.Context, projectID string) (protocol.Project, error)
	AllUsers(ctx context.Context) ([]protocol.Participant, error)
	AddUsers(ctx context.Context, projectID string, userIDs []string) (protocol.Project, error)
	RemoveUsers(ctx context.Context, projectID string, userIDs []string) (protocol.Project, error)
}

// Options configures a Controller.
type Options struct {
	Self      protocol.Participant
	ProjectID string
	// API may be nil for an offline session: nothing is loaded or persisted.
	API      ProjectAPI
	Dialer   channel.Dialer
	Run      execution.Options
	Observer Observer
	Log      *logger.Logger
}

// View is a consistent snapshot of the session's loop-owned state.
type View struct {
	Project protocol.Project
	// Candidates are directory users who are not members yet.
	Candidates []protocol.Participant
	// Removable are the members Self may remove.
	Removable  []protocol.Participant
	Current    string
	Tree       filetree.Tree
	RunState   execution.State
	PreviewURL string
}

// Controller is the composition root of one project session.
type Controller struct {
	self      protocol.Participant
	projectID string
	api       ProjectAPI
	observer  Observer
	log       *logger.Logger

	channel    *channel.Adapter
	store      *filetree.Store
	transcript *conversation.Log
	orch       *execution.Orchestrator
	ref        *actor.ActorRef
	sub        *channel.Subscription

	// owned by the loop
	project   protocol.Project
	directory []protocol.Participant
	current   string
	sandbox   sandbox.Sandbox
}

// New builds a controller. Call Start to connect and load the project.
func New(opts Options) *Controller {
	log := opts.Log
	if log == nil {
		log = logger.Global().WithPrefix("session")
	}
	observer := opts.Observer
	if observer == nil {
		observer = NopObserver{}
	}

	c := &Controller{
		self:       opts.Self,
		projectID:  opts.ProjectID,
		api:        opts.API,
		observer:   observer,
		log:        log,
		transcript: conversation.NewLog(),
		project:    protocol.Project{ID: opts.ProjectID},
	}

	var persister filetree.Persister
	if opts.API != nil {
		persister = opts.API
	}
	c.store = filetree.NewStore(opts.ProjectID, persister, log.WithPrefix("filetree"),
		filetree.WithPersistErrorHandler(c.onPersistError))
	c.channel = channel.NewAdapter(opts.Dialer, log.WithPrefix("channel"))
	c.orch = execution.New(opts.Run, c.onRunEvent, log.WithPrefix("execution"))
	c.ref = actor.NewActorRef("session-"+opts.ProjectID, loop{c}, consts.SessionMailboxSize, actor.WithLogger(log))
	return c
}

// Start runs the loop, subscribes to chat traffic and connects the channel.
// The project itself is fetched by Load. A connect failure is returned as
// ErrChannelUnavailable and leaves the session usable offline.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.ref.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	c.sub = c.channel.Subscribe(consts.ProjectMessageTopic, c.onChannelMessage)
	if err := c.channel.Connect(ctx, c.projectID); err != nil {
		c.log.Warn("channel unavailable: %v", err)
		return fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
	}
	return nil
}

// Close tears the session down: the channel first so nothing new arrives,
// then the owned process, the loop and finally pending persistence.
func (c *Controller) Close(ctx context.Context) error {
	c.channel.Unsubscribe(c.sub)
	chErr := c.channel.Close()
	c.orch.Stop()
	loopErr := c.ref.Stop(ctx)
	storeErr := c.store.Close(ctx)
	return errors.Join(chErr, loopErr, storeErr)
}

// Transcript returns the conversation so far.
func (c *Controller) Transcript() []conversation.Entry {
	return c.transcript.Snapshot()
}

// Tree returns the current file tree.
func (c *Controller) Tree() filetree.Tree {
	return c.store.Snapshot()
}

// Self returns the local participant.
func (c *Controller) Self() protocol.Participant {
	return c.self
}

// Load fetches the project and the user directory and installs the
// project's file tree as the aggregate.
func (c *Controller) Load(ctx context.Context) error {
	if c.api == nil {
		return ErrNoBackend
	}
	project, err := c.api.GetProject(ctx, c.projectID)
	if err != nil {
		c.log.Error("load project %s: %v", c.projectID, err)
		return err
	}
	users, err := c.api.AllUsers(ctx)
	if err != nil {
		// the session is usable without the directory
		c.log.Warn("load user directory: %v", err)
	}
	_, err = actor.Ask(ctx, c.ref, func(reply chan<- error) actor.Message {
		return &loadedMsg{project: project, directory: users, reply: reply}
	})
	return err
}

// View returns a snapshot of the loop-owned state.
func (c *Controller) View(ctx context.Context) (View, error) {
	return actor.Ask(ctx, c.ref, func(reply chan<- View) actor.Message {
		return &viewMsg{reply: reply}
	})
}

// SendMessage publishes text to the project and echoes it locally.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	return c.askErr(ctx, func(reply chan<- error) actor.Message {
		return &sendMsg{text: text, reply: reply}
	})
}

// CreateFile adds an empty file and makes it current. An existing name
// raises an alert and fails with filetree.ErrDuplicatePath marked with
// ErrAlerted.
func (c *Controller) CreateFile(ctx context.Context, name string) error {
	return c.askErr(ctx, func(reply chan<- error) actor.Message {
		return &fileMsg{op: opCreate, name: name, reply: reply}
	})
}

// EditFile replaces the contents of name.
func (c *Controller) EditFile(ctx context.Context, name, contents string) error {
	return c.askErr(ctx, func(reply chan<- error) actor.Message {
		return &fileMsg{op: opEdit, name: name, contents: contents, reply: reply}
	})
}

// DeleteFile removes name. Deleting a missing file is not an error.
func (c *Controller) DeleteFile(ctx context.Context, name string) error {
	return c.askErr(ctx, func(reply chan<- error) actor.Message {
		return &fileMsg{op: opDelete, name: name, reply: reply}
	})
}

// OpenFile makes name the current file.
func (c *Controller) OpenFile(ctx context.Context, name string) error {
	return c.askErr(ctx, func(reply chan<- error) actor.Message {
		return &fileMsg{op: opOpen, name: name, reply: reply}
	})
}

// ApplyDiskEdits merges files changed directly in the workspace directory.
func (c *Controller) ApplyDiskEdits(ctx context.Context, delta filetree.Tree) error {
	return c.ref.SendContext(ctx, &diskMsg{delta: delta})
}

// AttachSandbox hands the session a ready sandbox; the current tree is
// mounted into it right away.
func (c *Controller) AttachSandbox(ctx context.Context, sb sandbox.Sandbox) error {
	return c.askErr(ctx, func(reply chan<- error) actor.Message {
		return &attachMsg{sb: sb, reply: reply}
	})
}

// Run executes the current tree in the attached sandbox. It returns once the
// start command is spawned; readiness and exit arrive as run events. Every
// failure is raised as exactly one alert and returned marked with ErrAlerted.
// A run interrupted by Stop returns execution.ErrStopped unmarked.
func (c *Controller) Run(ctx context.Context) error {
	sb, err := actor.Ask(ctx, c.ref, func(reply chan<- sandbox.Sandbox) actor.Message {
		return &sandboxQuery{reply: reply}
	})
	if err != nil {
		return err
	}

	err = c.orch.Run(ctx, c.store.Snapshot(), sb)
	if err == nil || errors.Is(err, execution.ErrStopped) {
		return err
	}
	if !failureEmitted(err) {
		// rejected before the run started, so no failed event carries it
		c.post(&alertMsg{text: execution.Describe(err)})
	}
	return alerted(err)
}

// Stop kills the running application.
func (c *Controller) Stop() {
	c.orch.Stop()
}

// AddCollaborators adds directory users to the project.
func (c *Controller) AddCollaborators(ctx context.Context, userIDs []string) error {
	if c.api == nil {
		return ErrNoBackend
	}
	view, err := c.View(ctx)
	if err != nil {
		return err
	}
	for _, id := range userIDs {
		if !slices.ContainsFunc(view.Candidates, func(p protocol.Participant) bool { return p.ID == id }) {
			return fmt.Errorf("%w: %s", ErrNotAddable, id)
		}
	}

	project, err := c.api.AddUsers(ctx, c.projectID, userIDs)
	if err != nil {
		c.log.Error("add users to %s: %v", c.projectID, err)
		return err
	}
	return c.ref.SendContext(ctx, &projectMsg{project: project})
}

// RemoveCollaborators removes members. The owner and Self are never
// removable.
func (c *Controller) RemoveCollaborators(ctx context.Context, userIDs []string) error {
	if c.api == nil {
		return ErrNoBackend
	}
	view, err := c.View(ctx)
	if err != nil {
		return err
	}
	for _, id := range userIDs {
		if !slices.ContainsFunc(view.Removable, func(p protocol.Participant) bool { return p.ID == id }) {
			return fmt.Errorf("%w: %s", ErrNotRemovable, id)
		}
	}

	project, err := c.api.RemoveUsers(ctx, c.projectID, userIDs)
	if err != nil {
		c.log.Error("remove users from %s: %v", c.projectID, err)
		return err
	}
	return c.ref.SendContext(ctx, &projectMsg{project: project})
}

// loop adapts the controller to actor.Actor.
type loop struct{ c *Controller }

func (l loop) ID() string { return "session-" + l.c.projectID }
func (l loop) Start(context.Context) error { return nil }
func (l loop) Stop(context.Context) error { return nil }
func (l loop) Receive(_ context.Context, msg actor.Message) error {
	return l.c.receive(msg)
}

func (c *Controller) receive(msg actor.Message) error {
	switch m := msg.(type) {
	case *inboundMsg:
		c.handleInbound(m.data)
	case *sendMsg:
		m.reply <- c.handleSend(m.text)
	case *fileMsg:
		m.reply <- c.handleFile(m)
	case *diskMsg:
		c.handleDisk(m.delta)
	case *loadedMsg:
		c.handleLoaded(m.project, m.directory)
		m.reply <- nil
	case *projectMsg:
		c.project = m.project
		c.observer.ProjectChanged(m.project)
	case *attachMsg:
		c.sandbox = m.sb
		c.store.AttachSandbox(m.sb)
		m.reply <- nil
	case *sandboxQuery:
		m.reply <- c.sandbox
	case *runEventMsg:
		c.observer.RunStateChanged(m.ev)
		if m.ev.State == execution.StateFailed && m.ev.Err != nil {
			c.observer.Alert(execution.Describe(m.ev.Err))
		}
	case *alertMsg:
		c.observer.Alert(m.text)
	case *viewMsg:
		m.reply <- c.view()
	default:
		return fmt.Errorf("unknown message %s", msg.Type())
	}
	return nil
}

func (c *Controller) handleInbound(data json.RawMessage) {
	var msg protocol.ProjectMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("malformed %s event: %v", consts.ProjectMessageTopic, err)
		c.appendEntry(conversation.DegradedEntry(protocol.Participant{}, &aiparse.ParseError{
			Reason: err.Error(),
			Raw:    string(data),
		}))
		return
	}

	if !msg.Sender.IsAssistant() {
		c.appendEntry(conversation.TextEntry(msg.Sender, msg.BodyString()))
		return
	}

	payload, err := aiparse.ParseBody(msg.Message)
	if err != nil {
		var pe *aiparse.ParseError
		if !errors.As(err, &pe) {
			pe = &aiparse.ParseError{Reason: err.Error(), Raw: msg.BodyString()}
		}
		c.log.Warn("assistant reply degraded: %s", pe.Reason)
		c.appendEntry(conversation.DegradedEntry(msg.Sender, pe))
		return
	}
	if payload.TreeErr != nil {
		c.log.Warn("assistant file tree ignored: %v", payload.TreeErr)
	}

	c.appendEntry(conversation.PayloadEntry(msg.Sender, payload))
	if payload.Mode() == aiparse.ModeCode {
		before := c.store.Snapshot()
		tree := c.store.Merge(payload.FileTree)
		if !tree.Equal(before) {
			c.treeChanged(tree)
		}
	}
}

func (c *Controller) handleSend(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if err := c.channel.Publish(consts.ProjectMessageTopic, protocol.NewTextMessage(c.self, text)); err != nil {
		c.log.Warn("publish message: %v", err)
		return err
	}
	e := conversation.TextEntry(c.self, text)
	e.Local = true
	c.appendEntry(e)
	return nil
}

func (c *Controller) handleFile(m *fileMsg) error {
	switch m.op {
	case opCreate:
		tree, err := c.store.CreateFile(m.name, m.contents)
		if err != nil {
			if errors.Is(err, filetree.ErrDuplicatePath) {
				c.observer.Alert(fmt.Sprintf("A file named %q already exists.", m.name))
				return alerted(err)
			}
			return err
		}
		c.current, _ = filetree.ValidatePath(m.name)
		c.treeChanged(tree)
		return nil

	case opEdit:
		before := c.store.Snapshot()
		tree, err := c.store.UpdateFile(m.name, m.contents)
		if err != nil {
			return err
		}
		if !tree.Equal(before) {
			c.treeChanged(tree)
		}
		return nil

	case opDelete:
		name, err := filetree.ValidatePath(m.name)
		if err != nil {
			return err
		}
		tree, removed := c.store.DeleteFile(name)
		if !removed {
			return nil
		}
		if c.current == name {
			c.current = firstPath(tree)
		}
		c.treeChanged(tree)
		return nil

	case opOpen:
		name, err := filetree.ValidatePath(m.name)
		if err != nil {
			return err
		}
		if !c.store.Snapshot().Has(name) {
			return fmt.Errorf("%w: %s", ErrUnknownFile, name)
		}
		c.current = name
		c.observer.TreeChanged(c.store.Snapshot(), c.current)
		return nil
	}
	return fmt.Errorf("unknown file operation %d", m.op)
}

func (c *Controller) handleDisk(delta filetree.Tree) {
	before := c.store.Snapshot()
	tree := c.store.Merge(delta)
	if tree.Equal(before) {
		return
	}
	c.log.Debug("merged %d edited files from disk", len(delta))
	c.treeChanged(tree)
}

func (c *Controller) handleLoaded(project protocol.Project, directory []protocol.Participant) {
	c.project = project
	c.directory = directory
	tree := c.store.Replace(project.FileTree)
	if !tree.Has(c.current) {
		c.current = firstPath(tree)
	}
	c.observer.ProjectChanged(project)
	c.observer.TreeChanged(tree, c.current)
}

func (c *Controller) view() View {
	return View{
		Project:    c.project,
		Candidates: protocol.AddCandidates(c.project, c.directory),
		Removable:  protocol.RemovableBy(c.project, c.self.ID),
		Current:    c.current,
		Tree:       c.store.Snapshot(),
		RunState:   c.orch.State(),
		PreviewURL: c.orch.PreviewURL(),
	}
}

func (c *Controller) appendEntry(e conversation.Entry) {
	c.observer.EntryAppended(c.transcript.Append(e))
}

func (c *Controller) treeChanged(tree filetree.Tree) {
	c.observer.TreeChanged(tree, c.current)
}

// onChannelMessage runs on the channel's dispatch goroutine.
func (c *Controller) onChannelMessage(data json.RawMessage) {
	if err := c.ref.SendContext(context.Background(), &inboundMsg{data: data}); err != nil {
		c.log.Warn("dropping inbound message: %v", err)
	}
}

// onRunEvent runs on orchestrator goroutines and must not block.
func (c *Controller) onRunEvent(ev execution.Event) {
	c.post(&runEventMsg{ev: ev})
}

// onPersistError runs on the store's persistence goroutine.
func (c *Controller) onPersistError(err error) {
	c.post(&alertMsg{text: "Could not save project files: " + err.Error()})
}

func (c *Controller) post(msg actor.Message) {
	if err := c.ref.Send(msg); err != nil {
		c.log.Warn("dropping %s: %v", msg.Type(), err)
	}
}

func (c *Controller) askErr(ctx context.Context, build func(reply chan<- error) actor.Message) error {
	err, askErr := actor.Ask(ctx, c.ref, build)
	if askErr != nil {
		return askErr
	}
	return err
}

// failureEmitted reports whether the orchestrator already published a
// failed event for err.
func failureEmitted(err error) bool {
	for _, early := range []error{
		execution.ErrRunInProgress,
		execution.ErrSandboxUnavailable,
		execution.ErrEmptyProject,
		execution.ErrManifestMissing,
	} {
		if errors.Is(err, early) {
			return false
		}
	}
	return true
}

func firstPath(tree filetree.Tree) string {
	paths := tree.Paths()
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}
