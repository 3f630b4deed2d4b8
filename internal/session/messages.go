package session

import (
	"encoding/json"

	"github.com/codefionn/pairspace/internal/execution"
	"github.com/codefionn/pairspace/internal/filetree"
	"github.com/codefionn/pairspace/internal/protocol"
	"github.com/codefionn/pairspace/internal/sandbox"
)

// Messages handled by the controller loop.

type inboundMsg struct {
	data json.RawMessage
}

func (*inboundMsg) Type() string { return "inbound" }

type sendMsg struct {
	text  string
	reply chan<- error
}

func (*sendMsg) Type() string { return "send" }

type fileOp int

const (
	opCreate fileOp = iota
	opEdit
	opDelete
	opOpen
)

type fileMsg struct {
	op       fileOp
	name     string
	contents string
	reply    chan<- error
}

func (*fileMsg) Type() string { return "file" }

type diskMsg struct {
	delta filetree.Tree
}

func (*diskMsg) Type() string { return "disk" }

type loadedMsg struct {
	project   protocol.Project
	directory []protocol.Participant
	reply     chan<- error
}

func (*loadedMsg) Type() string { return "loaded" }

type projectMsg struct {
	project protocol.Project
}

func (*projectMsg) Type() string { return "project" }

type attachMsg struct {
	sb    sandbox.Sandbox
	reply chan<- error
}

func (*attachMsg) Type() string { return "attach" }

type runEventMsg struct {
	ev execution.Event
}

func (*runEventMsg) Type() string { return "run-event" }

type alertMsg struct {
	text string
}

func (*alertMsg) Type() string { return "alert" }

type viewMsg struct {
	reply chan<- View
}

func (*viewMsg) Type() string { return "view" }

type sandboxQuery struct {
	reply chan<- sandbox.Sandbox
}

func (*sandboxQuery) Type() string { return "sandbox" }
