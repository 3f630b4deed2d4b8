package session

import (
	"github.com/codefionn/pairspace/internal/conversation"
	"github.com/codefionn/pairspace/internal/execution"
	"github.com/codefionn/pairspace/internal/filetree"
	"github.com/codefionn/pairspace/internal/protocol"
)

// Observer is told about every visible change of a session. All methods are
// called from the controller's loop, one at a time, and must return quickly.
type Observer interface {
	EntryAppended(e conversation.Entry)
	TreeChanged(tree filetree.Tree, current string)
	RunStateChanged(ev execution.Event)
	ProjectChanged(p protocol.Project)
	// Alert is a blocking notice the user has to acknowledge.
	Alert(msg string)
}

// NopObserver ignores everything. Embed it to implement only some methods.
type NopObserver struct{}

func (NopObserver) EntryAppended(conversation.Entry) {}
func (NopObserver) TreeChanged(filetree.Tree, string) {}
func (NopObserver) RunStateChanged(execution.Event) {}
func (NopObserver) ProjectChanged(protocol.Project) {}
func (NopObserver) Alert(string) {}
