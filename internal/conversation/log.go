// Package conversation keeps the ordered, append-only chat transcript of a
// project session.
package conversation

import (
	"slices"
	"sync"
	"time"

	"github.com/codefionn/pairspace/internal/aiparse"
	"github.com/codefionn/pairspace/internal/protocol"
)

// Kind classifies an entry's message.
type Kind int

const (
	// KindText is a human chat message.
	KindText Kind = iota
	// KindAssistant is a parsed assistant reply in chat mode.
	KindAssistant
	// KindCode is a parsed assistant reply that carried files.
	KindCode
	// KindDegraded stands in for an assistant reply that could not be parsed.
	KindDegraded
)

func (k Kind) String() string {
	switch k {
	case KindAssistant:
		return "assistant"
	case KindCode:
		return "code"
	case KindDegraded:
		return "degraded"
	default:
		return "text"
	}
}

// Entry is one transcript line. Entries are values and never change once
// appended.
type Entry struct {
	Seq    int
	Sender protocol.Participant
	Kind   Kind
	Text   string
	// Files lists the paths a code-mode reply touched, sorted.
	Files []string
	// Reason is the parse failure for degraded entries.
	Reason string
	// Local marks the optimistic echo of the user's own message.
	Local      bool
	ReceivedAt time.Time
}

// TextEntry builds an entry for a plain chat message.
func TextEntry(sender protocol.Participant, text string) Entry {
	return Entry{Sender: sender, Kind: KindText, Text: text}
}

// PayloadEntry builds an entry for a parsed assistant payload.
func PayloadEntry(sender protocol.Participant, p aiparse.Payload) Entry {
	e := Entry{Sender: sender, Kind: KindAssistant, Text: p.Text}
	if p.Mode() == aiparse.ModeCode {
		e.Kind = KindCode
		e.Files = p.FileTree.Paths()
	}
	return e
}

// DegradedEntry builds the visible stand-in for an unparseable reply.
func DegradedEntry(sender protocol.Participant, err *aiparse.ParseError) Entry {
	return Entry{
		Sender: sender,
		Kind:   KindDegraded,
		Text:   err.Excerpt(),
		Reason: err.Reason,
	}
}

// Log is an append-only sequence of entries. It does not deduplicate: a
// redelivered event is appended again.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	now     func() time.Time
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{now: time.Now}
}

// Append stamps e with its sequence number and receipt time and stores it.
func (l *Log) Append(e Entry) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Seq = len(l.entries)
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = l.now()
	}
	e.Files = slices.Clone(e.Files)
	l.entries = append(l.entries, e)
	return e
}

// Snapshot returns a copy of all entries in append order.
func (l *Log) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.entries)
}

// Since returns the entries with Seq >= seq.
func (l *Log) Since(seq int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq < 0 {
		seq = 0
	}
	if seq >= len(l.entries) {
		return nil
	}
	return slices.Clone(l.entries[seq:])
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
