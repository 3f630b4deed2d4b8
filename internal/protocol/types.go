// Package protocol defines the wire-level types shared by the channel, the
// persistence client and the session controller.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/codefionn/pairspace/internal/consts"
	"github.com/codefionn/pairspace/internal/filetree"
)

// AssistantID is the reserved sentinel id of the scripted assistant.
const AssistantID = consts.AssistantID

// Participant identifies a project member or the assistant.
type Participant struct {
	ID    string `json:"_id"`
	Email string `json:"email,omitempty"`
}

// Assistant returns the assistant sentinel participant.
func Assistant() Participant {
	return Participant{ID: AssistantID}
}

// IsAssistant reports whether p is the assistant sentinel.
func (p Participant) IsAssistant() bool {
	return p.ID == AssistantID
}

// Label is a display name for p.
func (p Participant) Label() string {
	switch {
	case p.IsAssistant():
		return "AI"
	case p.Email != "":
		return p.Email
	default:
		return p.ID
	}
}

// UnmarshalJSON accepts either a bare id string or an object. Project listings
// return ids, populated project views return objects.
func (p *Participant) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*p = Participant{ID: id}
		return nil
	}

	type plain Participant
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("participant: %w", err)
	}
	*p = Participant(v)
	return nil
}

// Project is the persistence service's record of a shared workspace.
// Users[0] is the owner.
type Project struct {
	ID       string        `json:"_id"`
	Name     string        `json:"name"`
	Users    []Participant `json:"users"`
	FileTree filetree.Tree `json:"fileTree,omitempty"`
}

// ProjectMessage is the payload of the project-message topic.
// Message is a JSON string for humans; the assistant may send a string or an
// already-structured object.
type ProjectMessage struct {
	Sender  Participant     `json:"sender"`
	Message json.RawMessage `json:"message"`
}

// NewTextMessage builds a plain-text project message.
func NewTextMessage(sender Participant, text string) ProjectMessage {
	raw, _ := json.Marshal(text)
	return ProjectMessage{Sender: sender, Message: raw}
}

// Text returns the body when it is a JSON string.
func (m ProjectMessage) Text() (string, bool) {
	body := bytes.TrimSpace(m.Message)
	if len(body) == 0 || body[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(body, &s); err != nil {
		return "", false
	}
	return s, true
}

// BodyString returns the body as text: the decoded string when it is one,
// otherwise the raw JSON.
func (m ProjectMessage) BodyString() string {
	if s, ok := m.Text(); ok {
		return s
	}
	return string(bytes.TrimSpace(m.Message))
}
