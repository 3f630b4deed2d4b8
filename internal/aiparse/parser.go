// Package aiparse turns assistant message bodies into structured payloads.
//
// Assistant output arrives as JSON, as JSON that was serialized twice, or as
// text that only resembles JSON. Parse tries a fixed chain of decoders and
// stops at the first success; when every step fails it returns a *ParseError
// so the caller can still show something.
package aiparse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/codefionn/pairspace/internal/filetree"
)

// Mode distinguishes plain replies from replies that carry files.
type Mode int

const (
	// ModeChat is a text-only reply.
	ModeChat Mode = iota
	// ModeCode carries a non-empty file tree delta.
	ModeCode
)

func (m Mode) String() string {
	if m == ModeCode {
		return "code"
	}
	return "chat"
}

// Step names the attempt that produced a payload.
type Step string

const (
	StepDecode  Step = "decode"
	StepUnwrap  Step = "unwrap"
	StepPattern Step = "pattern"
)

// Payload is a parsed assistant reply.
type Payload struct {
	Text     string        `json:"text"`
	FileTree filetree.Tree `json:"fileTree,omitempty"`

	// Step is the attempt that succeeded.
	Step Step `json:"-"`
	// TreeErr is set when a fileTree was present but undecodable; the
	// payload then falls back to chat mode.
	TreeErr error `json:"-"`
}

// Mode reports the payload mode. Code mode requires a non-empty tree.
func (p Payload) Mode() Mode {
	if len(p.FileTree) > 0 {
		return ModeCode
	}
	return ModeChat
}

// ParseError is returned when no attempt recovered a payload.
type ParseError struct {
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	return "unparseable assistant reply: " + e.Reason
}

// ErrNoText is the pattern step's failure when no "text" field is found.
var ErrNoText = errors.New(`no "text" field found`)

type attempt struct {
	step Step
	try  func(raw string) (Payload, error)
}

var chain = []attempt{
	{StepDecode, decodeDirect},
	{StepUnwrap, unwrapQuoted},
	{StepPattern, matchText},
}

// errNotObject marks a body that decoded to a JSON string. The unwrap step
// handles those.
var errNotObject = errors.New("decoded to a string, not an object")

// Parse runs the attempt chain over raw.
func Parse(raw string) (Payload, error) {
	reasons := make([]string, 0, len(chain))
	for _, a := range chain {
		p, err := a.try(raw)
		if err == nil {
			p.Step = a.step
			return p, nil
		}
		reasons = append(reasons, fmt.Sprintf("%s: %v", a.step, err))
	}
	return Payload{}, &ParseError{Reason: strings.Join(reasons, "; "), Raw: raw}
}

// ParseBody parses a wire body. A JSON string body is decoded once and fed
// to Parse; any other JSON value is already structured and goes straight to
// the decode step.
func ParseBody(body json.RawMessage) (Payload, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '"' {
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return Payload{}, &ParseError{Reason: err.Error(), Raw: string(body)}
		}
		return Parse(s)
	}

	p, err := decodeDirect(string(body))
	if err != nil {
		return Payload{}, &ParseError{Reason: fmt.Sprintf("%s: %v", StepDecode, err), Raw: string(body)}
	}
	p.Step = StepDecode
	return p, nil
}

type wirePayload struct {
	Text     *json.RawMessage `json:"text"`
	FileTree json.RawMessage  `json:"fileTree"`
}

func decodeDirect(raw string) (Payload, error) {
	trimmed := strings.TrimSpace(raw)
	if !json.Valid([]byte(trimmed)) {
		return Payload{}, errors.New("not valid JSON")
	}

	switch trimmed[0] {
	case '"':
		return Payload{}, errNotObject
	case '{':
	default:
		// numbers, arrays, literals: nothing to extract
		return Payload{Text: raw}, nil
	}

	var w wirePayload
	if err := json.Unmarshal([]byte(trimmed), &w); err != nil {
		return Payload{}, err
	}

	var text string
	if w.Text == nil || json.Unmarshal(*w.Text, &text) != nil {
		return Payload{Text: raw}, nil
	}

	p := Payload{Text: text}
	if len(w.FileTree) > 0 && !bytes.Equal(w.FileTree, []byte("null")) {
		var tree filetree.Tree
		if err := json.Unmarshal(w.FileTree, &tree); err != nil {
			p.TreeErr = err
		} else {
			p.FileTree = tree
		}
	}
	return p, nil
}

func unwrapQuoted(raw string) (Payload, error) {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) < 2 || trimmed[0] != '"' || trimmed[len(trimmed)-1] != '"' {
		return Payload{}, errors.New("not a quoted string")
	}

	var inner string
	if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
		return Payload{}, err
	}
	p, err := decodeDirect(inner)
	if errors.Is(err, errNotObject) {
		return Payload{}, errors.New("more than one level of string encoding")
	}
	return p, err
}

var textPattern = regexp.MustCompile(`"text":\s*"([^"\\]*(?:\\.[^"\\]*)*)"`)

func matchText(raw string) (Payload, error) {
	m := textPattern.FindStringSubmatch(raw)
	if m == nil {
		return Payload{}, ErrNoText
	}
	return Payload{Text: unescape(m[1])}, nil
}

func unescape(span string) string {
	var s string
	if err := json.Unmarshal([]byte(`"`+span+`"`), &s); err == nil {
		return s
	}
	s = strings.ReplaceAll(span, `\n`, "\n")
	return strings.ReplaceAll(s, `\"`, `"`)
}
