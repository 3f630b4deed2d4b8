// Package assistant produces the replies of the "ai" participant.
package assistant

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/codefionn/pairspace/internal/consts"
)

// Responder turns a prompt into a raw reply body. Replies are expected to be
// JSON of the form {"text": "...", "fileTree": {...}}, but callers must cope
// with anything.
type Responder interface {
	Respond(ctx context.Context, prompt string) (string, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, prompt string) (string, error)

// Respond implements Responder.
func (f ResponderFunc) Respond(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// mention matches the handle as a word of its own, so "bob@aim.com" does not
// count.
var mention = regexp.MustCompile(`\B` + regexp.QuoteMeta(consts.AssistantMention) + `\b`)

// Mentioned reports whether text addresses the assistant and returns the
// prompt with the mention removed.
func Mentioned(text string) (string, bool) {
	if !mention.MatchString(text) {
		return "", false
	}
	return strings.TrimSpace(mention.ReplaceAllString(text, "")), true
}

// Offline answers without a model, in chat mode. It is used when no API key
// is configured so that mentions still get a visible reply.
type Offline struct{}

// Respond implements Responder.
func (Offline) Respond(_ context.Context, prompt string) (string, error) {
	data, err := json.Marshal(map[string]string{
		"text": "The assistant is not configured on this server. You asked: " + prompt,
	})
	return string(data), err
}
