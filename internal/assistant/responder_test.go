package assistant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	genai "google.golang.org/genai"

	"github.com/codefionn/pairspace/internal/aiparse"
)

func TestMentioned(t *testing.T) {
	tests := []struct {
		in     string
		prompt string
		ok     bool
	}{
		{"@ai write a server", "write a server", true},
		{"hey @ai, help", "hey , help", true},
		{"no mention here", "", false},
		{"email me at bob@aim.com", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			prompt, ok := Mentioned(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.prompt, prompt)
		})
	}
}

func TestOfflineReplyParses(t *testing.T) {
	raw, err := Offline{}.Respond(context.Background(), "hello")
	require.NoError(t, err)

	p, err := aiparse.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, aiparse.ModeChat, p.Mode())
	assert.Contains(t, p.Text, "hello")
}

func TestCollectText(t *testing.T) {
	content := genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromText(`{"text":`),
		nil,
		genai.NewPartFromText(`"hi"}`),
	}, genai.RoleModel)
	assert.Equal(t, `{"text":"hi"}`, collectText(content))
}
