package assistant

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 8192

// Anthropic answers with a Claude model through the Messages API.
type Anthropic struct {
	client anthropic.Client
	model  string
}

// NewAnthropic creates an Anthropic responder. Extra options such as a base
// URL are passed to the SDK client.
func NewAnthropic(apiKey, model string, opts ...option.RequestOption) (*Anthropic, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return nil, fmt.Errorf("anthropic responder requires an API key")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel(ProviderAnthropic)
	}
	opts = append([]option.RequestOption{option.WithAPIKey(key)}, opts...)
	return &Anthropic{client: anthropic.NewClient(opts...), model: model}, nil
}

// Respond implements Responder.
func (a *Anthropic) Respond(ctx context.Context, prompt string) (string, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: anthropicMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemInstruction}},
		Messages: []anthropic.MessageParam{{
			Role:    anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(prompt)},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic completion failed: %w", err)
	}
	text := collectAnthropicText(msg.Content)
	if text == "" {
		return "", fmt.Errorf("empty completion: %s", msg.StopReason)
	}
	return text, nil
}

func collectAnthropicText(blocks []anthropic.ContentBlockUnion) string {
	var sb strings.Builder
	for _, block := range blocks {
		if block.Type != "text" {
			continue
		}
		sb.WriteString(block.Text)
	}
	return sb.String()
}
