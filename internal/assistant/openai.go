package assistant

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
)

// OpenAI answers with an OpenAI model through the Responses API.
type OpenAI struct {
	client openai.Client
	model  string
}

// NewOpenAI creates an OpenAI responder. Extra options such as a base URL
// are passed to the SDK client.
func NewOpenAI(apiKey, model string, opts ...option.RequestOption) (*OpenAI, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return nil, fmt.Errorf("openai responder requires an API key")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel(ProviderOpenAI)
	}
	opts = append([]option.RequestOption{option.WithAPIKey(key)}, opts...)
	return &OpenAI{client: openai.NewClient(opts...), model: model}, nil
}

// Respond implements Responder.
func (o *OpenAI) Respond(ctx context.Context, prompt string) (string, error) {
	resp, err := o.client.Responses.New(ctx, responses.ResponseNewParams{
		Model:        shared.ResponsesModel(o.model),
		Instructions: openai.String(systemInstruction),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: responses.ResponseInputParam{
				responses.ResponseInputItemParamOfMessage(prompt, responses.EasyInputMessageRoleUser),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai completion failed: %w", err)
	}
	text := resp.OutputText()
	if text == "" {
		return "", fmt.Errorf("empty completion: %s", resp.Status)
	}
	return text, nil
}
