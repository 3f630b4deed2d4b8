package assistant

import (
	"context"
	"fmt"
	"strings"

	genai "google.golang.org/genai"
)

const systemInstruction = `You are a programming assistant inside a shared coding workspace.
Always answer with a single JSON object and nothing else.
For conversation use {"text": "<markdown answer>"}.
When you write code, also include the files:
{"text": "<explanation>", "fileTree": {"<relative/path>": {"file": {"contents": "<file contents>"}}}}
Runnable projects are Node.js: include a package.json with a "start" script.
Paths are relative, use forward slashes and never start with "/" or "..".`

// Gemini answers with a Google Gemini model.
type Gemini struct {
	modelName string
	client    *genai.Client
}

// NewGemini creates a Gemini responder for model. baseURL may be empty.
func NewGemini(ctx context.Context, apiKey, model, baseURL string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Google GenAI client: %w", err)
	}
	return &Gemini{modelName: strings.TrimPrefix(model, "models/"), client: client}, nil
}

// Respond implements Responder.
func (g *Gemini) Respond(ctx context.Context, prompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
		ResponseMIMEType:  "application/json",
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.modelName, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("google genai completion failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		reason := "no candidates"
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			reason = string(resp.PromptFeedback.BlockReason)
		}
		return "", fmt.Errorf("empty completion: %s", reason)
	}
	return collectText(resp.Candidates[0].Content), nil
}

func collectText(content *genai.Content) string {
	var sb strings.Builder
	for _, part := range content.Parts {
		if part == nil {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}
