package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	openaiopt "github.com/openai/openai-go/option"
)

// Hosted model providers.
const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// ErrUnknownProvider rejects a provider name New does not know.
var ErrUnknownProvider = errors.New("unknown assistant provider")

// Settings selects a hosted model.
type Settings struct {
	Provider string
	APIKey   string
	// Model falls back to DefaultModel(Provider) when empty.
	Model string
	// BaseURL overrides the provider endpoint, e.g. for a proxy.
	BaseURL string
}

// DefaultModel returns the model used when none is configured.
func DefaultModel(provider string) string {
	switch normalizeProvider(provider) {
	case ProviderAnthropic:
		return "claude-sonnet-4-5"
	case ProviderOpenAI:
		return "gpt-5-mini"
	default:
		return "gemini-2.5-flash"
	}
}

// New builds the responder for s.Provider. An empty provider means Gemini.
func New(ctx context.Context, s Settings) (Responder, error) {
	model := strings.TrimSpace(s.Model)
	if model == "" {
		model = DefaultModel(s.Provider)
	}

	switch normalizeProvider(s.Provider) {
	case ProviderGemini:
		return NewGemini(ctx, s.APIKey, model, s.BaseURL)
	case ProviderAnthropic:
		var opts []anthropicopt.RequestOption
		if s.BaseURL != "" {
			opts = append(opts, anthropicopt.WithBaseURL(s.BaseURL))
		}
		return NewAnthropic(s.APIKey, model, opts...)
	case ProviderOpenAI:
		var opts []openaiopt.RequestOption
		if s.BaseURL != "" {
			opts = append(opts, openaiopt.WithBaseURL(s.BaseURL))
		}
		return NewOpenAI(s.APIKey, model, opts...)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, s.Provider)
}

func normalizeProvider(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" || p == "google" {
		return ProviderGemini
	}
	return p
}
