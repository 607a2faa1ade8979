package adapter

import (
	"context"
	"fmt"
	"strings"
)

// New constructs a backend for a provider kind.
func New(ctx context.Context, provider, name, apiKey, model string) (Backend, error) {
	switch strings.ToLower(provider) {
	case "anthropic":
		return NewAnthropicBackend(name, apiKey, model)
	case "openai":
		return NewOpenAIBackend(name, apiKey, model)
	case "google":
		return NewGoogleBackend(ctx, name, apiKey, model)
	case "deepseek":
		return NewDeepSeekBackend(name, apiKey, model)
	case "groq":
		return NewGroqBackend(name, apiKey, model)
	case "mock":
		return NewMockBackend(name), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}
