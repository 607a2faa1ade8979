package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/zen-systems/switchboard/pkg/artifact"
	"github.com/zen-systems/switchboard/pkg/task"
)

// DefaultAnthropicModel is used when a backend entry names no model.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicBackend implements Backend for Claude models.
type AnthropicBackend struct {
	name      string
	model     string
	maxTokens int64
	client    anthropic.Client
}

// NewAnthropicBackend creates a new Anthropic backend.
func NewAnthropicBackend(name, apiKey, model string) (*AnthropicBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if model == "" {
		model = DefaultAnthropicModel
	}

	// No SDK retries; the engine falls back to the next backend instead.
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	)
	return &AnthropicBackend{name: name, model: model, maxTokens: 4096, client: client}, nil
}

// Name returns the backend identifier.
func (a *AnthropicBackend) Name() string {
	return a.name
}

// Model returns the Claude model this backend targets.
func (a *AnthropicBackend) Model() string {
	return a.model
}

// Invoke sends a prompt to Claude and returns the response.
func (a *AnthropicBackend) Invoke(ctx context.Context, prompt string, taskType task.Type) (*Response, error) {
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(EnhancePrompt(prompt, taskType))),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, statusError(a.name, apiErr.StatusCode, fmt.Errorf("anthropic API error: %w", err))
		}
		return nil, fmt.Errorf("anthropic API error: %w", err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	usage := Usage{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}.Normalize()

	return &Response{
		Artifact: artifact.New(content, a.name, a.model, string(taskType)),
		Usage:    &usage,
	}, nil
}
