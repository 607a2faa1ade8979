package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/zen-systems/switchboard/pkg/artifact"
	"github.com/zen-systems/switchboard/pkg/task"
)

const (
	// DefaultOpenAIModel is used when a backend entry names no model.
	DefaultOpenAIModel = "gpt-5.2-codex"

	deepseekBaseURL = "https://api.deepseek.com/v1"
	// DefaultDeepSeekModel is used when a deepseek entry names no model.
	DefaultDeepSeekModel = "deepseek-coder"

	groqBaseURL = "https://api.groq.com/openai/v1"
	// DefaultGroqModel is used when a groq entry names no model.
	DefaultGroqModel = "llama-3.3-70b-versatile"
)

// OpenAIBackend implements Backend for OpenAI and OpenAI-compatible APIs
// (DeepSeek, Groq).
type OpenAIBackend struct {
	name     string
	provider string
	model    string
	client   openai.Client
}

// NewOpenAIBackend creates a backend for the OpenAI API.
func NewOpenAIBackend(name, apiKey, model string) (*OpenAIBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	return newOpenAICompatible(name, "openai", apiKey, model, "")
}

// NewDeepSeekBackend creates a backend for DeepSeek's OpenAI-compatible API.
func NewDeepSeekBackend(name, apiKey, model string) (*OpenAIBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("deepseek API key is required")
	}
	if model == "" {
		model = DefaultDeepSeekModel
	}
	return newOpenAICompatible(name, "deepseek", apiKey, model, deepseekBaseURL)
}

// NewGroqBackend creates a backend for Groq's OpenAI-compatible API.
func NewGroqBackend(name, apiKey, model string) (*OpenAIBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("groq API key is required")
	}
	if model == "" {
		model = DefaultGroqModel
	}
	return newOpenAICompatible(name, "groq", apiKey, model, groqBaseURL)
}

func newOpenAICompatible(name, provider, apiKey, model, baseURL string) (*OpenAIBackend, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIBackend{
		name:     name,
		provider: provider,
		model:    model,
		client:   openai.NewClient(opts...),
	}, nil
}

// Name returns the backend identifier.
func (a *OpenAIBackend) Name() string {
	return a.name
}

// Model returns the model this backend targets.
func (a *OpenAIBackend) Model() string {
	return a.model
}

// Invoke sends a prompt to the chat completions endpoint.
func (a *OpenAIBackend) Invoke(ctx context.Context, prompt string, taskType task.Type) (*Response, error) {
	resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(a.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(EnhancePrompt(prompt, taskType)),
		},
		MaxCompletionTokens: openai.Int(4096),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, statusError(a.name, apiErr.StatusCode, fmt.Errorf("%s API error: %w", a.provider, err))
		}
		return nil, fmt.Errorf("%s API error: %w", a.provider, err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", a.provider)
	}

	usage := Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}.Normalize()

	content := resp.Choices[0].Message.Content
	return &Response{
		Artifact: artifact.New(content, a.name, a.model, string(taskType)),
		Usage:    &usage,
	}, nil
}
