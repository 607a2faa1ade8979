package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/zen-systems/switchboard/pkg/artifact"
	"github.com/zen-systems/switchboard/pkg/task"
	"google.golang.org/genai"
)

// DefaultGoogleModel is used when a backend entry names no model.
const DefaultGoogleModel = "gemini-2.0-pro"

// GoogleBackend implements Backend for Gemini models.
type GoogleBackend struct {
	name   string
	model  string
	client *genai.Client
}

// NewGoogleBackend creates a new Google Gemini backend.
func NewGoogleBackend(ctx context.Context, name, apiKey, model string) (*GoogleBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google API key is required")
	}
	if model == "" {
		model = DefaultGoogleModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	return &GoogleBackend{name: name, model: model, client: client}, nil
}

// Name returns the backend identifier.
func (a *GoogleBackend) Name() string {
	return a.name
}

// Model returns the Gemini model this backend targets.
func (a *GoogleBackend) Model() string {
	return a.model
}

// Invoke sends a prompt to Gemini and returns the response.
func (a *GoogleBackend) Invoke(ctx context.Context, prompt string, taskType task.Type) (*Response, error) {
	resp, err := a.client.Models.GenerateContent(ctx, a.model, genai.Text(EnhancePrompt(prompt, taskType)), nil)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, statusError(a.name, apiErr.Code, fmt.Errorf("google API error: %w", err))
		}
		return nil, fmt.Errorf("google API error: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("google returned no candidates")
	}

	var content string
	if resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part != nil && part.Text != "" {
				content += part.Text
			}
		}
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}.Normalize()
	}

	return &Response{
		Artifact: artifact.New(content, a.name, a.model, string(taskType)),
		Usage:    &usage,
	}, nil
}
