package adapter

import (
	"context"
	"fmt"

	"github.com/zen-systems/switchboard/pkg/artifact"
	"github.com/zen-systems/switchboard/pkg/task"
)

// MockBackend returns deterministic responses for local runs and tests.
type MockBackend struct {
	name      string
	responses map[string]string
	Usage     *Usage
}

// NewMockBackend creates a mock backend that answers with canned demo
// output for the request's task type.
func NewMockBackend(name string) *MockBackend {
	if name == "" {
		name = "mock"
	}
	return &MockBackend{name: name, responses: make(map[string]string)}
}

// NewMockBackendWithResponses creates a mock backend with predefined
// responses keyed by prompt.
func NewMockBackendWithResponses(name string, responses map[string]string) *MockBackend {
	m := NewMockBackend(name)
	for k, v := range responses {
		m.responses[k] = v
	}
	return m
}

// Name returns the backend identifier.
func (a *MockBackend) Name() string {
	return a.name
}

// Model returns the mock model name.
func (a *MockBackend) Model() string {
	return "mock-1"
}

// Invoke returns a deterministic response for the prompt.
func (a *MockBackend) Invoke(ctx context.Context, prompt string, taskType task.Type) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, ok := a.responses[prompt]
	if !ok {
		content = demoResponse(prompt, taskType)
	}
	return &Response{
		Artifact: artifact.New(content, a.name, a.Model(), string(taskType)),
		Usage:    a.Usage,
	}, nil
}

func demoResponse(prompt string, taskType task.Type) string {
	switch {
	case taskType == task.CreativeUI:
		return fmt.Sprintf(`<!-- Generated UI for: %s -->
<div className="p-6 bg-gradient-to-r from-blue-500 to-purple-600 rounded-lg">
  <h2 className="text-2xl font-bold text-white mb-4">Demo Component</h2>
  <p className="text-white opacity-90">
    This is a demo UI component. Configure backend API keys to get generated designs.
  </p>
  <button className="mt-4 px-4 py-2 bg-white text-blue-600 rounded-md">Configure</button>
</div>`, prompt)
	case taskType.IsCode():
		return fmt.Sprintf("```javascript\n// Generated code for: %s\nfunction generateResponse() {\n  console.log(\"This is a demo response\");\n  return \"Configure backend API keys to get generated code\";\n}\n\nexport default generateResponse;\n```", prompt)
	default:
		return fmt.Sprintf(`# Response for: %s

This is a demo response for task type %s.

To get generated content, set at least one backend API key and restart.
The routing engine, fallback chain and quality scoring are all active.`, prompt, taskType)
	}
}

// FuncBackend adapts a function to the Backend interface.
type FuncBackend struct {
	ID string
	Fn func(ctx context.Context, prompt string, taskType task.Type) (string, error)
}

// Name returns the backend identifier.
func (f *FuncBackend) Name() string {
	return f.ID
}

// Model returns the backend identifier; function backends have no model.
func (f *FuncBackend) Model() string {
	return f.ID
}

// Invoke calls the wrapped function.
func (f *FuncBackend) Invoke(ctx context.Context, prompt string, taskType task.Type) (*Response, error) {
	content, err := f.Fn(ctx, prompt, taskType)
	if err != nil {
		return nil, err
	}
	return &Response{Artifact: artifact.New(content, f.ID, f.ID, string(taskType))}, nil
}
