package adapter

import (
	"context"

	"github.com/zen-systems/switchboard/pkg/task"
)

// Backend is the single capability the routing engine depends on. Every
// vendor integration implements it; nothing outside this package looks at
// vendor-specific request or response shapes.
type Backend interface {
	// Invoke sends a prompt to the backend and returns its output. The
	// engine wraps the call in its own timeout; implementations should
	// honor ctx cancellation but are not required to.
	Invoke(ctx context.Context, prompt string, taskType task.Type) (*Response, error)

	// Name returns the backend identifier used in routing and results.
	Name() string

	// Model returns the provider model the backend targets.
	Model() string
}
