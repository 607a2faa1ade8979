package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zen-systems/switchboard/pkg/adapter"
	"github.com/zen-systems/switchboard/pkg/router"
	"github.com/zen-systems/switchboard/pkg/task"
)

var (
	// ErrChainExhausted means every candidate was tried without a usable result.
	ErrChainExhausted = errors.New("candidate chain exhausted")
	// ErrEmptyChain means the registry offered no candidates at all.
	ErrEmptyChain = errors.New("no candidate backends available")
)

// Attempt records one backend invocation within a request.
type Attempt struct {
	Model     string          `json:"model"`
	Status    adapter.Outcome `json:"status"`
	LatencyMs int64           `json:"latency_ms"`
	Error     string          `json:"error,omitempty"`
	Score     float64         `json:"quality_score,omitempty"`
	Usage     *adapter.Usage  `json:"usage,omitempty"`
	Trial     bool            `json:"trial,omitempty"`
	// Cancelled marks a call cut short by the caller. It is not held
	// against the backend.
	Cancelled bool `json:"cancelled,omitempty"`
}

// ExhaustedError is returned when no attempt produced usable content. It
// carries the full attempt log.
type ExhaustedError struct {
	Attempts []Attempt
	// Empty is set when the chain had no entries.
	Empty bool
	// Cause is the caller's context error when the walk was aborted.
	Cause error
}

func (e *ExhaustedError) Error() string {
	if e.Empty {
		return ErrEmptyChain.Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "all %d attempted backends failed", len(e.Attempts))
	if e.Cause != nil {
		fmt.Fprintf(&sb, " (aborted: %v)", e.Cause)
	}
	for i, a := range e.Attempts {
		if i == 0 {
			sb.WriteString(": ")
		} else {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%s %s", a.Model, a.Status)
		if a.Error != "" {
			fmt.Fprintf(&sb, " (%s)", a.Error)
		}
	}
	return sb.String()
}

// Unwrap exposes the exhaustion sentinel and, when present, the cause.
func (e *ExhaustedError) Unwrap() []error {
	sentinel := ErrChainExhausted
	if e.Empty {
		sentinel = ErrEmptyChain
	}
	if e.Cause != nil {
		return []error{sentinel, e.Cause}
	}
	return []error{sentinel}
}

// Counts tallies attempts by outcome.
func (e *ExhaustedError) Counts() map[adapter.Outcome]int {
	counts := make(map[adapter.Outcome]int)
	for _, a := range e.Attempts {
		counts[a.Status]++
	}
	return counts
}

// Result is the outcome of one request.
type Result struct {
	Success        bool          `json:"success"`
	Content        string        `json:"content,omitempty"`
	Model          string        `json:"model,omitempty"`
	TaskType       task.Type     `json:"task_type"`
	Confidence     float64       `json:"confidence"`
	QualityScore   float64       `json:"quality_score,omitempty"`
	BelowThreshold bool          `json:"below_threshold,omitempty"`
	Rationale      []string      `json:"rationale,omitempty"`
	Attempts       []Attempt     `json:"attempts"`
	Notes          []router.Note `json:"notes,omitempty"`
	Usage          adapter.Usage `json:"usage"`
	Cost           adapter.Cost  `json:"cost"`
	RequestID      string        `json:"request_id,omitempty"`
	Error          string        `json:"error,omitempty"`
	Err            error         `json:"-"`
}

// Accepted reports whether the result met the quality threshold.
func (r Result) Accepted() bool {
	return r.Success && !r.BelowThreshold
}
