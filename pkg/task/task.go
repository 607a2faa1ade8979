// Package task defines the closed set of task categories used to rank
// backends, and the heuristic classifier that assigns one to a prompt.
package task

import (
	"errors"
	"fmt"
	"strings"
)

// Type is a task category.
type Type string

const (
	CreativeUI     Type = "creative_ui"
	CodeGeneration Type = "code_generation"
	Architecture   Type = "architecture"
	Debugging      Type = "debugging"
	FastSimple     Type = "fast_simple"
	Multimodal     Type = "multimodal"
	Modeling3D     Type = "3d_modeling"
	Planning       Type = "planning"
	Refactoring    Type = "refactoring"
	General        Type = "general"
)

// ErrUnknownType is returned by Parse for values outside the enum.
var ErrUnknownType = errors.New("unknown task type")

// Priority is the fixed order in which heuristic categories are evaluated.
// General is not listed; it is the no-match fallback.
var Priority = []Type{
	CreativeUI,
	Modeling3D,
	Debugging,
	Architecture,
	Refactoring,
	Planning,
	Multimodal,
	CodeGeneration,
	FastSimple,
}

var descriptions = map[Type]string{
	CreativeUI:     "UI/UX design and frontend development",
	CodeGeneration: "General code generation and programming",
	Architecture:   "System architecture and design patterns",
	Debugging:      "Bug fixing and troubleshooting",
	FastSimple:     "Quick, simple tasks using fast models",
	Multimodal:     "Tasks involving images or visual content",
	Modeling3D:     "3D modeling, Unity, and Blender tasks",
	Planning:       "Project planning and task breakdown",
	Refactoring:    "Code improvement and optimization",
	General:        "Anything the heuristics could not place",
}

// Info describes a task type for listings.
type Info struct {
	Type        Type   `json:"task_type"`
	Description string `json:"description"`
}

// All returns every task type with its description, in priority order
// followed by General.
func All() []Info {
	out := make([]Info, 0, len(Priority)+1)
	for _, t := range Priority {
		out = append(out, Info{Type: t, Description: descriptions[t]})
	}
	return append(out, Info{Type: General, Description: descriptions[General]})
}

// Valid reports whether t is a member of the enum.
func (t Type) Valid() bool {
	_, ok := descriptions[t]
	return ok
}

func (t Type) String() string {
	return string(t)
}

// Parse converts a user-supplied string into a Type. Empty input yields an
// empty Type and no error so callers can treat it as "no override".
func Parse(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", nil
	}
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return t, nil
}

// IsCode reports whether outputs for t are expected to be source code.
func (t Type) IsCode() bool {
	switch t {
	case CodeGeneration, Debugging, Refactoring, Modeling3D:
		return true
	}
	return false
}
