package task

import (
	"fmt"
	"sort"
	"strings"
)

// Decision captures a classification outcome.
type Decision struct {
	Type       Type     `json:"task_type"`
	Confidence float64  `json:"confidence"`
	Override   bool     `json:"override,omitempty"`
	Ambiguous  bool     `json:"ambiguous,omitempty"`
	Matched    []string `json:"matched,omitempty"`
	Reasons    []string `json:"reasons,omitempty"`
}

// fastSimpleMaxWords bounds prompts eligible for FastSimple.
const fastSimpleMaxWords = 20

// DefaultTriggers returns the curated trigger terms per category.
func DefaultTriggers() map[Type][]string {
	return map[Type][]string{
		CreativeUI: {
			"ui", "ux", "user interface", "landing page", "layout", "styling",
			"stylesheet", "css", "tailwind", "responsive", "design system",
			"beautiful", "color scheme", "dark mode", "frontend design", "mockup",
		},
		Modeling3D: {
			"3d", "blender", "unity", "unreal", "three.js", "threejs", "mesh",
			"shader", "shaders", "animation", "game", "webgl",
		},
		Debugging: {
			"debug", "fix", "bug", "bugs", "error", "errors", "exception",
			"stack trace", "traceback", "not working", "broken", "crash",
			"crashes", "fails", "failing",
		},
		Architecture: {
			"architecture", "system design", "design pattern", "design patterns",
			"scalable", "scalability", "microservice", "microservices",
			"database schema", "high availability",
		},
		Refactoring: {
			"refactor", "refactoring", "clean up", "cleanup", "optimize",
			"rewrite", "simplify", "improve the code", "restructure",
		},
		Planning: {
			"plan", "roadmap", "breakdown", "break down", "steps", "milestone",
			"milestones", "how to", "timeline", "create project",
		},
		Multimodal: {
			"image", "images", "picture", "photo", "screenshot", "diagram",
			"visual", "chart",
		},
		CodeGeneration: {
			"code", "function", "component", "class", "script", "implement",
			"api", "endpoint", "react", "typescript", "javascript", "python",
			"golang", "rust", "sql", "program", "write a", "create a", "build a",
		},
		FastSimple: {
			"quick", "simple", "basic", "small", "short", "one-liner",
		},
	}
}

// Classifier assigns task types to prompts. It is safe for concurrent use;
// its state is fixed at construction.
type Classifier struct {
	triggers map[Type][]string
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithExtraTriggers appends terms to the given categories.
func WithExtraTriggers(extra map[Type][]string) ClassifierOption {
	return func(c *Classifier) {
		for t, terms := range extra {
			if !t.Valid() || t == General {
				continue
			}
			for _, term := range terms {
				term = strings.ToLower(strings.TrimSpace(term))
				if term != "" {
					c.triggers[t] = append(c.triggers[t], term)
				}
			}
		}
	}
}

// NewClassifier creates a classifier with the default trigger lists.
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{triggers: DefaultTriggers()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify determines the task type for a prompt. A valid override wins
// with full confidence and skips the heuristics.
func (c *Classifier) Classify(prompt string, override Type) Decision {
	if override.Valid() {
		return Decision{
			Type:       override,
			Confidence: 1.0,
			Override:   true,
			Reasons:    []string{"explicit override"},
		}
	}

	promptLower := strings.ToLower(prompt)
	wordCount := len(strings.Fields(prompt))

	hits := make(map[Type][]string, len(Priority))
	for _, t := range Priority {
		if t == FastSimple && wordCount >= fastSimpleMaxWords {
			continue
		}
		for _, trig := range c.triggers[t] {
			if containsTrigger(promptLower, trig) {
				hits[t] = append(hits[t], trig)
			}
		}
	}

	var winner Type
	for _, t := range Priority {
		if len(hits[t]) > 0 {
			winner = t
			break
		}
	}
	if winner == "" {
		return Decision{
			Type:       General,
			Confidence: 0,
			Ambiguous:  true,
			Reasons:    []string{"no triggers matched; using general"},
		}
	}

	top := len(hits[winner])
	rival := 0
	for t, matched := range hits {
		if t != winner && len(matched) > rival {
			rival = len(matched)
		}
	}

	margin := maxFloat(float64(top-rival)/float64(maxInt(top, 1)), 0)
	strength := float64(minInt(top, 5)) / 5.0
	confidence := 0.75*margin + 0.25*strength
	if top >= 2 && rival == 0 {
		confidence = maxFloat(confidence, 0.9)
	}
	if top >= 3 {
		confidence = minFloat(confidence+0.15, 1.0)
	}

	matched := append([]string(nil), hits[winner]...)
	sort.Strings(matched)

	return Decision{
		Type:       winner,
		Confidence: confidence,
		Matched:    matched,
		Reasons:    []string{fmt.Sprintf("top_score=%d rival_score=%d", top, rival)},
	}
}

// containsTrigger reports whether the prompt contains the trigger as a
// whole word or phrase. Every occurrence is checked, not only the first.
func containsTrigger(prompt, trigger string) bool {
	if trigger == "" {
		return false
	}
	offset := 0
	for {
		idx := strings.Index(prompt[offset:], trigger)
		if idx == -1 {
			return false
		}
		start := offset + idx
		end := start + len(trigger)

		boundedBefore := start == 0 || !isWordChar(prompt[start-1])
		boundedAfter := end >= len(prompt) || !isWordChar(prompt[end])
		if boundedBefore && boundedAfter {
			return true
		}
		offset = start + 1
	}
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
