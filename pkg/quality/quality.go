// Package quality scores backend output with deterministic heuristics.
package quality

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/zen-systems/switchboard/pkg/task"
)

const (
	// DefaultThreshold is the score a result needs to be accepted.
	DefaultThreshold = 0.6
	// DefaultMinLength is the shortest content that passes the length check.
	DefaultMinLength = 40
)

// Check is the outcome of one weighted heuristic.
type Check struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Passed bool    `json:"passed"`
	Detail string  `json:"detail,omitempty"`
}

// Report is a scored evaluation of one piece of content.
type Report struct {
	Score     float64  `json:"score"`
	Rationale []string `json:"rationale,omitempty"`
	Checks    []Check  `json:"checks,omitempty"`
}

// Meets reports whether the score reaches threshold.
func (r Report) Meets(threshold float64) bool {
	return r.Score >= threshold
}

var defaultRefusals = []string{
	"i'm sorry",
	"i am sorry",
	"i apologize",
	"i cannot",
	"i can't",
	"i'm unable",
	"i am unable",
	"i won't be able",
	"as an ai",
}

var syntaxTokens = []string{
	"func ", "function", "def ", "class ", "return", "import ", "package ",
	"const ", "let ", "var ", "=>", "#include", "public ", "fn ", "interface ",
	"select ", "export ",
}

var (
	fencePattern   = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\n(.*?)```")
	tagPattern     = regexp.MustCompile(`<[a-zA-Z][a-zA-Z0-9-]*(\s[^<>]*)?/?>`)
	stylePattern   = regexp.MustCompile(`(?i)(classname|class|style)\s*=|[a-z-]+\s*:\s*[^;{}\n]+;`)
	cssRulePattern = regexp.MustCompile(`[.#]?[a-zA-Z][\w-]*\s*\{[^}]*\}`)
)

// Scorer evaluates content. The zero value is not usable; call NewScorer.
type Scorer struct {
	minLength int
	refusals  []string
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithMinLength sets the minimum content length in characters.
func WithMinLength(n int) Option {
	return func(s *Scorer) {
		if n > 0 {
			s.minLength = n
		}
	}
}

// WithRefusalPhrases adds phrases that mark a refusal or apology.
func WithRefusalPhrases(phrases []string) Option {
	return func(s *Scorer) {
		for _, p := range phrases {
			p = strings.ToLower(strings.TrimSpace(p))
			if p != "" {
				s.refusals = append(s.refusals, p)
			}
		}
	}
}

// NewScorer creates a scorer with default checks.
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{
		minLength: DefaultMinLength,
		refusals:  append([]string(nil), defaultRefusals...),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type weights struct {
	nonEmpty, length, refusal, delimiters, syntax, markup float64
}

func weightsFor(taskType task.Type) weights {
	switch {
	case taskType == task.CreativeUI:
		return weights{nonEmpty: 0.1, length: 0.2, refusal: 0.3, markup: 0.4}
	case taskType.IsCode():
		return weights{nonEmpty: 0.1, length: 0.2, refusal: 0.3, delimiters: 0.2, syntax: 0.2}
	default:
		return weights{nonEmpty: 0.2, length: 0.3, refusal: 0.5}
	}
}

// Score evaluates content for taskType. The result is always in [0,1];
// empty content scores 0.
func (s *Scorer) Score(content string, taskType task.Type) Report {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Report{
			Score:     0,
			Rationale: []string{"empty content"},
			Checks:    []Check{{Name: "non_empty", Weight: weightsFor(taskType).nonEmpty}},
		}
	}

	w := weightsFor(taskType)
	lower := strings.ToLower(trimmed)

	checks := []Check{
		{Name: "non_empty", Weight: w.nonEmpty, Passed: true},
		s.lengthCheck(trimmed, w.length),
		s.refusalCheck(lower, w.refusal),
	}
	if w.delimiters > 0 {
		checks = append(checks, delimiterCheck(codeBody(trimmed), w.delimiters))
	}
	if w.syntax > 0 {
		checks = append(checks, syntaxCheck(trimmed, lower, w.syntax))
	}
	if w.markup > 0 {
		checks = append(checks, markupCheck(trimmed, w.markup))
	}

	return summarize(checks)
}

func summarize(checks []Check) Report {
	var total, earned float64
	var rationale []string
	for _, c := range checks {
		total += c.Weight
		if c.Passed {
			earned += c.Weight
			continue
		}
		msg := c.Name + " failed"
		if c.Detail != "" {
			msg += ": " + c.Detail
		}
		rationale = append(rationale, msg)
	}

	score := 0.0
	if total > 0 {
		score = earned / total
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	if len(rationale) == 0 {
		rationale = []string{"all checks passed"}
	}
	return Report{Score: score, Rationale: rationale, Checks: checks}
}

func (s *Scorer) lengthCheck(content string, weight float64) Check {
	n := len([]rune(content))
	c := Check{Name: "min_length", Weight: weight, Passed: n >= s.minLength}
	if !c.Passed {
		c.Detail = fmt.Sprintf("%d chars, want at least %d", n, s.minLength)
	}
	return c
}

func (s *Scorer) refusalCheck(lower string, weight float64) Check {
	for _, phrase := range s.refusals {
		if strings.Contains(lower, phrase) {
			return Check{Name: "no_refusal", Weight: weight, Detail: fmt.Sprintf("found %q", phrase)}
		}
	}
	return Check{Name: "no_refusal", Weight: weight, Passed: true}
}

// codeBody returns the fenced code blocks when present, else the content.
func codeBody(content string) string {
	matches := fencePattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return content
	}
	var sb strings.Builder
	for _, m := range matches {
		sb.WriteString(m[1])
		sb.WriteByte('\n')
	}
	return sb.String()
}

func delimiterCheck(code string, weight float64) Check {
	c := Check{Name: "balanced_delimiters", Weight: weight}
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	var stack []rune
	seen := 0
	for _, r := range code {
		switch r {
		case '(', '[', '{':
			stack = append(stack, r)
			seen++
		case ')', ']', '}':
			seen++
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				c.Detail = fmt.Sprintf("unexpected %q", r)
				return c
			}
			stack = stack[:len(stack)-1]
		}
	}
	switch {
	case seen == 0:
		c.Detail = "no delimiters found"
	case len(stack) > 0:
		c.Detail = fmt.Sprintf("%d unclosed", len(stack))
	default:
		c.Passed = true
	}
	return c
}

func syntaxCheck(content, lower string, weight float64) Check {
	c := Check{Name: "syntax_tokens", Weight: weight}
	if strings.Contains(content, "```") {
		c.Passed = true
		return c
	}
	for _, tok := range syntaxTokens {
		if strings.Contains(lower, tok) {
			c.Passed = true
			return c
		}
	}
	c.Detail = "no recognizable code constructs"
	return c
}

func markupCheck(content string, weight float64) Check {
	c := Check{Name: "markup", Weight: weight}
	if tagPattern.MatchString(content) || stylePattern.MatchString(content) || cssRulePattern.MatchString(content) {
		c.Passed = true
		return c
	}
	c.Detail = "no markup or style constructs"
	return c
}
