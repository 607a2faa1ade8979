package adapter

import (
	"strings"

	"github.com/zen-systems/switchboard/pkg/task"
)

var enhancers = map[task.Type]string{
	task.CreativeUI: `Focus on creating modern, beautiful, and responsive UI/UX designs.
Use contemporary design patterns and best practices.
Include accessibility considerations.`,
	task.CodeGeneration: `Write clean, maintainable, and well-documented code.
Follow the conventions of the target language.
Include error handling where appropriate.`,
	task.Architecture: `Focus on scalable, maintainable architecture.
Consider performance, security, and extensibility.
Explain the trade-offs behind each decision.`,
	task.Debugging: `Analyze the problem systematically.
Identify the root cause before proposing a fix.
Offer alternative solutions when applicable.`,
	task.Planning: `Break the work down into clear, actionable steps.
Call out dependencies and likely obstacles.
Provide a realistic implementation roadmap.`,
	task.Refactoring: `Preserve existing behavior.
Show the refactored code in full.`,
}

// EnhancePrompt appends task-specific guidance to a prompt. Types without an
// enhancer are returned unchanged.
func EnhancePrompt(prompt string, taskType task.Type) string {
	enhancer, ok := enhancers[taskType]
	if !ok {
		return prompt
	}
	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\n")
	sb.WriteString(enhancer)
	return sb.String()
}
