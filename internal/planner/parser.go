package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentloom/runtime/internal/llmprovider"
	"github.com/agentloom/runtime/pkg/events"
)

// Parser turns a user request into an ordered list of task descriptions
// (§4.10 sub-modes a/b).
type Parser interface {
	Parse(ctx context.Context, prompt string) ([]string, error)
}

// LineSplitterParser is sub-mode (b): a per-line splitter used without an
// LLM.
type LineSplitterParser struct{}

func (LineSplitterParser) Parse(ctx context.Context, prompt string) ([]string, error) {
	return SplitLines(prompt), nil
}

// llmPlannerPreamble instructs the model to answer with one task per line
// and nothing else, so the response can be parsed with the same
// line-splitting logic as the no-LLM fallback.
const llmPlannerPreamble = "Split the user's request into an ordered list of independent, concrete tasks. Respond with exactly one task per line and no other text."

// LLMParser is sub-mode (a): it asks an LLM provider to decompose the
// prompt, then parses its answer the same way SplitLines does. A model
// response that yields no tasks falls back to the literal prompt as a
// single task (§8 "Planner: parse-failure falls back to the literal input
// as a single task").
type LLMParser struct {
	Provider llmprovider.Provider
	Model    string
}

func (p LLMParser) Parse(ctx context.Context, prompt string) ([]string, error) {
	result, err := p.Provider.Complete(ctx, llmprovider.CompletionRequest{
		Model:    p.Model,
		Preamble: llmPlannerPreamble,
		Messages: []events.Message{{Role: "user", Content: []events.Content{{Text: prompt}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("planner: llm parse: %w", err)
	}

	var text strings.Builder
	for _, c := range result.Message.Content {
		text.WriteString(c.Text)
	}

	tasks := SplitLines(text.String())
	if len(tasks) == 0 {
		tasks = []string{strings.TrimSpace(prompt)}
	}
	return tasks, nil
}
