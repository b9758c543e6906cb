package planner

import "strings"

// SplitLines is the no-LLM planning fallback (§4.10 sub-mode b): headings
// and bullets become tasks, one per line that is still non-empty after its
// leading '-', '*' and '#' markers and surrounding whitespace are stripped.
// If no line qualifies, the whole trimmed prompt becomes the single task.
// LineSplitterParser uses it directly when no LLM planner is configured, and
// LLMParser uses it to split the model's answer into tasks.
func SplitLines(prompt string) []string {
	var tasks []string
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*#")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		tasks = append(tasks, line)
	}
	if len(tasks) == 0 {
		trimmed := strings.TrimSpace(prompt)
		if trimmed != "" {
			tasks = []string{trimmed}
		}
	}
	return tasks
}
