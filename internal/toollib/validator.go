package toollib

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentloom/runtime/internal/sandbox"
)

// Check is one step of a Validator's fixed pipeline: lint, type-check,
// test-runner, or a framework-specific probe (§4.3).
type Check struct {
	Name string
	Run  func(ctx context.Context, box sandbox.Sandbox) (ok bool, reason string, err error)
}

// Validator composes a fixed, ordered set of checks and short-circuits on
// the first failure, used by the done tool to gate task completion.
type Validator struct {
	checks []Check
}

// NewValidator builds a validator running checks in the given order.
func NewValidator(checks ...Check) *Validator {
	return &Validator{checks: checks}
}

// Run executes each check in order, stopping at the first failure or error.
func (v *Validator) Run(ctx context.Context, box sandbox.Sandbox) (ok bool, reason string, err error) {
	for _, c := range v.checks {
		passed, why, runErr := c.Run(ctx, box)
		if runErr != nil {
			return false, "", fmt.Errorf("validator: %s: %w", c.Name, runErr)
		}
		if !passed {
			return false, fmt.Sprintf("%s: %s", c.Name, why), nil
		}
	}
	return true, "", nil
}

// ExecCheck runs a shell command and treats a zero exit code as passing,
// grounding linter/type-checker/test-runner/framework probes on the same
// sandbox.Exec contract every other tool uses.
func ExecCheck(name, command string) Check {
	return Check{
		Name: name,
		Run: func(ctx context.Context, box sandbox.Sandbox) (bool, string, error) {
			res, err := box.Exec(ctx, command)
			if err != nil {
				return false, "", err
			}
			if res.ExitCode != 0 {
				reason := res.Stderr
				if reason == "" {
					reason = res.Stdout
				}
				return false, reason, nil
			}
			return true, "", nil
		},
	}
}

// doneTool declares the task complete iff the attached Validator passes
// every check (§4.3). It needs replay since its validator checks may
// inspect or run files produced by earlier tool calls.
type doneTool struct {
	validator *Validator
}

// NewDoneTool builds the done(summary) tool against a project-wide Validator.
func NewDoneTool(v *Validator) Tool { return doneTool{validator: v} }

func (doneTool) Name() string { return "done" }
func (doneTool) Definition() json.RawMessage {
	return schema(map[string]interface{}{
		"summary": strProp("Summary of the work completed"),
	}, "summary")
}
func (doneTool) NeedsReplay() bool { return true }

func (t doneTool) Call(ctx context.Context, box sandbox.Sandbox, args json.RawMessage) (Output, error) {
	var in struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Output{}, err
	}
	if t.validator == nil {
		return Output{Content: "success"}, nil
	}
	ok, reason, err := t.validator.Run(ctx, box)
	if err != nil {
		return Output{}, err
	}
	if !ok {
		return Output{Content: fmt.Sprintf("validation failed: %s", reason), IsError: true}, nil
	}
	return Output{Content: "success"}, nil
}
