// Package worker provides the concrete worker agent type (§4.4 "each
// concrete agent declares..."): the aggregate.Extension that executes a
// single task through an LLM/tool-call loop and marks itself terminal once
// its done tool call succeeds.
package worker

import (
	"encoding/json"
	"fmt"

	"github.com/agentloom/runtime/internal/aggregate"
	"github.com/agentloom/runtime/pkg/events"
)

// TYPE is the worker agent's stream-suffix constant (§4.4).
const TYPE = "worker"

type agentEventType string

const (
	eventGrabbed  agentEventType = "grabbed"
	eventFinished agentEventType = "finished"
)

type agentCommandType string

const (
	commandGrab   agentCommandType = "grab"
	commandFinish agentCommandType = "finish"
)

type taggedEvent struct {
	Type        agentEventType `json:"type"`
	TaskID      string         `json:"task_id,omitempty"`
	Description string         `json:"description,omitempty"`
	Summary     string         `json:"summary,omitempty"`
}

type taggedCommand struct {
	Type        agentCommandType `json:"type"`
	TaskID      string           `json:"task_id,omitempty"`
	Description string           `json:"description,omitempty"`
	Summary     string           `json:"summary,omitempty"`
}

// State is the worker's folded agent-specific substate (aggregate.State's
// AgentExt field, decoded).
type State struct {
	TaskID      string `json:"task_id,omitempty"`
	Description string `json:"description,omitempty"`
	Summary     string `json:"summary,omitempty"`
	Grabbed     bool   `json:"grabbed,omitempty"`
}

// Extension is the pure worker reducer/decider (§4.4). It has no I/O and no
// Services value — the LLM Handler, Tool Handler and worker.Handler supply
// everything else the task loop needs.
type Extension struct{}

func (Extension) Type() string { return TYPE }

func (Extension) ApplyEvent(ext json.RawMessage, event json.RawMessage) (json.RawMessage, error) {
	var tagged taggedEvent
	if err := json.Unmarshal(event, &tagged); err != nil {
		return ext, fmt.Errorf("worker: decode agent event: %w", err)
	}
	var state State
	if len(ext) > 0 {
		if err := json.Unmarshal(ext, &state); err != nil {
			return ext, fmt.Errorf("worker: decode agent state: %w", err)
		}
	}
	switch tagged.Type {
	case eventGrabbed:
		state.TaskID = tagged.TaskID
		state.Description = tagged.Description
		state.Grabbed = true
	case eventFinished:
		state.Summary = tagged.Summary
	default:
		return ext, fmt.Errorf("worker: unknown agent event %q", tagged.Type)
	}
	return json.Marshal(state)
}

func (Extension) HandleCommand(state aggregate.State, cmd json.RawMessage, services any) ([]events.Event, error) {
	var tagged taggedCommand
	if err := json.Unmarshal(cmd, &tagged); err != nil {
		return nil, fmt.Errorf("worker: decode agent command: %w", err)
	}
	switch tagged.Type {
	case commandGrab:
		return []events.Event{agentEvent(taggedEvent{Type: eventGrabbed, TaskID: tagged.TaskID, Description: tagged.Description})}, nil
	case commandFinish:
		return []events.Event{agentEvent(taggedEvent{Type: eventFinished, Summary: tagged.Summary})}, nil
	default:
		return nil, fmt.Errorf("worker: unknown agent command %q", tagged.Type)
	}
}

func (Extension) IsTerminal(event json.RawMessage) bool {
	var tagged taggedEvent
	_ = json.Unmarshal(event, &tagged)
	return tagged.Type == eventFinished
}

func agentEvent(t taggedEvent) events.Event {
	data, err := json.Marshal(t)
	if err != nil {
		panic(fmt.Sprintf("worker: marshal agent event: %v", err))
	}
	return events.Event{Type: events.TypeAgent, Data: events.Data{Agent: data}}
}

// GrabCommand builds the command that assigns a task description to a
// freshly created worker aggregate.
func GrabCommand(taskID, description string) events.Command {
	return agentCommand(taggedCommand{Type: commandGrab, TaskID: taskID, Description: description})
}

// FinishCommand builds the command that marks a worker aggregate terminal
// once its done tool call has succeeded.
func FinishCommand(summary string) events.Command {
	return agentCommand(taggedCommand{Type: commandFinish, Summary: summary})
}

func agentCommand(c taggedCommand) events.Command {
	data, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("worker: marshal agent command: %v", err))
	}
	return events.Command{Kind: events.CommandAgent, AgentCommand: data}
}
