package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentloom/runtime/internal/aggregate"
	"github.com/agentloom/runtime/pkg/events"
)

// State is the planner's agent-specific substate, folded from agent events
// (§4.10). It tracks the task list and how far execution has progressed.
type State struct {
	Tasks                 []Task `json:"tasks,omitempty"`
	Current               int    `json:"current"`
	AwaitingClarification bool   `json:"awaiting_clarification,omitempty"`
	ClarificationQuestion string `json:"clarification_question,omitempty"`
	Completed             []bool `json:"completed,omitempty"`
}

// Extension implements aggregate.Extension for the planner aggregate type.
// It never calls an LLM itself: parsing the user's request into tasks is
// the planner Handler's job (§2.2 "tool-execution errors never become...";
// analogously, I/O lives in the handler, not the pure reducer), mirroring
// how the LLM Handler calls the provider outside the aggregate's Handle.
type Extension struct{}

func (Extension) Type() string { return "planner" }

func (Extension) ApplyEvent(ext json.RawMessage, event json.RawMessage) (json.RawMessage, error) {
	var state State
	if len(ext) > 0 {
		if err := json.Unmarshal(ext, &state); err != nil {
			return nil, fmt.Errorf("planner: decode state: %w", err)
		}
	}

	var ev taggedEvent
	if err := json.Unmarshal(event, &ev); err != nil {
		return nil, fmt.Errorf("planner: decode event: %w", err)
	}

	switch ev.Type {
	case eventPlanRequested:
		// No state change yet; tasks_planned carries the actual task list.

	case eventTasksPlanned:
		state.Tasks = ev.Tasks
		state.Completed = make([]bool, len(ev.Tasks))
		state.Current = 0

	case eventTaskDispatched:
		state.Current = ev.TaskID

	case eventTaskCompleted:
		for len(state.Completed) <= ev.TaskID {
			state.Completed = append(state.Completed, false)
		}
		state.Completed[ev.TaskID] = true

	case eventNeedsClarification:
		state.AwaitingClarification = true
		state.ClarificationQuestion = ev.Question

	case eventClarificationProvided:
		state.AwaitingClarification = false
		state.ClarificationQuestion = ""

	case eventPlanningCompleted:
		// Terminal; IsTerminal reports this to the base Aggregate.

	default:
		return nil, fmt.Errorf("planner: unknown agent event type %q", ev.Type)
	}

	out, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("planner: encode state: %w", err)
	}
	return out, nil
}

func (Extension) HandleCommand(state aggregate.State, cmd json.RawMessage, services any) ([]events.Event, error) {
	var c taggedCommand
	if err := json.Unmarshal(cmd, &c); err != nil {
		return nil, fmt.Errorf("planner: decode command: %w", err)
	}

	var planState State
	if len(state.AgentExt) > 0 {
		if err := json.Unmarshal(state.AgentExt, &planState); err != nil {
			return nil, fmt.Errorf("planner: decode state: %w", err)
		}
	}

	switch c.Type {
	case commandRequestPlan:
		return []events.Event{agentEvent(taggedEvent{Type: eventPlanRequested, Prompt: c.Prompt})}, nil

	case commandRecordTasksPlanned:
		out := []events.Event{agentEvent(taggedEvent{Type: eventTasksPlanned, Tasks: c.Tasks})}
		if len(c.Tasks) == 0 {
			out = append(out, agentEvent(taggedEvent{Type: eventPlanningCompleted, Summary: ""}))
			return out, nil
		}
		out = append(out, agentEvent(taggedEvent{Type: eventTaskDispatched, TaskID: c.Tasks[0].ID}))
		return out, nil

	case commandRecordTaskCompleted:
		next := c.TaskID + 1
		if next >= len(planState.Tasks) {
			return []events.Event{
				agentEvent(taggedEvent{Type: eventTaskCompleted, TaskID: c.TaskID}),
				agentEvent(taggedEvent{Type: eventPlanningCompleted, Summary: summarize(planState.Tasks)}),
			}, nil
		}
		return []events.Event{
			agentEvent(taggedEvent{Type: eventTaskCompleted, TaskID: c.TaskID}),
			agentEvent(taggedEvent{Type: eventTaskDispatched, TaskID: planState.Tasks[next].ID}),
		}, nil

	case commandRecordNeedsClarify:
		return []events.Event{agentEvent(taggedEvent{Type: eventNeedsClarification, Question: c.Question})}, nil

	case commandRecordClarifyProvided:
		return []events.Event{agentEvent(taggedEvent{Type: eventClarificationProvided, Answer: c.Answer})}, nil

	default:
		return nil, fmt.Errorf("planner: unknown agent command type %q", c.Type)
	}
}

func (Extension) IsTerminal(event json.RawMessage) bool {
	var ev taggedEvent
	if err := json.Unmarshal(event, &ev); err != nil {
		return false
	}
	return ev.Type == eventPlanningCompleted
}

func agentEvent(e taggedEvent) events.Event {
	return events.Event{Type: events.TypeAgent, Data: events.Data{Agent: marshalEvent(e)}}
}

func summarize(tasks []Task) string {
	parts := make([]string, len(tasks))
	for i, t := range tasks {
		parts[i] = t.Description
	}
	return strings.Join(parts, "; ")
}
