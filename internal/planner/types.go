// Package planner implements the Planner (C10): an optional upstream
// aggregate that splits a user request into an ordered task list and
// drives one child aggregate per task, gating advancement on each task's
// completion event (§4.10).
package planner

import (
	"encoding/json"

	"github.com/agentloom/runtime/pkg/events"
)

// Task is one unit of work the planner hands to a child aggregate.
type Task struct {
	ID          int    `json:"id"`
	ChildID     string `json:"child_id"`
	Description string `json:"description"`
}

// agentEventType discriminates the planner's agent-specific events, carried
// as the "type" field of events.Data.Agent (§3 tagged-union convention).
type agentEventType string

const (
	eventPlanRequested         agentEventType = "plan_requested"
	eventTasksPlanned          agentEventType = "tasks_planned"
	eventTaskDispatched        agentEventType = "task_dispatched"
	eventTaskCompleted         agentEventType = "task_completed"
	eventNeedsClarification    agentEventType = "needs_clarification"
	eventClarificationProvided agentEventType = "clarification_provided"
	eventPlanningCompleted     agentEventType = "planning_completed"
)

// agentCommandType discriminates the planner's agent-specific commands.
type agentCommandType string

const (
	commandRequestPlan           agentCommandType = "request_plan"
	commandRecordTasksPlanned    agentCommandType = "record_tasks_planned"
	commandRecordTaskCompleted   agentCommandType = "record_task_completed"
	commandRecordNeedsClarify    agentCommandType = "record_needs_clarification"
	commandRecordClarifyProvided agentCommandType = "record_clarification_provided"
)

type taggedEvent struct {
	Type     agentEventType `json:"type"`
	Prompt   string         `json:"prompt,omitempty"`
	Tasks    []Task         `json:"tasks,omitempty"`
	TaskID   int            `json:"task_id,omitempty"`
	Question string         `json:"question,omitempty"`
	Answer   string         `json:"answer,omitempty"`
	Summary  string         `json:"summary,omitempty"`
}

type taggedCommand struct {
	Type     agentCommandType `json:"type"`
	Prompt   string           `json:"prompt,omitempty"`
	Tasks    []Task           `json:"tasks,omitempty"`
	TaskID   int              `json:"task_id,omitempty"`
	Question string           `json:"question,omitempty"`
	Answer   string           `json:"answer,omitempty"`
}

func marshalEvent(e taggedEvent) json.RawMessage {
	data, _ := json.Marshal(e)
	return data
}

func marshalCommand(c taggedCommand) json.RawMessage {
	data, _ := json.Marshal(c)
	return data
}

// RequestPlanCommand builds the events.Command that kicks off planning for
// a fresh prompt, for callers outside this package (cmd/agentctl's plan
// subcommand) that only need to start a plan, not inspect its internals.
func RequestPlanCommand(prompt string) events.Command {
	return events.Command{
		Kind:         events.CommandAgent,
		AgentCommand: marshalCommand(taggedCommand{Type: commandRequestPlan, Prompt: prompt}),
	}
}
