package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/agentloom/runtime/internal/runtime"
	"github.com/agentloom/runtime/pkg/events"
)

// ClarificationSink surfaces a child's clarification question to whatever
// drives the planner from the outside (a CLI prompt, a chat UI) (§4.10
// Clarification sub-protocol).
type ClarificationSink interface {
	Ask(ctx context.Context, plannerID, question string) error
}

// Config names the planner aggregate this Handler drives and which child
// event types count as "task finished" (§4.10 "a Response::Completion
// whose finish_reason is terminal, or an agent-specific completion event").
type Config struct {
	PlannerID               string
	ChildTerminalEventTypes []string
}

// Handler is a runtime.EventHandler registered on both the planner runtime
// and the child runtime: it performs the I/O the pure Extension cannot
// (calling Parser, addressing child aggregates), mirroring the LLM
// Handler's split between decision procedure and external collaborator.
type Handler struct {
	name    string
	parser  Parser
	planner *runtime.Runtime
	child   *runtime.Runtime
	cfg     Config
	clarify ClarificationSink
	logger  *slog.Logger
}

func New(name string, parser Parser, plannerRuntime, childRuntime *runtime.Runtime, cfg Config, clarify ClarificationSink, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{name: name, parser: parser, planner: plannerRuntime, child: childRuntime, cfg: cfg, clarify: clarify, logger: logger}
}

func (h *Handler) Name() string { return h.name }

func (h *Handler) Handle(ctx context.Context, env events.Envelope) error {
	switch agentEventType(env.EventType) {
	case eventPlanRequested:
		return h.handlePlanRequested(ctx, env)
	case eventTaskDispatched:
		return h.handleTaskDispatched(ctx, env)
	case eventClarificationProvided:
		return h.handleClarificationProvided(ctx, env)
	}

	if h.isChildTerminalEvent(env) {
		return h.handleChildTerminal(ctx, env)
	}
	if agentEventType(env.EventType) == eventNeedsClarification && env.AggregateID != h.cfg.PlannerID {
		return h.handleChildNeedsClarification(ctx, env)
	}
	return nil
}

func (h *Handler) handlePlanRequested(ctx context.Context, env events.Envelope) error {
	already, err := runtime.HasCausedEvent(ctx, h.planner.Store(), h.planner.StreamID(), env.AggregateID, env.ID)
	if err != nil {
		return fmt.Errorf("planner: idempotency check: %w", err)
	}
	if already {
		return nil
	}

	ev, err := decodeAgentEvent(env)
	if err != nil {
		return fmt.Errorf("planner: decode plan_requested: %w", err)
	}

	descriptions, err := h.parser.Parse(ctx, ev.Prompt)
	if err != nil {
		h.logger.Error("planner: parse failed, falling back to literal input", "err", err)
		descriptions = []string{ev.Prompt}
	}

	tasks := make([]Task, len(descriptions))
	for i, d := range descriptions {
		tasks[i] = Task{ID: i, ChildID: fmt.Sprintf("task-%d", i), Description: d}
	}

	_, err = h.planner.Execute(ctx, env.AggregateID, agentCommand(taggedCommand{
		Type:  commandRecordTasksPlanned,
		Tasks: tasks,
	}), events.Metadata{CausationID: env.ID})
	if err != nil {
		return fmt.Errorf("planner: record tasks planned: %w", err)
	}
	return nil
}

func (h *Handler) handleTaskDispatched(ctx context.Context, env events.Envelope) error {
	state, _, err := h.planner.LoadState(ctx, env.AggregateID)
	if err != nil {
		return fmt.Errorf("planner: load state for %s: %w", env.AggregateID, err)
	}
	var planState State
	if len(state.AgentExt) > 0 {
		if err := json.Unmarshal(state.AgentExt, &planState); err != nil {
			return fmt.Errorf("planner: decode planner state: %w", err)
		}
	}

	ev, err := decodeAgentEvent(env)
	if err != nil {
		return fmt.Errorf("planner: decode task_dispatched: %w", err)
	}
	if ev.TaskID < 0 || ev.TaskID >= len(planState.Tasks) {
		return fmt.Errorf("planner: task_dispatched references unknown task %d", ev.TaskID)
	}
	task := planState.Tasks[ev.TaskID]

	already, err := runtime.HasCausedEvent(ctx, h.child.Store(), h.child.StreamID(), task.ChildID, env.ID)
	if err != nil {
		return fmt.Errorf("planner: idempotency check on child %s: %w", task.ChildID, err)
	}
	if already {
		return nil
	}

	_, err = h.child.Execute(ctx, task.ChildID, events.Command{
		Kind:        events.CommandPutUserMessage,
		UserContent: task.Description,
	}, events.Metadata{CausationID: env.ID})
	if err != nil {
		return fmt.Errorf("planner: dispatch task %d to %s: %w", task.ID, task.ChildID, err)
	}
	return nil
}

func (h *Handler) isChildTerminalEvent(env events.Envelope) bool {
	if env.AggregateID == h.cfg.PlannerID {
		return false
	}
	if env.EventType == string(events.TypeResponseCompletion) {
		var data events.Data
		if err := json.Unmarshal(env.Data, &data); err == nil && data.Response != nil {
			return data.Response.FinishReason != "" && data.Response.FinishReason != events.FinishToolUse
		}
		return false
	}
	for _, t := range h.cfg.ChildTerminalEventTypes {
		if env.EventType == t {
			return true
		}
	}
	return false
}

func (h *Handler) handleChildTerminal(ctx context.Context, env events.Envelope) error {
	taskID, ok := taskIDFromChildID(env.AggregateID)
	if !ok {
		return nil
	}

	already, err := runtime.HasCausedEvent(ctx, h.planner.Store(), h.planner.StreamID(), h.cfg.PlannerID, env.ID)
	if err != nil {
		return fmt.Errorf("planner: idempotency check: %w", err)
	}
	if already {
		return nil
	}

	_, err = h.planner.Execute(ctx, h.cfg.PlannerID, agentCommand(taggedCommand{
		Type:   commandRecordTaskCompleted,
		TaskID: taskID,
	}), events.Metadata{CausationID: env.ID})
	if err != nil {
		return fmt.Errorf("planner: record task %d completed: %w", taskID, err)
	}
	return nil
}

func (h *Handler) handleChildNeedsClarification(ctx context.Context, env events.Envelope) error {
	ev, err := decodeAgentEvent(env)
	if err != nil {
		return fmt.Errorf("planner: decode needs_clarification: %w", err)
	}

	already, err := runtime.HasCausedEvent(ctx, h.planner.Store(), h.planner.StreamID(), h.cfg.PlannerID, env.ID)
	if err != nil {
		return fmt.Errorf("planner: idempotency check: %w", err)
	}
	if already {
		return nil
	}

	_, err = h.planner.Execute(ctx, h.cfg.PlannerID, agentCommand(taggedCommand{
		Type:     commandRecordNeedsClarify,
		Question: ev.Question,
	}), events.Metadata{CausationID: env.ID})
	if err != nil {
		return fmt.Errorf("planner: record needs clarification: %w", err)
	}

	if h.clarify != nil {
		if err := h.clarify.Ask(ctx, h.cfg.PlannerID, ev.Question); err != nil {
			h.logger.Error("planner: clarification sink failed", "err", err)
		}
	}
	return nil
}

// handleClarificationProvided resumes the task that requested clarification
// by pushing the answer into its child aggregate as a follow-up user
// message (§4.10 "then resumes").
func (h *Handler) handleClarificationProvided(ctx context.Context, env events.Envelope) error {
	state, _, err := h.planner.LoadState(ctx, env.AggregateID)
	if err != nil {
		return fmt.Errorf("planner: load state for %s: %w", env.AggregateID, err)
	}
	var planState State
	if len(state.AgentExt) > 0 {
		if err := json.Unmarshal(state.AgentExt, &planState); err != nil {
			return fmt.Errorf("planner: decode planner state: %w", err)
		}
	}
	if planState.Current < 0 || planState.Current >= len(planState.Tasks) {
		return nil
	}

	ev, err := decodeAgentEvent(env)
	if err != nil {
		return fmt.Errorf("planner: decode clarification_provided: %w", err)
	}

	childID := planState.Tasks[planState.Current].ChildID
	already, err := runtime.HasCausedEvent(ctx, h.child.Store(), h.child.StreamID(), childID, env.ID)
	if err != nil {
		return fmt.Errorf("planner: idempotency check on child %s: %w", childID, err)
	}
	if already {
		return nil
	}

	_, err = h.child.Execute(ctx, childID, events.Command{
		Kind:        events.CommandPutUserMessage,
		UserContent: ev.Answer,
	}, events.Metadata{CausationID: env.ID})
	if err != nil {
		return fmt.Errorf("planner: resume child %s with clarification: %w", childID, err)
	}
	return nil
}

// decodeAgentEvent unwraps the planner's tagged event from the envelope's
// events.Data.Agent payload.
func decodeAgentEvent(env events.Envelope) (taggedEvent, error) {
	var data events.Data
	var ev taggedEvent
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return ev, err
	}
	err := json.Unmarshal(data.Agent, &ev)
	return ev, err
}

func agentCommand(c taggedCommand) events.Command {
	return events.Command{Kind: events.CommandAgent, AgentCommand: marshalCommand(c)}
}

func taskIDFromChildID(childID string) (int, bool) {
	var id int
	if _, err := fmt.Sscanf(childID, "task-%d", &id); err != nil {
		return 0, false
	}
	return id, true
}
