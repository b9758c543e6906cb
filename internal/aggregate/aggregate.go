package aggregate

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agentloom/runtime/pkg/events"
)

// ErrPendingToolCalls is returned when a completion request is issued while
// tool calls from a prior turn are still unresolved (§4.4).
var ErrPendingToolCalls = errors.New("aggregate: pending tool calls outstanding")

// Extension supplies the agent-specific typing named in §4.4: an
// AgentCommand/AgentEvent pocket, a Services value visible to Handle, and a
// Type() constant used as the default stream suffix. The base Aggregate
// dispatches agent-specific commands and events here without otherwise
// inspecting them.
type Extension interface {
	// Type returns the agent's TYPE constant (§4.4).
	Type() string

	// ApplyEvent folds one agent-specific event (the raw Agent payload) into
	// the current agent-specific substate.
	ApplyEvent(ext json.RawMessage, event json.RawMessage) (json.RawMessage, error)

	// HandleCommand decides the events produced by an agent-specific
	// command. services is whatever the concrete agent's runtime wiring
	// passed through (§4.4 "optional Services value").
	HandleCommand(state State, cmd json.RawMessage, services any) ([]events.Event, error)

	// IsTerminal reports whether an agent-specific event ends the
	// aggregate's lifecycle (§3 Lifecycle).
	IsTerminal(event json.RawMessage) bool
}

// Aggregate is the base state machine shared by every agent type; behaviour
// specific to one agent is supplied via Extension.
type Aggregate struct {
	ext    Extension
	logger *slog.Logger
}

// New returns an Aggregate whose agent-specific transitions are delegated
// to ext. A nil logger falls back to slog.Default().
func New(ext Extension, logger *slog.Logger) *Aggregate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregate{ext: ext, logger: logger}
}

// Handle is the decision procedure: (state, command, services) -> events
// (§4.4). It never mutates state or performs I/O; callers persist the
// returned events and re-fold them through Apply.
func (a *Aggregate) Handle(state State, cmd events.Command, services any) ([]events.Event, error) {
	switch cmd.Kind {
	case events.CommandPutUserMessage:
		if len(state.PendingToolCalls) > 0 {
			return nil, ErrPendingToolCalls
		}
		return []events.Event{{
			Type: events.TypeRequestCompletion,
			Data: events.Data{Request: &events.Request{
				Kind:    events.RequestCompletionKind,
				Content: []events.Content{{Text: cmd.UserContent}},
			}},
		}}, nil

	case events.CommandSendRequest:
		if cmd.Request == nil {
			return nil, fmt.Errorf("aggregate: SendRequest command missing Request")
		}
		if cmd.Request.Kind == events.RequestCompletionKind && len(state.PendingToolCalls) > 0 {
			return nil, ErrPendingToolCalls
		}
		evType := events.TypeRequestCompletion
		if cmd.Request.Kind == events.RequestToolCallsKind {
			evType = events.TypeRequestToolCalls
		}
		return []events.Event{{Type: evType, Data: events.Data{Request: cmd.Request}}}, nil

	case events.CommandSendResponse:
		if cmd.Response == nil {
			return nil, fmt.Errorf("aggregate: SendResponse command missing Response")
		}
		return a.handleResponse(state, *cmd.Response)

	case events.CommandAgent:
		return a.ext.HandleCommand(state, cmd.AgentCommand, services)

	case events.CommandSeedFromTemplate:
		if cmd.SeedFromTemplate == nil {
			return nil, fmt.Errorf("aggregate: SeedFromTemplate command missing payload")
		}
		return []events.Event{{
			Type: events.TypeRequestSeed,
			Data: events.Data{SeedFromTemplate: cmd.SeedFromTemplate},
		}}, nil

	case events.CommandRecordSeeded:
		if cmd.Seeded == nil {
			return nil, fmt.Errorf("aggregate: RecordSeeded command missing payload")
		}
		return []events.Event{{
			Type: events.TypeResponseSeeded,
			Data: events.Data{Seeded: cmd.Seeded},
		}}, nil

	default:
		return nil, fmt.Errorf("aggregate: unknown command kind %q", cmd.Kind)
	}
}

func (a *Aggregate) handleResponse(state State, resp events.Response) ([]events.Event, error) {
	switch resp.Kind {
	case events.ResponseCompletionKind:
		out := []events.Event{{Type: events.TypeResponseCompletion, Data: events.Data{Response: &resp}}}
		if calls := extractToolCalls(resp); len(calls) > 0 {
			out = append(out, events.Event{
				Type: events.TypeRequestToolCalls,
				Data: events.Data{Request: &events.Request{Kind: events.RequestToolCallsKind, Calls: calls}},
			})
		}
		return out, nil

	case events.ResponseToolResultsKind:
		matched := a.mergeToolResults(state.PendingToolCalls, resp.Results)
		toolResultsEvent := events.Event{
			Type: events.TypeResponseToolResults,
			Data: events.Data{Response: &events.Response{Kind: events.ResponseToolResultsKind, Results: matched}},
		}
		// Trigger-only: the tool results themselves were just recorded in
		// toolResultsEvent (folded into History by Apply below), so this
		// request_completion carries no Content of its own. It exists purely
		// to wake the LLM handler, which rebuilds its provider call from the
		// freshly folded state rather than from this event's payload.
		nextRequest := events.Event{
			Type: events.TypeRequestCompletion,
			Data: events.Data{Request: &events.Request{Kind: events.RequestCompletionKind}},
		}
		return []events.Event{toolResultsEvent, nextRequest}, nil

	default:
		return nil, fmt.Errorf("aggregate: unknown response kind %q", resp.Kind)
	}
}

// mergeToolResults returns the subset of incoming whose id is currently
// pending (§3 merge_tool_results); unmatched ids are logged and dropped
// rather than failing the whole batch (§4.4).
func (a *Aggregate) mergeToolResults(pending map[string]events.ToolCall, incoming []events.ToolResult) []events.ToolResult {
	matched := make([]events.ToolResult, 0, len(incoming))
	for _, r := range incoming {
		if _, ok := pending[r.ID]; !ok {
			a.logger.Warn("aggregate: tool result for unknown call id ignored", "tool_call_id", r.ID)
			continue
		}
		matched = append(matched, r)
	}
	return matched
}

func extractToolCalls(resp events.Response) []events.ToolCall {
	if resp.Message == nil {
		return nil
	}
	var calls []events.ToolCall
	for _, c := range resp.Message.Content {
		if c.ToolCall != nil {
			calls = append(calls, *c.ToolCall)
		}
	}
	return calls
}

func toolResultsAsContent(results []events.ToolResult) []events.Content {
	content := make([]events.Content, 0, len(results))
	for i := range results {
		content = append(content, events.Content{ToolResult: &results[i]})
	}
	return content
}

// Apply is the reducer: (state, event) -> state (§4.4). It is a pure
// function of its arguments: given the same state and envelope it always
// returns the same result (§3 Invariant A3).
func (a *Aggregate) Apply(state State, env events.Envelope) (State, error) {
	var data events.Data
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return state, fmt.Errorf("aggregate: apply: decode envelope data: %w", err)
	}

	next := state.Clone()

	switch {
	case data.Request != nil && data.Request.Kind == events.RequestCompletionKind:
		// A request_completion with no Content is the post-tool-results
		// trigger (§3 A2): the tool results were already folded into History
		// by the response_tool_results branch below, so there is nothing new
		// to append here.
		if len(data.Request.Content) > 0 {
			next.History = append(next.History, events.Message{Role: "user", Content: data.Request.Content})
		}

	case data.Request != nil && data.Request.Kind == events.RequestToolCallsKind:
		for _, c := range data.Request.Calls {
			next.PendingToolCalls[c.ID] = c
		}

	case data.Response != nil && data.Response.Kind == events.ResponseCompletionKind:
		if data.Response.Message != nil {
			next.History = append(next.History, *data.Response.Message)
		}

	case data.Response != nil && data.Response.Kind == events.ResponseToolResultsKind:
		for _, r := range data.Response.Results {
			delete(next.PendingToolCalls, r.ID)
		}
		next.History = append(next.History, events.Message{Role: "tool", Content: toolResultsAsContent(data.Response.Results)})

	case data.SeedFromTemplate != nil, data.Seeded != nil:
		// Sandbox provisioning events carry no aggregate-visible state.

	case data.Agent != nil:
		newExt, err := a.ext.ApplyEvent(next.AgentExt, data.Agent)
		if err != nil {
			return state, fmt.Errorf("aggregate: apply agent event: %w", err)
		}
		next.AgentExt = newExt
		if a.ext.IsTerminal(data.Agent) {
			next.Terminated = true
		}

	default:
		return state, fmt.Errorf("aggregate: apply: event with no recognized payload")
	}

	return next, nil
}

// Fold replays envs in order onto initial (typically a fresh NewState), the
// operation the Finish Handler and every handler's state-reload rely on.
func Fold(a *Aggregate, initial State, envs []events.Envelope) (State, error) {
	state := initial
	for _, env := range envs {
		var err error
		state, err = a.Apply(state, env)
		if err != nil {
			return state, err
		}
	}
	return state, nil
}
