// Package aggregate implements the Agent Aggregate (C4): a pure reducer
// (state, event) -> state and decision procedure (state, command) -> events.
// Agent-specific behaviour is injected through the Extension interface
// rather than subclassing, so one base Aggregate serves every concrete
// agent type in the runtime (worker, planner, link-spawned children).
package aggregate

import (
	"encoding/json"

	"github.com/agentloom/runtime/pkg/events"
)

// ToolDefinition is the subset of a toollib.Tool exposed to the LLM call:
// just enough to build a provider request, without pulling toollib (and its
// sandbox dependency) into this package.
type ToolDefinition struct {
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
}

// State is the per-agent-instance projection described in §3: preamble,
// model config, tool definitions, transcript, and the tool calls currently
// awaiting a result.
type State struct {
	Preamble         string
	Model            string
	Temperature      float64
	MaxTokens        int
	Tools            []ToolDefinition
	History          []events.Message
	PendingToolCalls map[string]events.ToolCall
	AgentExt         json.RawMessage
	Terminated       bool
}

// NewState returns a zero-value State ready to fold events onto (§3
// Invariant A3: replaying from empty plus all events must reproduce any
// live state).
func NewState(preamble, model string) State {
	return State{
		Preamble:         preamble,
		Model:            model,
		PendingToolCalls: make(map[string]events.ToolCall),
	}
}

// Clone returns a deep-enough copy of s so callers may safely pass the
// result of Apply around without aliasing PendingToolCalls or History.
func (s State) Clone() State {
	out := s
	out.History = append([]events.Message(nil), s.History...)
	out.PendingToolCalls = make(map[string]events.ToolCall, len(s.PendingToolCalls))
	for k, v := range s.PendingToolCalls {
		out.PendingToolCalls[k] = v
	}
	out.Tools = append([]ToolDefinition(nil), s.Tools...)
	return out
}
