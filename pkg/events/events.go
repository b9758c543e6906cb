// Package events defines the wire and storage types for the event-sourced
// agent runtime: the persisted Envelope, the Command/Event tagged unions,
// and the Request/Response/ToolCall/ToolResult types that make up an
// aggregate's transcript.
//
// Types here follow the single-discriminator-with-optional-payload-pointers
// shape used throughout this codebase for tagged unions (see AgentEvent in
// the runtime package for the in-memory analogue): exactly one payload field
// should be non-nil for a given Type.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventVersion is the event schema version written by this build. Schema
// migrations are out of scope for v1; the field exists for forward
// compatibility only.
const EventVersion = "1.0"

// Type enumerates the core event_type values emitted by the runtime.
// Agent-specific types (e.g. "grabbed", "finished", "tasks_planned") are
// free-form strings validated only by the owning agent's apply_event.
type Type string

const (
	TypeRequestCompletion   Type = "request_completion"
	TypeRequestToolCalls    Type = "request_tool_calls"
	TypeResponseCompletion  Type = "response_completion"
	TypeResponseToolResults Type = "response_tool_results"
	TypeRequestSeed         Type = "request_seed_from_template"
	TypeResponseSeeded      Type = "response_seeded"
	TypeAgent               Type = "agent" // agent-specific events carry their own sub-type in Data
)

// FinishReason mirrors the LLM provider's finish_reason enum (§6).
type FinishReason string

const (
	FinishStop    FinishReason = "stop"
	FinishToolUse FinishReason = "tool_use"
	FinishLength  FinishReason = "length"
	FinishOther   FinishReason = "other"
)

// Metadata travels alongside every envelope for correlation and audit.
type Metadata struct {
	CorrelationID uuid.UUID       `json:"correlation_id,omitempty"`
	CausationID   uuid.UUID       `json:"causation_id,omitempty"`
	Recipient     string          `json:"recipient,omitempty"`
	Extra         json.RawMessage `json:"extra,omitempty"`
}

// Envelope is the stored unit: a persisted event plus its position in the
// per-aggregate log (§3 Invariant E1). ID is the envelope's own identity,
// referenced by later envelopes' metadata.causation_id (§4.7 Correlation).
type Envelope struct {
	ID           uuid.UUID       `json:"id"`
	StreamID     string          `json:"stream_id"`
	AggregateID  string          `json:"aggregate_id"`
	Sequence     uint64          `json:"sequence"`
	EventType    string          `json:"event_type"`
	EventVersion string          `json:"event_version"`
	Data         json.RawMessage `json:"data"`
	Metadata     Metadata        `json:"metadata"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Content is a single piece of conversational content: text, a tool call
// demanded by the assistant, or a tool result fulfilling one.
type Content struct {
	Text       string          `json:"text,omitempty"`
	ToolCall   *ToolCall       `json:"tool_call,omitempty"`
	ToolResult *ToolResult     `json:"tool_result,omitempty"`
	Image      json.RawMessage `json:"image,omitempty"`
}

// ToolCall is a single function-call demand emitted by the assistant.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult fulfils a ToolCall by the same ID (§3 ToolCall / ToolResult).
type ToolResult struct {
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"is_error,omitempty"`
}

// Message is one turn in the aggregate's history (§3 Invariant A2).
type Message struct {
	Role    string    `json:"role"` // "user" | "assistant" | "tool"
	Content []Content `json:"content"`
}

// Request is a demand on the outside world: either an invocation of the LLM
// or a batch of tool calls to execute.
type Request struct {
	Kind    RequestKind `json:"kind"`
	Content []Content   `json:"content,omitempty"` // for Completion
	Calls   []ToolCall  `json:"calls,omitempty"`   // for ToolCalls
}

type RequestKind string

const (
	RequestCompletionKind RequestKind = "completion"
	RequestToolCallsKind  RequestKind = "tool_calls"
)

// Response is a fulfilment of a Request: either the LLM's answer or the
// results of executing a tool-call batch.
type Response struct {
	Kind         ResponseKind `json:"kind"`
	Message      *Message     `json:"message,omitempty"`       // for Completion
	FinishReason FinishReason `json:"finish_reason,omitempty"` // for Completion
	TokensIn     int          `json:"tokens_in,omitempty"`
	TokensOut    int          `json:"tokens_out,omitempty"`
	Results      []ToolResult `json:"results,omitempty"` // for ToolResults
}

type ResponseKind string

const (
	ResponseCompletionKind  ResponseKind = "completion"
	ResponseToolResultsKind ResponseKind = "tool_results"
)

// SeedFromTemplate asks the Tool Handler to populate a fresh sandbox from a
// named template directory (§4.6 Seeding).
type SeedFromTemplate struct {
	TemplatePath string `json:"template_path"`
	BasePath     string `json:"base_path"`
}

// Seeded reports the result of a SeedFromTemplate request.
type Seeded struct {
	FileCount    int    `json:"file_count"`
	TemplateHash string `json:"template_hash"`
}

// Data is the typed payload of an Event. Exactly one field is populated,
// selected by Type on the owning Envelope/Event.
type Data struct {
	Request          *Request          `json:"request,omitempty"`
	Response         *Response         `json:"response,omitempty"`
	SeedFromTemplate *SeedFromTemplate `json:"seed_from_template,omitempty"`
	Seeded           *Seeded           `json:"seeded,omitempty"`
	Agent            json.RawMessage   `json:"agent,omitempty"` // agent-specific event, opaque to the base reducer
}

// Event is the persisted output of a decision: a Type discriminator plus its
// Data payload (§3 Event).
type Event struct {
	Type Type `json:"type"`
	Data Data `json:"data"`
}

// CommandKind enumerates the base Command variants (§3 Command).
type CommandKind string

const (
	CommandPutUserMessage   CommandKind = "put_user_message"
	CommandSendRequest      CommandKind = "send_request"
	CommandSendResponse     CommandKind = "send_response"
	CommandAgent            CommandKind = "agent"
	CommandSeedFromTemplate CommandKind = "seed_from_template"
	CommandRecordSeeded     CommandKind = "record_seeded"
)

// Command is the external input to an aggregate's decision procedure.
type Command struct {
	Kind             CommandKind       `json:"kind"`
	UserContent      string            `json:"user_content,omitempty"`
	Request          *Request          `json:"request,omitempty"`
	Response         *Response         `json:"response,omitempty"`
	AgentCommand     json.RawMessage   `json:"agent_command,omitempty"`
	SeedFromTemplate *SeedFromTemplate `json:"seed_from_template,omitempty"`
	Seeded           *Seeded           `json:"seeded,omitempty"`
}
