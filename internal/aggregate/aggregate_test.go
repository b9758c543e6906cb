package aggregate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/runtime/pkg/events"
)

func envelope(t *testing.T, seq uint64, ev events.Event) events.Envelope {
	t.Helper()
	data, err := json.Marshal(ev.Data)
	require.NoError(t, err)
	return events.Envelope{
		StreamID:    "worker",
		AggregateID: "a1",
		Sequence:    seq,
		EventType:   string(ev.Type),
		Data:        data,
	}
}

func TestHandlePutUserMessage(t *testing.T) {
	agg := New(NopExtension{}, nil)
	state := NewState("preamble", "claude")

	out, err := agg.Handle(state, events.Command{Kind: events.CommandPutUserMessage, UserContent: "hello"}, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, events.TypeRequestCompletion, out[0].Type)
	assert.Equal(t, "hello", out[0].Data.Request.Content[0].Text)
}

func TestHandleRejectsCompletionWithPendingCalls(t *testing.T) {
	agg := New(NopExtension{}, nil)
	state := NewState("p", "m")
	state.PendingToolCalls["call-1"] = events.ToolCall{ID: "call-1", Name: "bash"}

	_, err := agg.Handle(state, events.Command{Kind: events.CommandPutUserMessage, UserContent: "x"}, nil)
	assert.ErrorIs(t, err, ErrPendingToolCalls)
}

func TestResponseCompletionWithToolCallsDemandsExecution(t *testing.T) {
	agg := New(NopExtension{}, nil)
	state := NewState("p", "m")

	resp := events.Response{
		Kind: events.ResponseCompletionKind,
		Message: &events.Message{
			Role: "assistant",
			Content: []events.Content{
				{ToolCall: &events.ToolCall{ID: "c1", Name: "bash"}},
			},
		},
	}
	out, err := agg.Handle(state, events.Command{Kind: events.CommandSendResponse, Response: &resp}, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, events.TypeResponseCompletion, out[0].Type)
	assert.Equal(t, events.TypeRequestToolCalls, out[1].Type)
	assert.Equal(t, "c1", out[1].Data.Request.Calls[0].ID)
}

func TestResponseToolResultsMergesAndReRequestsCompletion(t *testing.T) {
	agg := New(NopExtension{}, nil)
	state := NewState("p", "m")
	state.PendingToolCalls["c1"] = events.ToolCall{ID: "c1", Name: "bash"}
	state.PendingToolCalls["c2"] = events.ToolCall{ID: "c2", Name: "bash"}

	resp := events.Response{
		Kind: events.ResponseToolResultsKind,
		Results: []events.ToolResult{
			{ID: "c1", Content: json.RawMessage(`"ok"`)},
			{ID: "unknown", Content: json.RawMessage(`"ignored"`)},
		},
	}
	out, err := agg.Handle(state, events.Command{Kind: events.CommandSendResponse, Response: &resp}, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, events.TypeResponseToolResults, out[0].Type)
	require.Len(t, out[0].Data.Response.Results, 1, "unmatched id must be dropped")
	assert.Equal(t, "c1", out[0].Data.Response.Results[0].ID)
	assert.Equal(t, events.TypeRequestCompletion, out[1].Type)
	assert.Empty(t, out[1].Data.Request.Content, "re-request must be a content-less trigger, not a duplicate of the tool results")
}

func TestApplyIsPureAndReplayable(t *testing.T) {
	agg := New(NopExtension{}, nil)
	state := NewState("p", "m")

	evs := []events.Event{
		{Type: events.TypeRequestCompletion, Data: events.Data{Request: &events.Request{
			Kind: events.RequestCompletionKind, Content: []events.Content{{Text: "hi"}},
		}}},
		{Type: events.TypeRequestToolCalls, Data: events.Data{Request: &events.Request{
			Kind: events.RequestToolCallsKind, Calls: []events.ToolCall{{ID: "c1", Name: "bash"}},
		}}},
		{Type: events.TypeResponseToolResults, Data: events.Data{Response: &events.Response{
			Kind: events.ResponseToolResultsKind, Results: []events.ToolResult{{ID: "c1", Content: json.RawMessage(`"done"`)}},
		}}},
	}

	var envs []events.Envelope
	for i, ev := range evs {
		envs = append(envs, envelope(t, uint64(i+1), ev))
	}

	replayed, err := Fold(agg, state, envs)
	require.NoError(t, err)
	assert.Empty(t, replayed.PendingToolCalls)
	assert.Len(t, replayed.History, 2)

	replayedAgain, err := Fold(agg, state, envs)
	require.NoError(t, err)
	assert.Equal(t, replayed.History, replayedAgain.History, "replay from empty must be deterministic")
}
