package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/runtime/internal/aggregate"
	"github.com/agentloom/runtime/internal/eventstore"
	"github.com/agentloom/runtime/internal/runtime"
	"github.com/agentloom/runtime/pkg/events"
)

func newTestRuntime() (*runtime.Runtime, eventstore.EventStore) {
	store := eventstore.NewMemoryStore()
	agg := aggregate.New(Extension{}, nil)
	factory := func(id string) aggregate.State { return aggregate.NewState("preamble", "model") }
	rt := runtime.New(store, "worker", agg, factory, nil, nil)
	return rt, store
}

func toolResultsEnvelope(t *testing.T, rt *runtime.Runtime, results []events.ToolResult) events.Envelope {
	t.Helper()
	appended, err := rt.Execute(context.Background(), "task-1", events.Command{
		Kind:     events.CommandSendResponse,
		Response: &events.Response{Kind: events.ResponseToolResultsKind, Results: results},
	}, events.Metadata{})
	require.NoError(t, err)
	for _, env := range appended {
		if env.EventType == string(events.TypeResponseToolResults) {
			return env
		}
	}
	t.Fatal("no response_tool_results envelope appended")
	return events.Envelope{}
}

func TestGrabCommandRecordsTaskAssignment(t *testing.T) {
	rt, _ := newTestRuntime()
	ctx := context.Background()

	_, err := rt.Execute(ctx, "task-1", GrabCommand("task-1", "build the api"), events.Metadata{})
	require.NoError(t, err)

	state, _, err := rt.LoadState(ctx, "task-1")
	require.NoError(t, err)
	var agentState State
	require.NoError(t, json.Unmarshal(state.AgentExt, &agentState))
	assert.True(t, agentState.Grabbed)
	assert.Equal(t, "build the api", agentState.Description)
	assert.False(t, state.Terminated)
}

func TestHandlerFinishesOnSuccessfulDoneCall(t *testing.T) {
	rt, store := newTestRuntime()
	h := New("worker", rt, store, "worker", "", nil)
	rt.Register(h)
	ctx := context.Background()

	_, err := rt.Execute(ctx, "task-1", GrabCommand("task-1", "write tests"), events.Metadata{})
	require.NoError(t, err)

	// Record the pending tool call the response_tool_results envelope refers
	// back to, so worker.Handler can resolve its name.
	toolCallArgs, _ := json.Marshal(map[string]string{})
	_, err = rt.Execute(ctx, "task-1", events.Command{
		Kind: events.CommandSendRequest,
		Request: &events.Request{
			Kind:  events.RequestToolCallsKind,
			Calls: []events.ToolCall{{ID: "c1", Name: "done", Arguments: toolCallArgs}},
		},
	}, events.Metadata{})
	require.NoError(t, err)

	summary, _ := json.Marshal("all checks passed")
	env := toolResultsEnvelope(t, rt, []events.ToolResult{{ID: "c1", Content: summary}})

	require.NoError(t, h.Handle(ctx, env))

	state, _, err := rt.LoadState(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, state.Terminated)
	var agentState State
	require.NoError(t, json.Unmarshal(state.AgentExt, &agentState))
	assert.Equal(t, "all checks passed", agentState.Summary)
}

func TestHandlerIgnoresFailedDoneCall(t *testing.T) {
	rt, store := newTestRuntime()
	h := New("worker", rt, store, "worker", "", nil)
	rt.Register(h)
	ctx := context.Background()

	toolCallArgs, _ := json.Marshal(map[string]string{})
	_, err := rt.Execute(ctx, "task-1", events.Command{
		Kind: events.CommandSendRequest,
		Request: &events.Request{
			Kind:  events.RequestToolCallsKind,
			Calls: []events.ToolCall{{ID: "c1", Name: "done", Arguments: toolCallArgs}},
		},
	}, events.Metadata{})
	require.NoError(t, err)

	reason, _ := json.Marshal("validation failed: tests failed")
	env := toolResultsEnvelope(t, rt, []events.ToolResult{{ID: "c1", Content: reason, IsError: true}})

	require.NoError(t, h.Handle(ctx, env))

	state, _, err := rt.LoadState(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, state.Terminated)
}

func TestHandlerIgnoresNonDoneToolResults(t *testing.T) {
	rt, store := newTestRuntime()
	h := New("worker", rt, store, "worker", "", nil)
	rt.Register(h)
	ctx := context.Background()

	toolCallArgs, _ := json.Marshal(map[string]string{"path": "out.txt", "content": "hi"})
	_, err := rt.Execute(ctx, "task-1", events.Command{
		Kind: events.CommandSendRequest,
		Request: &events.Request{
			Kind:  events.RequestToolCallsKind,
			Calls: []events.ToolCall{{ID: "c1", Name: "write_file", Arguments: toolCallArgs}},
		},
	}, events.Metadata{})
	require.NoError(t, err)

	out, _ := json.Marshal("wrote out.txt")
	env := toolResultsEnvelope(t, rt, []events.ToolResult{{ID: "c1", Content: out}})

	require.NoError(t, h.Handle(ctx, env))

	state, _, err := rt.LoadState(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, state.Terminated)
}

func TestHandlerIsIdempotentUnderRedelivery(t *testing.T) {
	rt, store := newTestRuntime()
	h := New("worker", rt, store, "worker", "", nil)
	rt.Register(h)
	ctx := context.Background()

	toolCallArgs, _ := json.Marshal(map[string]string{})
	_, err := rt.Execute(ctx, "task-1", events.Command{
		Kind: events.CommandSendRequest,
		Request: &events.Request{
			Kind:  events.RequestToolCallsKind,
			Calls: []events.ToolCall{{ID: "c1", Name: "done", Arguments: toolCallArgs}},
		},
	}, events.Metadata{})
	require.NoError(t, err)

	summary, _ := json.Marshal("done")
	env := toolResultsEnvelope(t, rt, []events.ToolResult{{ID: "c1", Content: summary}})

	require.NoError(t, h.Handle(ctx, env))
	require.NoError(t, h.Handle(ctx, env))

	_, envs, err := rt.LoadState(ctx, "task-1")
	require.NoError(t, err)
	finishedCount := 0
	for _, e := range envs {
		if e.EventType == "finished" {
			finishedCount++
		}
	}
	assert.Equal(t, 1, finishedCount)
}
