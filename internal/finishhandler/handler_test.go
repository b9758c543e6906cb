package finishhandler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/runtime/internal/aggregate"
	"github.com/agentloom/runtime/internal/eventstore"
	"github.com/agentloom/runtime/internal/runtime"
	"github.com/agentloom/runtime/internal/sandbox"
	"github.com/agentloom/runtime/internal/toollib"
	"github.com/agentloom/runtime/pkg/events"
)

// terminalExtension marks any agent event tagged "finished" as terminal, the
// minimal extension needed to drive a worker aggregate to completion.
type terminalExtension struct{}

func (terminalExtension) Type() string { return "worker" }
func (terminalExtension) ApplyEvent(ext, event json.RawMessage) (json.RawMessage, error) {
	return event, nil
}
func (terminalExtension) HandleCommand(state aggregate.State, cmd json.RawMessage, services any) ([]events.Event, error) {
	return []events.Event{{Type: events.TypeAgent, Data: events.Data{Agent: cmd}}}, nil
}
func (terminalExtension) IsTerminal(event json.RawMessage) bool {
	var tagged struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(event, &tagged)
	return tagged.Type == "finished"
}

func newTestHandler(t *testing.T) (*Handler, *runtime.Runtime, *sandbox.Handle) {
	t.Helper()
	store := eventstore.NewMemoryStore()
	agg := aggregate.New(terminalExtension{}, nil)
	factory := func(id string) aggregate.State { return aggregate.NewState("preamble", "model") }
	rt := runtime.New(store, "worker", agg, factory, nil, nil)

	boxes := sandbox.NewHandle(
		func(ctx context.Context, image string) (sandbox.Sandbox, error) {
			return sandbox.NewMemorySandbox(), nil
		},
		func(ctx context.Context, dockerfile string) (sandbox.Sandbox, error) {
			return sandbox.NewMemorySandbox(), nil
		},
	)

	tools := toollib.NewRegistry()
	require.NoError(t, tools.Register(toollib.NewWriteFileTool()))
	require.NoError(t, tools.Register(toollib.NewReadFileTool()))

	exportRoot := t.TempDir()
	h := New("finishhandler", rt, store, "worker", boxes, tools, Config{
		TemplatePath: t.TempDir(),
		ExportRoot:   exportRoot,
	}, nil)
	rt.Register(h)
	return h, rt, boxes
}

func TestReplayReapliesNeedsReplayToolsOnly(t *testing.T) {
	box := sandbox.NewMemorySandbox()
	tools := toollib.NewRegistry()
	require.NoError(t, tools.Register(toollib.NewWriteFileTool()))
	require.NoError(t, tools.Register(toollib.NewReadFileTool()))

	writeArgs, _ := json.Marshal(map[string]string{"path": "out.txt", "content": "hi"})
	readArgs, _ := json.Marshal(map[string]string{"path": "out.txt"})
	data, _ := json.Marshal(events.Data{Request: &events.Request{
		Kind: events.RequestToolCallsKind,
		Calls: []events.ToolCall{
			{ID: "c1", Name: "write_file", Arguments: writeArgs},
			{ID: "c2", Name: "read_file", Arguments: readArgs},
		},
	}})
	envs := []events.Envelope{{EventType: string(events.TypeRequestToolCalls), Data: data}}

	require.NoError(t, Replay(context.Background(), box, tools, envs))

	content, err := box.ReadFile(context.Background(), "out.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(content))
}

func TestHandleExportsOnTerminalEvent(t *testing.T) {
	h, rt, boxes := newTestHandler(t)
	ctx := context.Background()

	writeArgs, _ := json.Marshal(map[string]string{"path": "app.py", "content": "print('hi')"})
	toolCallCmd, _ := json.Marshal(map[string]string{"noop": "1"})
	_, err := rt.Execute(ctx, "w1", events.Command{Kind: events.CommandAgent, AgentCommand: toolCallCmd}, events.Metadata{})
	require.NoError(t, err)

	_, err = rt.Execute(ctx, "w1", events.Command{
		Kind: events.CommandSendRequest,
		Request: &events.Request{
			Kind:  events.RequestToolCallsKind,
			Calls: []events.ToolCall{{ID: "c1", Name: "write_file", Arguments: writeArgs}},
		},
	}, events.Metadata{})
	require.NoError(t, err)

	finishedEvent, _ := json.Marshal(map[string]string{"type": "finished", "summary": "done"})
	appended, err := rt.Execute(ctx, "w1", events.Command{Kind: events.CommandAgent, AgentCommand: finishedEvent}, events.Metadata{})
	require.NoError(t, err)

	require.NoError(t, h.Handle(ctx, appended[0]))

	_, ok := boxes.Get(replayBoxID("w1"))
	assert.True(t, ok, "replay sandbox should be registered after export")
}

func TestHandleSkipsNonTerminalAgentEvents(t *testing.T) {
	h, rt, boxes := newTestHandler(t)
	ctx := context.Background()

	toolCallCmd, _ := json.Marshal(map[string]string{"status": "working"})
	appended, err := rt.Execute(ctx, "w2", events.Command{Kind: events.CommandAgent, AgentCommand: toolCallCmd}, events.Metadata{})
	require.NoError(t, err)

	require.NoError(t, h.Handle(ctx, appended[0]))

	_, ok := boxes.Get(replayBoxID("w2"))
	assert.False(t, ok)
}
