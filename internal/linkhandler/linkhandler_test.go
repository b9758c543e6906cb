package linkhandler

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

// finishedExtension treats any agent event tagged "finished" as terminal,
// just enough agent-specific behaviour to exercise Backward's trigger.
type finishedExtension struct{}

func (finishedExtension) Type() string { return "child" }
func (finishedExtension) ApplyEvent(ext, event json.RawMessage) (json.RawMessage, error) {
	return event, nil
}
func (finishedExtension) HandleCommand(state aggregate.State, cmd json.RawMessage, services any) ([]events.Event, error) {
	return []events.Event{{Type: events.TypeAgent, Data: events.Data{Agent: cmd}}}, nil
}
func (finishedExtension) IsTerminal(event json.RawMessage) bool {
	var tagged struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(event, &tagged)
	return tagged.Type == "finished"
}

type finished struct {
	Type    string `json:"type"`
	Summary string `json:"summary"`
}

// explorerLinkStrategy spawns a child "databricks_<call_id>" aggregate
// whenever the parent emits a request_tool_calls containing a call to
// explore_databricks_catalog, and translates the child's "finished" event
// back into a ToolResults response addressed to the parent, grounded on the
// example in §4.7.
type explorerLinkStrategy struct{}

func (explorerLinkStrategy) Forward(parentID string, env events.Envelope) (Spawn, bool, error) {
	if env.EventType != string(events.TypeRequestToolCalls) {
		return Spawn{}, false, nil
	}
	var data events.Data
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return Spawn{}, false, err
	}
	if data.Request == nil {
		return Spawn{}, false, nil
	}
	for _, call := range data.Request.Calls {
		if call.Name != "explore_databricks_catalog" {
			continue
		}
		agentCmd, _ := json.Marshal(map[string]string{"call_id": call.ID})
		return Spawn{
			ChildID: "databricks_" + call.ID,
			Command: events.Command{Kind: events.CommandAgent, AgentCommand: agentCmd},
		}, true, nil
	}
	return Spawn{}, false, nil
}

func (explorerLinkStrategy) Backward(childID string, env events.Envelope) (Translation, bool, error) {
	if env.EventType != "finished" {
		return Translation{}, false, nil
	}
	var data events.Data
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return Translation{}, false, err
	}
	var f finished
	if err := json.Unmarshal(data.Agent, &f); err != nil || f.Type != "finished" {
		return Translation{}, false, nil
	}
	callID := childID[len("databricks_"):]
	resp := events.Response{
		Kind:    events.ResponseToolResultsKind,
		Results: []events.ToolResult{{ID: callID, Content: json.RawMessage(`"` + f.Summary + `"`)}},
	}
	return Translation{
		ParentID: "parent1",
		Command:  events.Command{Kind: events.CommandSendResponse, Response: &resp},
	}, true, nil
}

func newLinkedRuntimes() (*runtime.Runtime, *runtime.Runtime, eventstore.EventStore) {
	store := eventstore.NewMemoryStore()
	parentAgg := aggregate.New(aggregate.NopExtension{}, nil)
	parentFactory := func(id string) aggregate.State { return aggregate.NewState("preamble", "model") }
	parent := runtime.New(store, "parent", parentAgg, parentFactory, nil, nil)

	childAgg := aggregate.New(finishedExtension{}, nil)
	childFactory := func(id string) aggregate.State { return aggregate.NewState("preamble", "model") }
	child := runtime.New(store, "child", childAgg, childFactory, nil, nil)

	return parent, child, store
}

func TestForwardSpawnsChildOnTriggerTool(t *testing.T) {
	parent, child, _ := newLinkedRuntimes()
	h := New("link", explorerLinkStrategy{}, parent, child, nil)
	parent.Register(h)
	child.Register(h)

	ctx := context.Background()
	appended, err := parent.Execute(ctx, "parent1", events.Command{
		Kind: events.CommandSendRequest,
		Request: &events.Request{
			Kind:  events.RequestToolCallsKind,
			Calls: []events.ToolCall{{ID: "call1", Name: "explore_databricks_catalog"}},
		},
	}, events.Metadata{})
	require.NoError(t, err)
	require.Len(t, appended, 1)

	require.NoError(t, h.Handle(ctx, appended[0]))

	childState, childEnvs, err := child.LoadState(ctx, "databricks_call1")
	require.NoError(t, err)
	require.Len(t, childEnvs, 1)
	assert.Equal(t, appended[0].ID, childEnvs[0].Metadata.CausationID)
	assert.False(t, childState.Terminated)
}

func TestForwardIsIdempotentUnderRedelivery(t *testing.T) {
	parent, child, _ := newLinkedRuntimes()
	h := New("link", explorerLinkStrategy{}, parent, child, nil)
	parent.Register(h)
	child.Register(h)

	ctx := context.Background()
	appended, err := parent.Execute(ctx, "parent1", events.Command{
		Kind: events.CommandSendRequest,
		Request: &events.Request{
			Kind:  events.RequestToolCallsKind,
			Calls: []events.ToolCall{{ID: "call1", Name: "explore_databricks_catalog"}},
		},
	}, events.Metadata{})
	require.NoError(t, err)

	require.NoError(t, h.Handle(ctx, appended[0]))
	require.NoError(t, h.Handle(ctx, appended[0]))

	_, childEnvs, err := child.LoadState(ctx, "databricks_call1")
	require.NoError(t, err)
	assert.Len(t, childEnvs, 1)
}

func TestBackwardTranslatesTerminalChildEventToParent(t *testing.T) {
	parent, child, _ := newLinkedRuntimes()
	h := New("link", explorerLinkStrategy{}, parent, child, nil)
	parent.Register(h)
	child.Register(h)

	ctx := context.Background()
	_, err := parent.Execute(ctx, "parent1", events.Command{
		Kind: events.CommandSendRequest,
		Request: &events.Request{
			Kind:  events.RequestToolCallsKind,
			Calls: []events.ToolCall{{ID: "call1", Name: "explore_databricks_catalog"}},
		},
	}, events.Metadata{})
	require.NoError(t, err)

	agentCmd, _ := json.Marshal(map[string]string{"call_id": "call1"})
	childAppended, err := child.Execute(ctx, "databricks_call1", events.Command{
		Kind: events.CommandAgent, AgentCommand: agentCmd,
	}, events.Metadata{})
	require.NoError(t, err)
	finishedEvent, _ := json.Marshal(finished{Type: "finished", Summary: "catalog explored"})
	finishedAppended, err := child.Execute(ctx, "databricks_call1", events.Command{
		Kind: events.CommandAgent, AgentCommand: finishedEvent,
	}, events.Metadata{})
	require.NoError(t, err)
	_ = childAppended

	require.NoError(t, h.Handle(ctx, finishedAppended[0]))

	parentState, _, err := parent.LoadState(ctx, "parent1")
	require.NoError(t, err)
	assert.Empty(t, parentState.PendingToolCalls)
	last := parentState.History[len(parentState.History)-1]
	require.Len(t, last.Content, 1)
	require.NotNil(t, last.Content[0].ToolResult)
	assert.Equal(t, "call1", last.Content[0].ToolResult.ID)
}
