package planner

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

// childFinishedExtension is a no-op child extension standing in for a real
// worker agent; it never reports a terminal event. The planner Handler
// itself treats a child's response_completion with a terminal finish reason
// as task completion (§4.10's "terminal completion" trigger).
type childFinishedExtension struct{}

func (childFinishedExtension) Type() string { return "worker" }
func (childFinishedExtension) ApplyEvent(ext, event json.RawMessage) (json.RawMessage, error) {
	return ext, nil
}
func (childFinishedExtension) HandleCommand(state aggregate.State, cmd json.RawMessage, services any) ([]events.Event, error) {
	return nil, nil
}
func (childFinishedExtension) IsTerminal(event json.RawMessage) bool { return false }

func newPlannerTestRuntimes() (*runtime.Runtime, *runtime.Runtime) {
	store := eventstore.NewMemoryStore()
	plannerAgg := aggregate.New(Extension{}, nil)
	plannerFactory := func(id string) aggregate.State { return aggregate.NewState("", "") }
	plannerRT := runtime.New(store, "planner", plannerAgg, plannerFactory, nil, nil)

	childAgg := aggregate.New(childFinishedExtension{}, nil)
	childFactory := func(id string) aggregate.State { return aggregate.NewState("preamble", "model") }
	childRT := runtime.New(store, "child", childAgg, childFactory, nil, nil)

	return plannerRT, childRT
}

// completeChild pushes a terminal response_completion onto a child
// aggregate directly via CommandSendResponse, as the LLM Handler would once
// the provider returns a stop reason.
func completeChild(ctx context.Context, t *testing.T, childRT *runtime.Runtime, childID string) events.Envelope {
	t.Helper()
	appended, err := childRT.Execute(ctx, childID, events.Command{
		Kind: events.CommandSendResponse,
		Response: &events.Response{
			Kind:         events.ResponseCompletionKind,
			Message:      &events.Message{Role: "assistant", Content: []events.Content{{Text: "done"}}},
			FinishReason: events.FinishStop,
		},
	}, events.Metadata{})
	require.NoError(t, err)
	require.Len(t, appended, 1)
	return appended[0]
}

func TestPlanRequestedSplitsAndDispatchesFirstTask(t *testing.T) {
	plannerRT, childRT := newPlannerTestRuntimes()
	h := New("planner", LineSplitterParser{}, plannerRT, childRT, Config{PlannerID: "plan1"}, nil, nil)
	plannerRT.Register(h)
	childRT.Register(h)

	ctx := context.Background()
	appended, err := plannerRT.Execute(ctx, "plan1", events.Command{
		Kind:         events.CommandAgent,
		AgentCommand: marshalCommand(taggedCommand{Type: commandRequestPlan, Prompt: "- build api\n- write tests"}),
	}, events.Metadata{})
	require.NoError(t, err)
	require.Len(t, appended, 1)

	require.NoError(t, h.Handle(ctx, appended[0]))

	state, envs, err := plannerRT.LoadState(ctx, "plan1")
	require.NoError(t, err)
	var planState State
	require.NoError(t, json.Unmarshal(state.AgentExt, &planState))
	require.Len(t, planState.Tasks, 2)
	assert.Equal(t, "build api", planState.Tasks[0].Description)
	assert.Equal(t, "write tests", planState.Tasks[1].Description)

	// plan_requested + tasks_planned + task_dispatched
	require.Len(t, envs, 3)
	dispatchEnv := envs[2]

	require.NoError(t, h.Handle(ctx, dispatchEnv))

	childState, _, err := childRT.LoadState(ctx, "task-0")
	require.NoError(t, err)
	require.Len(t, childState.History, 1)
	assert.Equal(t, "build api", childState.History[0].Content[0].Text)
}

func TestFullPlanCompletesThroughBothTasks(t *testing.T) {
	plannerRT, childRT := newPlannerTestRuntimes()
	h := New("planner", LineSplitterParser{}, plannerRT, childRT, Config{PlannerID: "plan1"}, nil, nil)
	plannerRT.Register(h)
	childRT.Register(h)

	ctx := context.Background()
	appended, err := plannerRT.Execute(ctx, "plan1", events.Command{
		Kind:         events.CommandAgent,
		AgentCommand: marshalCommand(taggedCommand{Type: commandRequestPlan, Prompt: "- build api\n- write tests"}),
	}, events.Metadata{})
	require.NoError(t, err)
	require.NoError(t, h.Handle(ctx, appended[0]))

	_, envs, err := plannerRT.LoadState(ctx, "plan1")
	require.NoError(t, err)
	require.NoError(t, h.Handle(ctx, envs[len(envs)-1])) // task_dispatched{0}

	task0Completion := completeChild(ctx, t, childRT, "task-0")
	require.NoError(t, h.Handle(ctx, task0Completion))

	state, envs, err := plannerRT.LoadState(ctx, "plan1")
	require.NoError(t, err)
	var planState State
	require.NoError(t, json.Unmarshal(state.AgentExt, &planState))
	assert.True(t, planState.Completed[0])
	assert.Equal(t, 1, planState.Current)
	require.False(t, state.Terminated)

	require.NoError(t, h.Handle(ctx, envs[len(envs)-1])) // task_dispatched{1}

	task1Completion := completeChild(ctx, t, childRT, "task-1")
	require.NoError(t, h.Handle(ctx, task1Completion))

	state, _, err = plannerRT.LoadState(ctx, "plan1")
	require.NoError(t, err)
	require.True(t, state.Terminated)
	var final State
	require.NoError(t, json.Unmarshal(state.AgentExt, &final))
	assert.True(t, final.Completed[1])
}

func TestTaskDispatchedIsIdempotentUnderRedelivery(t *testing.T) {
	plannerRT, childRT := newPlannerTestRuntimes()
	h := New("planner", LineSplitterParser{}, plannerRT, childRT, Config{PlannerID: "plan1"}, nil, nil)
	plannerRT.Register(h)
	childRT.Register(h)

	ctx := context.Background()
	appended, err := plannerRT.Execute(ctx, "plan1", events.Command{
		Kind:         events.CommandAgent,
		AgentCommand: marshalCommand(taggedCommand{Type: commandRequestPlan, Prompt: "only task"}),
	}, events.Metadata{})
	require.NoError(t, err)
	require.NoError(t, h.Handle(ctx, appended[0]))

	_, envs, err := plannerRT.LoadState(ctx, "plan1")
	require.NoError(t, err)
	dispatchEnv := envs[len(envs)-1]

	require.NoError(t, h.Handle(ctx, dispatchEnv))
	require.NoError(t, h.Handle(ctx, dispatchEnv))

	_, childEnvs, err := childRT.LoadState(ctx, "task-0")
	require.NoError(t, err)
	assert.Len(t, childEnvs, 1)
}

func TestClarificationRoundTripResumesChild(t *testing.T) {
	plannerRT, childRT := newPlannerTestRuntimes()
	h := New("planner", LineSplitterParser{}, plannerRT, childRT, Config{PlannerID: "plan1"}, nil, nil)
	plannerRT.Register(h)
	childRT.Register(h)

	ctx := context.Background()
	appended, err := plannerRT.Execute(ctx, "plan1", events.Command{
		Kind:         events.CommandAgent,
		AgentCommand: marshalCommand(taggedCommand{Type: commandRequestPlan, Prompt: "only task"}),
	}, events.Metadata{})
	require.NoError(t, err)
	require.NoError(t, h.Handle(ctx, appended[0]))
	_, envs, err := plannerRT.LoadState(ctx, "plan1")
	require.NoError(t, err)
	require.NoError(t, h.Handle(ctx, envs[len(envs)-1]))

	clarifyAppended, err := plannerRT.Execute(ctx, "plan1", events.Command{
		Kind:         events.CommandAgent,
		AgentCommand: marshalCommand(taggedCommand{Type: commandRecordClarifyProvided, Answer: "use postgres"}),
	}, events.Metadata{})
	require.NoError(t, err)
	require.Len(t, clarifyAppended, 1)

	require.NoError(t, h.Handle(ctx, clarifyAppended[0]))

	childState, _, err := childRT.LoadState(ctx, "task-0")
	require.NoError(t, err)
	require.Len(t, childState.History, 2)
	assert.Equal(t, "use postgres", childState.History[1].Content[0].Text)
}
