package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/runtime/internal/aggregate"
	"github.com/agentloom/runtime/internal/eventstore"
	"github.com/agentloom/runtime/pkg/events"
)

type recordingHandler struct {
	name string
	mu   sync.Mutex
	seen []events.Envelope
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) Handle(ctx context.Context, env events.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, env)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func newTestRuntime() (*Runtime, eventstore.EventStore) {
	store := eventstore.NewMemoryStore()
	agg := aggregate.New(aggregate.NopExtension{}, nil)
	factory := func(id string) aggregate.State { return aggregate.NewState("preamble", "model") }
	return New(store, "worker", agg, factory, nil, nil), store
}

func TestExecuteAppendsDecidedEvents(t *testing.T) {
	rt, _ := newTestRuntime()
	ctx := context.Background()

	appended, err := rt.Execute(ctx, "a1", events.Command{Kind: events.CommandPutUserMessage, UserContent: "hi"}, events.Metadata{})
	require.NoError(t, err)
	require.Len(t, appended, 1)
	assert.Equal(t, uint64(1), appended[0].Sequence)
	assert.Equal(t, string(events.TypeRequestCompletion), appended[0].EventType)
}

func TestExecuteRejectsCompletionWhilePending(t *testing.T) {
	rt, _ := newTestRuntime()
	ctx := context.Background()

	resp := events.Response{
		Kind: events.ResponseCompletionKind,
		Message: &events.Message{Role: "assistant", Content: []events.Content{
			{ToolCall: &events.ToolCall{ID: "c1", Name: "bash"}},
		}},
	}
	_, err := rt.Execute(ctx, "a1", events.Command{Kind: events.CommandSendResponse, Response: &resp}, events.Metadata{})
	require.NoError(t, err)

	_, err = rt.Execute(ctx, "a1", events.Command{Kind: events.CommandPutUserMessage, UserContent: "x"}, events.Metadata{})
	assert.ErrorIs(t, err, aggregate.ErrPendingToolCalls)
}

func TestRunDispatchesToHandlersInOrder(t *testing.T) {
	rt, _ := newTestRuntime()
	var order []string
	var mu sync.Mutex

	h1 := &trackingHandler{name: "first", order: &order, mu: &mu}
	h2 := &trackingHandler{name: "second", order: &order, mu: &mu}
	rt.Register(h1)
	rt.Register(h2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rt.Run(ctx)
		close(done)
	}()

	_, err := rt.Execute(ctx, "a1", events.Command{Kind: events.CommandPutUserMessage, UserContent: "hi"}, events.Metadata{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, order)
}

type trackingHandler struct {
	name  string
	order *[]string
	mu    *sync.Mutex
}

func (h *trackingHandler) Name() string { return h.name }

func (h *trackingHandler) Handle(ctx context.Context, env events.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.order = append(*h.order, h.name)
	return nil
}

func TestHandlerErrorDoesNotAbortLoop(t *testing.T) {
	rt, _ := newTestRuntime()
	failing := &erroringHandler{}
	following := &recordingHandler{name: "following"}
	rt.Register(failing)
	rt.Register(following)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	_, err := rt.Execute(ctx, "a1", events.Command{Kind: events.CommandPutUserMessage, UserContent: "hi"}, events.Metadata{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return following.count() >= 1
	}, time.Second, 5*time.Millisecond)
}

type erroringHandler struct{}

func (erroringHandler) Name() string { return "erroring" }
func (erroringHandler) Handle(ctx context.Context, env events.Envelope) error {
	return assert.AnError
}
