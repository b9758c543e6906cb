package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/agentloom/runtime/internal/eventstore"
	"github.com/agentloom/runtime/internal/runtime"
	"github.com/agentloom/runtime/pkg/events"
)

// DoneTool is the default tool name whose successful result ends a task.
const DoneTool = "done"

// Handler watches response_tool_results envelopes for a successful call to
// the done tool and marks the worker aggregate finished (§3 Lifecycle). It
// is the production counterpart of the ad hoc terminal extensions used in
// other packages' tests.
type Handler struct {
	name     string
	rt       *runtime.Runtime
	store    eventstore.EventStore
	streamID string
	doneTool string
	logger   *slog.Logger
}

// New builds a worker Handler. doneTool defaults to DoneTool.
func New(name string, rt *runtime.Runtime, store eventstore.EventStore, streamID, doneTool string, logger *slog.Logger) *Handler {
	if doneTool == "" {
		doneTool = DoneTool
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{name: name, rt: rt, store: store, streamID: streamID, doneTool: doneTool, logger: logger}
}

func (h *Handler) Name() string { return h.name }

func (h *Handler) Handle(ctx context.Context, env events.Envelope) error {
	if env.EventType != string(events.TypeResponseToolResults) {
		return nil
	}

	already, err := runtime.HasCausedEvent(ctx, h.store, h.streamID, env.AggregateID, env.ID)
	if err != nil {
		return fmt.Errorf("worker: idempotency check: %w", err)
	}
	if already {
		return nil
	}

	var data events.Data
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return fmt.Errorf("worker: decode envelope data: %w", err)
	}
	if data.Response == nil || data.Response.Kind != events.ResponseToolResultsKind {
		return nil
	}

	_, envs, err := h.rt.LoadState(ctx, env.AggregateID)
	if err != nil {
		return fmt.Errorf("worker: load state for %s: %w", env.AggregateID, err)
	}
	names := toolNamesByCallID(envs)

	for _, result := range data.Response.Results {
		if names[result.ID] != h.doneTool || result.IsError {
			continue
		}
		var summary string
		_ = json.Unmarshal(result.Content, &summary)
		_, err := h.rt.Execute(ctx, env.AggregateID, FinishCommand(summary),
			events.Metadata{CorrelationID: env.Metadata.CorrelationID, CausationID: env.ID})
		if err != nil {
			return fmt.Errorf("worker: finish %s: %w", env.AggregateID, err)
		}
		return nil
	}
	return nil
}

// toolNamesByCallID indexes every tool call name by id across an
// aggregate's request_tool_calls history, so a later response_tool_results
// envelope (which carries only ids) can be matched back to tool names.
func toolNamesByCallID(envs []events.Envelope) map[string]string {
	names := make(map[string]string)
	for _, env := range envs {
		if env.EventType != string(events.TypeRequestToolCalls) {
			continue
		}
		var data events.Data
		if err := json.Unmarshal(env.Data, &data); err != nil || data.Request == nil {
			continue
		}
		for _, call := range data.Request.Calls {
			names[call.ID] = call.Name
		}
	}
	return names
}
