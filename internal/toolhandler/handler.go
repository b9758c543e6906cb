// Package toolhandler implements the Tool Handler (C6): it reacts to
// "request_tool_calls" events by dispatching each call, in order, against
// the aggregate's sandbox, and answers with a single Response::ToolResults
// event. It also services Request::SeedFromTemplate (§4.6).
package toolhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/agentloom/runtime/internal/eventstore"
	"github.com/agentloom/runtime/internal/runtime"
	"github.com/agentloom/runtime/internal/sandbox"
	"github.com/agentloom/runtime/internal/telemetry"
	"github.com/agentloom/runtime/internal/toollib"
	"github.com/agentloom/runtime/pkg/events"
)

// Config names the Docker image new sandboxes are created from when a
// request_tool_calls envelope arrives for an aggregate with no sandbox yet.
type Config struct {
	Image      string
	Dockerfile string
}

// Handler is a runtime.EventHandler that executes tool calls against a
// per-aggregate sandbox owned by a sandbox.Handle.
type Handler struct {
	name     string
	rt       *runtime.Runtime
	store    eventstore.EventStore
	streamID string
	boxes    *sandbox.Handle
	tools    *toollib.Registry
	cfg      Config
	logger   *slog.Logger
	tracer   *telemetry.Tracer
	metrics  *telemetry.Metrics
}

// SetTelemetry wires optional tracing/metrics around tool dispatch.
func (h *Handler) SetTelemetry(tracer *telemetry.Tracer, metrics *telemetry.Metrics) {
	h.tracer = tracer
	h.metrics = metrics
}

// New builds a Tool Handler. boxes is shared with the Finish Handler so both
// see the same live sandbox for an aggregate id (§3 Ownership).
func New(name string, rt *runtime.Runtime, store eventstore.EventStore, streamID string, boxes *sandbox.Handle, tools *toollib.Registry, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{name: name, rt: rt, store: store, streamID: streamID, boxes: boxes, tools: tools, cfg: cfg, logger: logger}
}

func (h *Handler) Name() string { return h.name }

func (h *Handler) Handle(ctx context.Context, env events.Envelope) error {
	switch events.Type(env.EventType) {
	case events.TypeRequestToolCalls:
		return h.handleToolCalls(ctx, env)
	case events.TypeRequestSeed:
		return h.handleSeed(ctx, env)
	default:
		return nil
	}
}

func (h *Handler) handleToolCalls(ctx context.Context, env events.Envelope) error {
	already, err := runtime.HasCausedEvent(ctx, h.store, h.streamID, env.AggregateID, env.ID)
	if err != nil {
		return fmt.Errorf("toolhandler: idempotency check: %w", err)
	}
	if already {
		return nil
	}

	var data events.Data
	if err := unmarshalData(env, &data); err != nil {
		return err
	}
	if data.Request == nil || data.Request.Kind != events.RequestToolCallsKind {
		return nil
	}

	box, err := h.boxes.GetOrCreate(ctx, env.AggregateID, h.cfg.Image)
	if err != nil {
		return fmt.Errorf("toolhandler: acquire sandbox for %s: %w", env.AggregateID, err)
	}

	results := make([]events.ToolResult, 0, len(data.Request.Calls))
	for _, call := range data.Request.Calls {
		out := h.dispatch(ctx, box, call)
		content, err := marshalContent(out.Content)
		if err != nil {
			return fmt.Errorf("toolhandler: marshal result for %s: %w", call.ID, err)
		}
		results = append(results, events.ToolResult{ID: call.ID, Content: content, IsError: out.IsError})
	}

	resp := events.Response{Kind: events.ResponseToolResultsKind, Results: results}
	_, err = h.rt.Execute(ctx, env.AggregateID, events.Command{
		Kind:     events.CommandSendResponse,
		Response: &resp,
	}, events.Metadata{CorrelationID: env.Metadata.CorrelationID, CausationID: env.ID})
	if err != nil {
		return fmt.Errorf("toolhandler: append tool results for %s: %w", env.AggregateID, err)
	}
	return nil
}

func (h *Handler) handleSeed(ctx context.Context, env events.Envelope) error {
	already, err := runtime.HasCausedEvent(ctx, h.store, h.streamID, env.AggregateID, env.ID)
	if err != nil {
		return fmt.Errorf("toolhandler: idempotency check: %w", err)
	}
	if already {
		return nil
	}

	var data events.Data
	if err := unmarshalData(env, &data); err != nil {
		return err
	}
	if data.SeedFromTemplate == nil {
		return nil
	}
	seed := data.SeedFromTemplate

	box, err := h.boxes.CreateFromDirectory(ctx, env.AggregateID, seed.TemplatePath, h.cfg.Dockerfile)
	if err != nil {
		return fmt.Errorf("toolhandler: seed sandbox for %s: %w", env.AggregateID, err)
	}
	if seed.BasePath != "" {
		if err := box.SetWorkdir(ctx, seed.BasePath); err != nil {
			return fmt.Errorf("toolhandler: set workdir for %s: %w", env.AggregateID, err)
		}
	}

	fileCount, err := countTemplateFiles(seed.TemplatePath)
	if err != nil {
		return fmt.Errorf("toolhandler: count seeded files for %s: %w", env.AggregateID, err)
	}
	hash, err := sandbox.TemplateHash(seed.TemplatePath)
	if err != nil {
		return fmt.Errorf("toolhandler: hash template %s: %w", seed.TemplatePath, err)
	}

	seeded := events.Seeded{FileCount: fileCount, TemplateHash: hash}
	_, err = h.rt.Execute(ctx, env.AggregateID, events.Command{
		Kind:   events.CommandRecordSeeded,
		Seeded: &seeded,
	}, events.Metadata{CorrelationID: env.Metadata.CorrelationID, CausationID: env.ID})
	if err != nil {
		return fmt.Errorf("toolhandler: record seeded for %s: %w", env.AggregateID, err)
	}
	return nil
}

func (h *Handler) dispatch(ctx context.Context, box sandbox.Sandbox, call events.ToolCall) toollib.Output {
	if h.tracer != nil {
		var span trace.Span
		ctx, span = h.tracer.TraceToolExecution(ctx, call.Name)
		defer span.End()
	}
	start := time.Now()
	out := h.tools.Dispatch(ctx, box, call.Name, call.Arguments)
	if h.metrics != nil {
		outcome := "success"
		if out.IsError {
			outcome = "error"
		}
		h.metrics.RecordToolExecution(call.Name, outcome, time.Since(start).Seconds())
	}
	return out
}

// countTemplateFiles walks the host template directory the same way
// sandbox.TemplateHash does, so file_count and template_hash in the Seeded
// event are computed over the same file set.
func countTemplateFiles(templateDir string) (int, error) {
	count := 0
	err := filepath.Walk(templateDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		count++
		return nil
	})
	return count, err
}

func unmarshalData(env events.Envelope, data *events.Data) error {
	if err := json.Unmarshal(env.Data, data); err != nil {
		return fmt.Errorf("toolhandler: decode envelope data: %w", err)
	}
	return nil
}

func marshalContent(content string) (json.RawMessage, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return data, nil
}
