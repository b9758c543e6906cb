// Package llmhandler implements the LLM Handler (C5): it reacts to
// "request_completion" events by building a provider call from the folded
// aggregate state and appending the provider's answer back as a
// Response::Completion (§4.5).
package llmhandler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/agentloom/runtime/internal/eventstore"
	"github.com/agentloom/runtime/internal/llmprovider"
	"github.com/agentloom/runtime/internal/runtime"
	"github.com/agentloom/runtime/internal/telemetry"
	"github.com/agentloom/runtime/pkg/events"
)

// Config carries the {model, temperature, max_tokens} triple named in §4.5
// step 2, plus the recipient this handler answers for.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
	// Recipient restricts this handler to envelopes whose metadata.recipient
	// equals Recipient; an empty Recipient makes the handler an
	// unrestricted default, answering every request_completion envelope
	// with no recipient set (§4.5).
	Recipient string
}

// Handler is a runtime.EventHandler that drives a llmprovider.Provider.
type Handler struct {
	name     string
	rt       *runtime.Runtime
	store    eventstore.EventStore
	streamID string
	provider llmprovider.Provider
	cfg      Config
	logger   *slog.Logger
	tracer   *telemetry.Tracer
	metrics  *telemetry.Metrics
}

// SetTelemetry wires optional tracing/metrics around provider calls.
func (h *Handler) SetTelemetry(tracer *telemetry.Tracer, metrics *telemetry.Metrics) {
	h.tracer = tracer
	h.metrics = metrics
}

// New builds an LLM Handler registered against rt's stream. rt is used to
// load+fold aggregate state before each call and to append the decided
// Response::Completion / Request::ToolCalls events.
func New(name string, rt *runtime.Runtime, store eventstore.EventStore, streamID string, provider llmprovider.Provider, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{name: name, rt: rt, store: store, streamID: streamID, provider: provider, cfg: cfg, logger: logger}
}

func (h *Handler) Name() string { return h.name }

func (h *Handler) Handle(ctx context.Context, env events.Envelope) error {
	if env.EventType != string(events.TypeRequestCompletion) {
		return nil
	}
	if h.cfg.Recipient != "" && env.Metadata.Recipient != h.cfg.Recipient {
		return nil
	}
	if h.cfg.Recipient == "" && env.Metadata.Recipient != "" {
		return nil
	}

	// Idempotency (§4.9): the downstream event this handler would produce is
	// identified by causation id, not correlation id — the response it owes
	// for this particular request_completion envelope carries
	// metadata.causation_id = env.ID. Redelivery of the same envelope (at
	// least once delivery, §4.1) must not call the provider twice.
	already, err := runtime.HasCausedEvent(ctx, h.store, h.streamID, env.AggregateID, env.ID)
	if err != nil {
		return fmt.Errorf("llmhandler: idempotency check: %w", err)
	}
	if already {
		return nil
	}

	state, _, err := h.rt.LoadState(ctx, env.AggregateID)
	if err != nil {
		return fmt.Errorf("llmhandler: load state for %s: %w", env.AggregateID, err)
	}

	req := llmprovider.CompletionRequest{
		Model:       firstNonEmpty(h.cfg.Model, state.Model),
		Preamble:    state.Preamble,
		Messages:    state.History,
		Tools:       state.Tools,
		Temperature: h.cfg.Temperature,
		MaxTokens:   h.cfg.MaxTokens,
	}

	result, err := h.complete(ctx, req)
	if err != nil {
		h.logger.Error("llmhandler: completion failed",
			"aggregate_id", env.AggregateID, "provider", h.provider.Name(), "err", err)
		return fmt.Errorf("llmhandler: completion for %s: %w", env.AggregateID, err)
	}

	resp := events.Response{
		Kind:         events.ResponseCompletionKind,
		Message:      &result.Message,
		FinishReason: result.FinishReason,
		TokensIn:     result.TokensIn,
		TokensOut:    result.TokensOut,
	}
	_, err = h.rt.Execute(ctx, env.AggregateID, events.Command{
		Kind:     events.CommandSendResponse,
		Response: &resp,
	}, events.Metadata{CorrelationID: env.Metadata.CorrelationID, CausationID: env.ID})
	if err != nil {
		return fmt.Errorf("llmhandler: append response for %s: %w", env.AggregateID, err)
	}
	return nil
}

func (h *Handler) complete(ctx context.Context, req llmprovider.CompletionRequest) (llmprovider.CompletionResult, error) {
	if h.tracer != nil {
		var span trace.Span
		ctx, span = h.tracer.TraceLLMRequest(ctx, h.provider.Name(), req.Model)
		defer span.End()
	}
	start := time.Now()
	result, err := h.provider.Complete(ctx, req)
	if h.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		h.metrics.RecordLLMRequest(h.provider.Name(), req.Model, outcome, time.Since(start).Seconds(), result.TokensIn, result.TokensOut)
	}
	return result, err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
