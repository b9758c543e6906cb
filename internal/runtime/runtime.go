// Package runtime implements the Runtime (C9): a generic host for one
// aggregate type that wires together an EventStore, a command executor
// built on the Aggregate's decision procedure, and a set of EventHandlers
// driven by a polling subscription (§4.9).
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentloom/runtime/internal/aggregate"
	"github.com/agentloom/runtime/internal/backoff"
	"github.com/agentloom/runtime/internal/eventstore"
	"github.com/agentloom/runtime/internal/telemetry"
	"github.com/agentloom/runtime/pkg/events"
)

// EventHandler reacts to envelopes observed on the runtime's subscription.
// Implementations decide for themselves whether an envelope is relevant
// (by event type, recipient, or both) and must be safe to invoke more than
// once for the same envelope (§4.9 at-least-once semantics).
type EventHandler interface {
	Name() string
	Handle(ctx context.Context, env events.Envelope) error
}

// StateFactory builds the zero-value State for a freshly-created aggregate
// id (e.g. with the agent's configured preamble/model).
type StateFactory func(aggregateID string) aggregate.State

// Runtime hosts one aggregate type: command execution plus a set of
// handlers dispatched, in registration order, over every envelope matching
// its stream (§4.9).
type Runtime struct {
	store    eventstore.EventStore
	streamID string
	agg      *aggregate.Aggregate
	newState StateFactory
	services any
	handlers []EventHandler
	logger   *slog.Logger
	tracer   *telemetry.Tracer
	metrics  *telemetry.Metrics
}

// New returns a Runtime for streamID, deciding commands with agg and
// seeding fresh aggregates via newState. services is passed through to
// every agent-specific Handle call unchanged (§4.4 Services).
func New(store eventstore.EventStore, streamID string, agg *aggregate.Aggregate, newState StateFactory, services any, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		store:    store,
		streamID: streamID,
		agg:      agg,
		newState: newState,
		services: services,
		logger:   logger,
	}
}

// Register adds a handler; handlers are invoked in the order registered
// (§4.9 step 2).
func (r *Runtime) Register(h EventHandler) {
	r.handlers = append(r.handlers, h)
}

// SetTelemetry wires a tracer and metrics collector into the runtime.
// Both are optional and nil-safe; unset, Execute and dispatch run without
// instrumentation.
func (r *Runtime) SetTelemetry(tracer *telemetry.Tracer, metrics *telemetry.Metrics) {
	r.tracer = tracer
	r.metrics = metrics
}

// Store returns the runtime's underlying event store, for handlers (such as
// the Link Handler) that need to address a second runtime's log directly.
func (r *Runtime) Store() eventstore.EventStore { return r.store }

// StreamID returns the stream this runtime hosts.
func (r *Runtime) StreamID() string { return r.streamID }

// LoadState folds every event currently stored for aggregateID onto a
// freshly-built State.
func (r *Runtime) LoadState(ctx context.Context, aggregateID string) (aggregate.State, []events.Envelope, error) {
	envs, err := r.store.Load(ctx, r.streamID, aggregateID, 0)
	if err != nil {
		return aggregate.State{}, nil, fmt.Errorf("runtime: load %s: %w", aggregateID, err)
	}
	state, err := aggregate.Fold(r.agg, r.newState(aggregateID), envs)
	if err != nil {
		return aggregate.State{}, nil, fmt.Errorf("runtime: fold %s: %w", aggregateID, err)
	}
	return state, envs, nil
}

// maxExecuteAttempts bounds how often Execute reloads and re-runs a command
// whose first append lost to a concurrent writer.
const maxExecuteAttempts = 5

// Execute is the command-executor operation from §4.9 step 1: load, decide,
// append. Appends are attempted at the sequence implied by the freshly
// loaded history. When the first append of a batch fails with
// ErrConflictingSequence, Execute waits with backoff, reloads and re-runs
// the command, up to maxExecuteAttempts attempts in all; a conflict after
// part of a batch was appended, or on the last attempt, is returned.
func (r *Runtime) Execute(ctx context.Context, aggregateID string, cmd events.Command, meta events.Metadata) ([]events.Envelope, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.TraceExecute(ctx, r.streamID, aggregateID)
		defer span.End()
	}
	start := time.Now()
	var appended []events.Envelope
	var err error
	for attempt := 1; ; attempt++ {
		appended, err = r.execute(ctx, aggregateID, cmd, meta)
		if len(appended) > 0 || !errors.Is(err, eventstore.ErrConflictingSequence) || attempt >= maxExecuteAttempts {
			break
		}
		if backoff.SleepWithBackoff(ctx, backoff.AggressivePolicy(), attempt) != nil {
			break
		}
	}
	if r.metrics != nil {
		r.metrics.RecordExecute(r.streamID, time.Since(start).Seconds(), err)
	}
	return appended, err
}

func (r *Runtime) execute(ctx context.Context, aggregateID string, cmd events.Command, meta events.Metadata) ([]events.Envelope, error) {
	state, envs, err := r.LoadState(ctx, aggregateID)
	if err != nil {
		return nil, err
	}

	decided, err := r.agg.Handle(state, cmd, r.services)
	if err != nil {
		return nil, fmt.Errorf("runtime: handle command on %s: %w", aggregateID, err)
	}

	expected := uint64(len(envs))
	appended := make([]events.Envelope, 0, len(decided))
	for _, ev := range decided {
		env, err := r.store.Append(ctx, r.streamID, aggregateID, expected, ev, meta)
		if err != nil {
			return appended, fmt.Errorf("runtime: append to %s: %w", aggregateID, err)
		}
		expected = env.Sequence
		appended = append(appended, env)
		if r.metrics != nil {
			r.metrics.RecordEventAppended(r.streamID, env.EventType)
		}
	}
	return appended, nil
}

// Run subscribes to every envelope on this runtime's stream and dispatches
// each, in order, to every registered handler. A handler error is logged
// and does not stop the loop or prevent later handlers from seeing the
// envelope (§4.9 step 3). Run returns when ctx is cancelled or the
// subscription channel closes.
func (r *Runtime) Run(ctx context.Context) error {
	ch, err := r.store.Subscribe(ctx, eventstore.Query{StreamID: r.streamID})
	if err != nil {
		return fmt.Errorf("runtime: subscribe: %w", err)
	}

	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			r.dispatch(ctx, env)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Runtime) dispatch(ctx context.Context, env events.Envelope) {
	for _, h := range r.handlers {
		hctx := ctx
		var span trace.Span
		if r.tracer != nil {
			hctx, span = r.tracer.TraceHandler(hctx, h.Name(), env.EventType)
		}
		start := time.Now()
		err := h.Handle(hctx, env)
		if span != nil {
			r.tracer.RecordError(span, err)
			span.End()
		}
		if r.metrics != nil {
			r.metrics.RecordHandler(h.Name(), time.Since(start).Seconds(), err)
		}
		if err != nil {
			r.logger.Error("runtime: handler failed",
				"handler", h.Name(),
				"aggregate_id", env.AggregateID,
				"event_type", env.EventType,
				"sequence", env.Sequence,
				"err", err)
		}
	}
}

// HasCausedEvent reports whether the aggregate's log already contains an
// event whose metadata.causation_id equals causationID — the idempotency
// check handlers must run before producing a side-effecting downstream
// event, so at-least-once redelivery of the same envelope is a no-op
// (§4.9 "handlers therefore must be idempotent").
func HasCausedEvent(ctx context.Context, store eventstore.EventStore, streamID, aggregateID string, causationID uuid.UUID) (bool, error) {
	envs, err := store.Load(ctx, streamID, aggregateID, 0)
	if err != nil {
		return false, fmt.Errorf("runtime: idempotency check: %w", err)
	}
	for _, e := range envs {
		if e.Metadata.CausationID == causationID {
			return true, nil
		}
	}
	return false, nil
}
