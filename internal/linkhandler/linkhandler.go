// Package linkhandler implements the Link Handler (C7): it wires two
// runtimes hosting different aggregate types together via a pair of pure
// translator functions, so a parent aggregate's events can spawn and later
// absorb the results of a child aggregate (§4.7).
package linkhandler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentloom/runtime/internal/runtime"
	"github.com/agentloom/runtime/pkg/events"
)

// Spawn is what Forward returns when a parent event should produce a child
// command: the deterministically-derived child aggregate id plus the
// command to execute against it.
type Spawn struct {
	ChildID string
	Command events.Command
}

// Translation is what Backward returns when a child event should produce a
// command against the parent aggregate that spawned it.
type Translation struct {
	ParentID string
	Command  events.Command
}

// Strategy is the pair of pure translator functions named in §4.7. Forward
// is invoked on every parent event; ok is false when the event triggers no
// child command. Backward is invoked on every child event; ok is false when
// the event has nothing to report back.
type Strategy interface {
	Forward(parentID string, env events.Envelope) (Spawn, bool, error)
	Backward(childID string, env events.Envelope) (Translation, bool, error)
}

// Handler is a runtime.EventHandler registered on both the parent and the
// child runtime. Whichever runtime an envelope arrives on, the handler asks
// the strategy whether it drives a command on the *other* runtime.
type Handler struct {
	name     string
	strategy Strategy
	parent   *runtime.Runtime
	child    *runtime.Runtime
	logger   *slog.Logger
}

// New returns a Handler linking parent and child runtimes via strategy.
// Register the same Handler on both runtimes (§4.7 "the Link Handler is
// registered on each").
func New(name string, strategy Strategy, parent, child *runtime.Runtime, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{name: name, strategy: strategy, parent: parent, child: child, logger: logger}
}

func (h *Handler) Name() string { return h.name }

// Handle is invoked once per envelope per runtime it is registered on. It
// tries both directions: an envelope belonging to the parent's aggregate
// type may trigger Forward; one belonging to the child's may trigger
// Backward. A strategy only implements the direction relevant to the
// envelopes it actually receives, so the other call is a harmless no-op.
func (h *Handler) Handle(ctx context.Context, env events.Envelope) error {
	if spawn, ok, err := h.strategy.Forward(env.AggregateID, env); err != nil {
		return fmt.Errorf("linkhandler: forward: %w", err)
	} else if ok {
		if err := h.spawnChild(ctx, env, spawn); err != nil {
			return err
		}
	}

	if tr, ok, err := h.strategy.Backward(env.AggregateID, env); err != nil {
		return fmt.Errorf("linkhandler: backward: %w", err)
	} else if ok {
		if err := h.translateToParent(ctx, env, tr); err != nil {
			return err
		}
	}

	return nil
}

// spawnChild executes spawn.Command against the child runtime, with
// metadata.causation_id set to the parent envelope's own id (§4.7
// Correlation). The child id is derived deterministically by the strategy,
// so redelivering the same parent envelope is a no-op once the child
// aggregate already reflects the command's effect.
func (h *Handler) spawnChild(ctx context.Context, parentEnv events.Envelope, spawn Spawn) error {
	already, err := runtime.HasCausedEvent(ctx, h.child.Store(), h.child.StreamID(), spawn.ChildID, parentEnv.ID)
	if err != nil {
		return fmt.Errorf("linkhandler: idempotency check on child %s: %w", spawn.ChildID, err)
	}
	if already {
		return nil
	}

	_, err = h.child.Execute(ctx, spawn.ChildID, spawn.Command, events.Metadata{CausationID: parentEnv.ID})
	if err != nil {
		return fmt.Errorf("linkhandler: spawn child %s: %w", spawn.ChildID, err)
	}
	return nil
}

// translateToParent executes tr.Command against the parent runtime, with
// metadata.causation_id set to the child envelope's own id (§4.7
// Correlation).
func (h *Handler) translateToParent(ctx context.Context, childEnv events.Envelope, tr Translation) error {
	already, err := runtime.HasCausedEvent(ctx, h.parent.Store(), h.parent.StreamID(), tr.ParentID, childEnv.ID)
	if err != nil {
		return fmt.Errorf("linkhandler: idempotency check on parent %s: %w", tr.ParentID, err)
	}
	if already {
		return nil
	}

	_, err = h.parent.Execute(ctx, tr.ParentID, tr.Command, events.Metadata{CausationID: childEnv.ID})
	if err != nil {
		return fmt.Errorf("linkhandler: translate to parent %s: %w", tr.ParentID, err)
	}
	return nil
}
