// Package finishhandler implements the Finish Handler (C8): on a terminal
// agent event it rebuilds the aggregate's artifacts in a fresh sandbox by
// replaying every state-mutating tool call from the event log, then
// exports a deterministic, git-filtered snapshot to the configured host
// path (§4.8).
package finishhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/agentloom/runtime/internal/eventstore"
	"github.com/agentloom/runtime/internal/runtime"
	"github.com/agentloom/runtime/internal/sandbox"
	"github.com/agentloom/runtime/internal/toollib"
	"github.com/agentloom/runtime/pkg/events"
)

// Config names the template the replay sandbox is seeded from and the host
// directory finished artifacts are exported to.
type Config struct {
	TemplatePath string
	Dockerfile   string
	ExportRoot   string // artifacts land at ExportRoot/<aggregate_id>
}

// Handler is a runtime.EventHandler that triggers once an aggregate's
// folded state reports Terminated.
type Handler struct {
	name     string
	rt       *runtime.Runtime
	store    eventstore.EventStore
	streamID string
	boxes    *sandbox.Handle
	tools    *toollib.Registry
	cfg      Config
	logger   *slog.Logger
}

// New builds a Finish Handler. boxes is typically the same registry shared
// with the Tool Handler, but the replay sandbox here is independent: it is
// rebuilt from scratch under a distinct key so a discarded live sandbox
// does not prevent export (§4.8 design rationale).
func New(name string, rt *runtime.Runtime, store eventstore.EventStore, streamID string, boxes *sandbox.Handle, tools *toollib.Registry, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{name: name, rt: rt, store: store, streamID: streamID, boxes: boxes, tools: tools, cfg: cfg, logger: logger}
}

func (h *Handler) Name() string { return h.name }

// replayBoxID derives the dedicated replay-sandbox id for an aggregate, kept
// distinct from the live tool-execution sandbox's id so export never races
// with an in-flight tool call.
func replayBoxID(aggregateID string) string { return aggregateID + "-replay" }

func (h *Handler) Handle(ctx context.Context, env events.Envelope) error {
	// Agent-specific events are stored under their own sub-type (e.g.
	// "finished"), so they are recognised by their Agent payload.
	var data events.Data
	if err := unmarshalData(env, &data); err != nil {
		return err
	}
	if len(data.Agent) == 0 {
		return nil
	}

	state, envs, err := h.rt.LoadState(ctx, env.AggregateID)
	if err != nil {
		return fmt.Errorf("finishhandler: load state for %s: %w", env.AggregateID, err)
	}
	if !state.Terminated {
		return nil
	}

	boxID := replayBoxID(env.AggregateID)
	if _, already := h.boxes.Get(boxID); already {
		// Export for this aggregate already ran; re-running replay against
		// the same finished log is safe but wasteful, so skip it.
		return nil
	}

	box, err := h.boxes.CreateFromDirectory(ctx, boxID, h.cfg.TemplatePath, h.cfg.Dockerfile)
	if err != nil {
		return fmt.Errorf("finishhandler: create replay sandbox for %s: %w", env.AggregateID, err)
	}

	if err := Replay(ctx, box, h.tools, envs); err != nil {
		return fmt.Errorf("finishhandler: replay for %s: %w", env.AggregateID, err)
	}

	if err := buildExportDirectory(ctx, box); err != nil {
		return fmt.Errorf("finishhandler: build export directory for %s: %w", env.AggregateID, err)
	}

	hostPath := h.cfg.ExportRoot + "/" + env.AggregateID
	if err := box.ExportDirectory(ctx, "/output", hostPath); err != nil {
		return fmt.Errorf("finishhandler: export %s: %w", env.AggregateID, err)
	}

	h.logger.Info("finishhandler: exported artifacts", "aggregate_id", env.AggregateID, "host_path", hostPath)
	return nil
}

// Replay reconstructs sandbox state by re-invoking every tool call marked
// needs_replay, in the order it originally occurred, ignoring outputs
// (§4.8 step 2). Pure-read and external-API tools are skipped because their
// NeedsReplay is false.
func Replay(ctx context.Context, box sandbox.Sandbox, tools *toollib.Registry, envs []events.Envelope) error {
	for _, env := range envs {
		if env.EventType != string(events.TypeRequestToolCalls) {
			continue
		}
		var data events.Data
		if err := unmarshalData(env, &data); err != nil {
			return err
		}
		if data.Request == nil {
			continue
		}
		for _, call := range data.Request.Calls {
			if !tools.NeedsReplay(call.Name) {
				continue
			}
			tools.Dispatch(ctx, box, call.Name, call.Arguments)
		}
	}
	return nil
}

// buildExportDirectory runs the git-aware snapshot procedure from §4.8
// step 3: init a repo in /app, stage everything respecting .gitignore,
// checkout the index into /output, falling back to a recursive copy if
// checkout-index fails (e.g. no commits yet to check out from).
func buildExportDirectory(ctx context.Context, box sandbox.Sandbox) error {
	steps := []string{
		"rm -rf /output && mkdir -p /output",
		"git -C /app init -q",
		`git -C /app config user.email "agent@localhost"`,
		`git -C /app config user.name "agent"`,
		"git -C /app add -A",
		"git -C /app checkout-index -a --prefix=/output/",
	}
	for _, cmd := range steps {
		res, err := box.Exec(ctx, cmd)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 && cmd == steps[len(steps)-1] {
			if _, err := box.Exec(ctx, "cp -r /app/. /output/"); err != nil {
				return fmt.Errorf("export fallback copy: %w", err)
			}
		}
	}
	return nil
}

func unmarshalData(env events.Envelope, data *events.Data) error {
	if err := json.Unmarshal(env.Data, data); err != nil {
		return fmt.Errorf("finishhandler: decode envelope data: %w", err)
	}
	return nil
}
