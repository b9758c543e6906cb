package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/agentloom/runtime/internal/aggregate"
	"github.com/agentloom/runtime/internal/runtime"
	"github.com/agentloom/runtime/internal/worker"
	"github.com/agentloom/runtime/pkg/events"
)

// runRun grabs a fresh worker aggregate and puts the prompt as its first
// user message. It issues commands against the shared event store only;
// the running agentd daemon's subscription picks the new envelopes up and
// drives the LLM/tool loop, exactly like any other event producer would.
func runRun(ctx context.Context, configPath, taskID, description, prompt string) error {
	store, err := openStore(configPath)
	if err != nil {
		return fmt.Errorf("agentctl: open store: %w", err)
	}
	defer store.Close()

	if taskID == "" {
		taskID = uuid.NewString()
	}
	if description == "" {
		description = prompt
	}

	agg := aggregate.New(worker.Extension{}, nil)
	factory := func(id string) aggregate.State { return aggregate.NewState("", "") }
	rt := runtime.New(store, "worker", agg, factory, nil, slog.Default())

	if _, err := rt.Execute(ctx, taskID, worker.GrabCommand(taskID, description), events.Metadata{}); err != nil {
		return fmt.Errorf("agentctl: grab task: %w", err)
	}
	if _, err := rt.Execute(ctx, taskID, events.Command{Kind: events.CommandPutUserMessage, UserContent: prompt}, events.Metadata{}); err != nil {
		return fmt.Errorf("agentctl: put user message: %w", err)
	}

	fmt.Println(taskID)
	return nil
}
