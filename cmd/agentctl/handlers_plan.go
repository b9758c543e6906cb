package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/agentloom/runtime/internal/aggregate"
	"github.com/agentloom/runtime/internal/planner"
	"github.com/agentloom/runtime/internal/runtime"
	"github.com/agentloom/runtime/pkg/events"
)

// runPlan requests a plan against a fresh (or named) planner aggregate. As
// with run, this only appends to the shared event store; agentd's own
// planner.Handler does the actual splitting and task dispatch once it
// observes the plan_requested envelope.
func runPlan(ctx context.Context, configPath, planID, prompt string) error {
	store, err := openStore(configPath)
	if err != nil {
		return fmt.Errorf("agentctl: open store: %w", err)
	}
	defer store.Close()

	if planID == "" {
		planID = uuid.NewString()
	}

	agg := aggregate.New(planner.Extension{}, nil)
	factory := func(id string) aggregate.State { return aggregate.NewState("", "") }
	rt := runtime.New(store, "planner", agg, factory, nil, slog.Default())

	if _, err := rt.Execute(ctx, planID, planner.RequestPlanCommand(prompt), events.Metadata{}); err != nil {
		return fmt.Errorf("agentctl: request plan: %w", err)
	}

	fmt.Println(planID)
	return nil
}
