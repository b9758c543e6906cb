package main

import (
	"context"
	"fmt"

	"github.com/agentloom/runtime/internal/eventstore"
)

// runTail prints every matching envelope as it arrives until ctx is
// cancelled (Ctrl-C), the same catch-up-then-live shape Subscribe
// guarantees (§C1 "implementations must first catch up...").
func runTail(ctx context.Context, configPath, streamID, aggregateID, eventType string, fromSequence uint64) error {
	store, err := openStore(configPath)
	if err != nil {
		return fmt.Errorf("agentctl: open store: %w", err)
	}
	defer store.Close()

	ch, err := store.Subscribe(ctx, eventstore.Query{
		StreamID:     streamID,
		AggregateID:  aggregateID,
		EventType:    eventType,
		FromSequence: fromSequence,
	})
	if err != nil {
		return fmt.Errorf("agentctl: subscribe: %w", err)
	}

	for env := range ch {
		fmt.Printf("%s\t%s\t%s\t#%d\t%s\n", env.Timestamp.Format("15:04:05.000"), env.AggregateID, env.EventType, env.Sequence, string(env.Data))
	}
	return nil
}
