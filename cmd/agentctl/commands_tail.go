package main

import (
	"github.com/spf13/cobra"
)

func buildTailCmd(configPath *string) *cobra.Command {
	var streamID, aggregateID, eventType string
	var fromSequence uint64

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Subscribe to and print envelopes from the configured event store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd.Context(), *configPath, streamID, aggregateID, eventType, fromSequence)
		},
	}
	cmd.Flags().StringVar(&streamID, "stream", "worker", `stream to tail ("worker", "task", or "planner")`)
	cmd.Flags().StringVar(&aggregateID, "aggregate", "", "restrict to one aggregate id")
	cmd.Flags().StringVar(&eventType, "event-type", "", "restrict to one event type")
	cmd.Flags().Uint64Var(&fromSequence, "from-sequence", 0, "per-aggregate sequence cursor to resume from")
	return cmd
}
