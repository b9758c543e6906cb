package main

import (
	"github.com/spf13/cobra"
)

func buildRunCmd(configPath *string) *cobra.Command {
	var taskID, description string

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Submit a single prompt directly to a freshly grabbed worker aggregate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), *configPath, taskID, description, args[0])
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", "", "worker aggregate id (random if empty)")
	cmd.Flags().StringVar(&description, "description", "", "task description recorded on the worker's grabbed event (defaults to the prompt)")
	return cmd
}
