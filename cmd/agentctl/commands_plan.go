package main

import (
	"github.com/spf13/cobra"
)

func buildPlanCmd(configPath *string) *cobra.Command {
	var planID string

	cmd := &cobra.Command{
		Use:   "plan [prompt]",
		Short: "Submit a prompt to the planner, splitting it into tasks dispatched to child workers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd.Context(), *configPath, planID, args[0])
		},
	}
	cmd.Flags().StringVar(&planID, "plan-id", "", "planner aggregate id (random if empty)")
	return cmd
}
