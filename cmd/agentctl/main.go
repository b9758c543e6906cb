package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func buildRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "agentctl",
		Short:        "Submit prompts to and tail events from an agentd event store",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "agentd.yaml", "path to the RuntimeConfig YAML file")

	root.AddCommand(buildRunCmd(&configPath))
	root.AddCommand(buildTailCmd(&configPath))
	root.AddCommand(buildPlanCmd(&configPath))
	return root
}

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
