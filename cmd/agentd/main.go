package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "agentd",
		Short:        "Event-sourced multi-agent orchestration daemon",
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd())
	return root
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
