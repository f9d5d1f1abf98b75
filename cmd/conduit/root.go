package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "Agent task orchestration and messaging",
	Long: `Conduit routes prioritized messages among a pool of worker agents,
sequences multi-step task chains with dependency gating, fans work out
in parallel with join semantics, and degrades gracefully under load
via priority-aware eviction and retry with backoff.

A plan file describes the agents to spawn and the work to run:

  conduit run plan.yaml

Tasks in a plan may declare dependencies on other tasks; chains run
their steps in order, passing each result to the next step.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
