package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conduit-orch/conduit/internal/config"
	"github.com/conduit-orch/conduit/internal/history"
	"github.com/conduit-orch/conduit/pkg/models"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent task and message history",
	Long: `Display recent task results and message outcomes from the
history archive. Requires history.enabled in the configuration.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 15, "Number of entries to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	path := cfg.History.Path
	if path == "" {
		path = history.DefaultPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Println("No history recorded yet. Enable history and run a plan first.")
		return nil
	}

	store, err := history.Open(path, cfg.History.Cap)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	tasks, err := store.RecentTasks(statusLimit)
	if err != nil {
		return fmt.Errorf("read tasks: %w", err)
	}
	if len(tasks) > 0 {
		fmt.Println("Recent tasks:")
		for _, r := range tasks {
			mark := green("✓")
			detail := r.Output
			if r.Status != models.TaskStatusCompleted {
				mark = red("✗")
				detail = r.Error
			}
			if len(detail) > 60 {
				detail = detail[:57] + "..."
			}
			fmt.Printf("  %s %-18s %-10s %8s  %s\n",
				mark, r.TaskID, r.AgentID, r.Duration.Round(time.Millisecond), detail)
		}
		fmt.Println()
	}

	messages, err := store.RecentMessages(statusLimit)
	if err != nil {
		return fmt.Errorf("read messages: %w", err)
	}
	if len(messages) > 0 {
		fmt.Println("Recent messages:")
		for _, m := range messages {
			mark := green("✓")
			if m.Status != "delivered" {
				mark = red("✗")
			}
			fmt.Printf("  %s %-10s %-12s → %-12s %s\n", mark, m.Status, m.FromAgent, m.ToAgent, m.Priority)
		}
	}

	if len(tasks) == 0 && len(messages) == 0 {
		fmt.Println("History is empty.")
	}
	return nil
}
