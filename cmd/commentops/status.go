package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/commentops/internal/tui"
	"github.com/spf13/cobra"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// statusText colors a status word.
func statusText(s string) string {
	switch s {
	case "completed", "ok", "success", "online":
		return okStyle.Render(s)
	case "failed", "failure", "offline", "dead_letter":
		return failStyle.Render(s)
	}
	return mutedStyle.Render(s)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and agent status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	health, err := CheckHealth()
	if err != nil {
		fmt.Printf("%s %s\n", headerStyle.Render("Daemon"), statusText("offline"))
		return err
	}
	fmt.Printf("%s %s  version %s  db %s\n", headerStyle.Render("Daemon"), statusText("online"), health.Version, health.DB)

	ov, err := tui.NewClient(apiAddr).Overview()
	if err != nil {
		return err
	}

	mode := "live"
	if ov.DryRun {
		mode = "dry run"
	}
	fmt.Printf("%s %d agents, %s, %d history entries\n", headerStyle.Render("Coordinator"), len(ov.Agents), mode, ov.HistorySize)
	fmt.Printf("  %s\n", mutedStyle.Render(strings.Join(ov.Agents, ", ")))

	states := make([]string, 0, len(ov.QueueCounts))
	for s := range ov.QueueCounts {
		states = append(states, s)
	}
	sort.Strings(states)
	fmt.Printf("%s %d messages\n", headerStyle.Render("Queue"), ov.QueueTotal)
	for _, s := range states {
		fmt.Printf("  %-12s %d\n", statusText(s), ov.QueueCounts[s])
	}

	fmt.Printf("%s %d/%d workers, %d processed, %d failed, %d rejected\n",
		headerStyle.Render("Scheduler"), ov.ActiveWorkers, ov.GlobalMax, ov.Processed, ov.Failed, ov.Rejected)
	fmt.Printf("%s %d messages in history, %d subscriptions\n", headerStyle.Render("Bus"), ov.BusHistory, ov.Subscriptions)
	fmt.Printf("%s next cycle %s\n", headerStyle.Render("Learning"), ov.LearningNext)
	fmt.Printf("%s %d actions, %.0f%% success\n", headerStyle.Render("Memory"), ov.TotalActions, ov.SuccessRate*100)

	if len(ov.Models) > 0 {
		fmt.Println(headerStyle.Render("Models"))
		for _, m := range ov.Models {
			fmt.Printf("  %-28s %-10s acc=%.3f f1=%.3f %s\n", m.ID, m.Type, m.Accuracy, m.F1, m.Deployment)
		}
	}
	return nil
}
