package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/fentz26/commentops/internal/coordinator"
	"github.com/spf13/cobra"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Run the agentic workflow",
}

var workflowRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full workflow against a metrics snapshot",
	Long: `Runs goal checks, anomaly detection, planning and execution for a
metrics snapshot file. By default the request goes to the daemon; --local runs
it in-process against the configured data directory.`,
	RunE: runWorkflow,
}

var workflowLearnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Force a continuous learning cycle",
	RunE:  runWorkflowLearn,
}

var (
	metricsPath   string
	workflowLocal bool
)

func init() {
	workflowCmd.AddCommand(workflowRunCmd, workflowLearnCmd)

	workflowRunCmd.Flags().StringVar(&metricsPath, "metrics", "", "Path to a metrics snapshot JSON file (required)")
	workflowRunCmd.Flags().BoolVar(&liveMode, "live", false, "Execute the plan instead of a dry run")
	workflowRunCmd.Flags().BoolVar(&workflowLocal, "local", false, "Run in-process instead of through the daemon")
	workflowRunCmd.MarkFlagRequired("metrics")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	metrics, err := loadMetrics(metricsPath)
	if err != nil {
		return err
	}

	var res coordinator.WorkflowResult
	if workflowLocal {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		c, err := coordinator.Open(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer c.Shutdown()
		res = *c.RunFullAgenticWorkflow(cmd.Context(), *metrics, coordinator.WorkflowOptions{DryRun: cfg.Workflow.DryRun})
	} else {
		body := map[string]any{"metrics": metrics}
		if cmd.Flags().Changed("live") {
			body["dry_run"] = !liveMode
		}
		resp, err := apiPostWith(&http.Client{Timeout: WorkflowClientTimeout}, "/workflow/run", body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(resp, &res); err != nil {
			return err
		}
	}

	printWorkflowResult(&res)
	if res.Status != coordinator.WorkflowCompleted {
		return fmt.Errorf("workflow %s: %s", res.Status, res.Error)
	}
	return nil
}

func printWorkflowResult(res *coordinator.WorkflowResult) {
	mode := "live"
	if res.DryRun {
		mode = "dry run"
	}
	fmt.Printf("%s %s (%s)\n", headerStyle.Render("Workflow"), statusText(res.Status), mode)

	for _, s := range res.Steps {
		fmt.Printf("  %s %s\n", statusText(s.Status), s.Step)
	}

	if len(res.Violations) > 0 {
		fmt.Println(headerStyle.Render("Goal violations"))
		for _, v := range res.Violations {
			fmt.Printf("  %-22s %-10s %s=%.3f threshold=%.3f\n", v.Goal, v.Priority, v.Metric, v.Value, v.Threshold)
		}
	}
	if len(res.Anomalies) > 0 {
		fmt.Println(headerStyle.Render("Anomalies"))
		for _, a := range res.Anomalies {
			fmt.Printf("  %-22s score=%.3f %s\n", a.Type, a.Score, a.Message)
		}
	}
	if res.Plan != nil {
		fmt.Println(headerStyle.Render("Plan"))
		for _, a := range res.Plan.Actions {
			fmt.Printf("  %-18s %-9s %s\n", a.Kind, a.Priority, a.Description)
		}
	}
	if len(res.Results) > 0 {
		fmt.Println(headerStyle.Render("Results"))
		for _, r := range res.Results {
			outcome := "ok"
			if !r.Success {
				outcome = "failed"
			}
			fmt.Printf("  %-18s %s %s\n", r.Action, statusText(outcome), r.Message)
		}
	}
}

func runWorkflowLearn(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/learning/trigger", nil)
	if err != nil {
		return err
	}
	if err := printJSON(resp); err != nil {
		fmt.Fprintln(os.Stderr, string(resp))
	}
	return nil
}
