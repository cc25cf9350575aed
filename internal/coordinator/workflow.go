package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/commentops/internal/audit"
	"github.com/fentz26/commentops/internal/bus"
	"github.com/fentz26/commentops/internal/executor"
	"github.com/fentz26/commentops/internal/learning"
	"github.com/fentz26/commentops/internal/memory"
	"github.com/fentz26/commentops/internal/modelcards"
	"github.com/fentz26/commentops/internal/models"
	"github.com/fentz26/commentops/internal/scheduler"
)

// Workflow step names, in execution order.
const (
	StepBaselineStored     = "baseline_stored"
	StepOutcomesRecorded   = "outcomes_recorded"
	StepGoalsChecked       = "goals_checked"
	StepViolationsChecked  = "violations_checked"
	StepActionsPlanned     = "actions_planned"
	StepActionsExecuted    = "actions_executed"
	StepLearningCycle      = "learning_cycle"
	StepModelCardsReviewed = "model_cards_reviewed"
)

// Workflow statuses.
const (
	WorkflowCompleted = "completed"
	WorkflowFailed    = "failed"
)

// WorkflowOptions controls a single workflow run.
type WorkflowOptions struct {
	DryRun bool `json:"dry_run"`
}

// Step is one completed stage of a workflow run.
type Step struct {
	Step   string         `json:"step"`
	Status string         `json:"status"`
	Detail map[string]any `json:"detail,omitempty"`
}

// WorkflowResult reports a full workflow run.
type WorkflowResult struct {
	Timestamp  time.Time                `json:"timestamp"`
	Status     string                   `json:"status"`
	Error      string                   `json:"error,omitempty"`
	DryRun     bool                     `json:"dry_run"`
	Steps      []Step                   `json:"steps"`
	KPIs       map[string]float64       `json:"kpis,omitempty"`
	Violations []models.Violation       `json:"violations,omitempty"`
	Anomalies  []models.Anomaly         `json:"anomalies,omitempty"`
	Plan       *models.Plan             `json:"plan,omitempty"`
	Results    []models.ExecutionResult `json:"results,omitempty"`
}

func (r *WorkflowResult) step(name string, detail map[string]any) {
	r.Steps = append(r.Steps, Step{Step: name, Status: "completed", Detail: detail})
}

func (r *WorkflowResult) fail(name string, err error) {
	r.Steps = append(r.Steps, Step{Step: name, Status: "failed", Detail: map[string]any{"error": err.Error()}})
	r.Status = WorkflowFailed
	r.Error = err.Error()
}

// RunFullAgenticWorkflow checks metrics against the goals and the stored
// baseline, plans and executes remediation when anything is off, runs a
// learning cycle if one is due and reviews the model cards. The new metrics
// become the baseline for the next run.
func (c *Coordinator) RunFullAgenticWorkflow(ctx context.Context, metrics models.MetricsSnapshot, opts WorkflowOptions) (res *WorkflowResult) {
	res = &WorkflowResult{Timestamp: c.now(), DryRun: opts.DryRun}
	c.logger.Info("starting full workflow", "dry_run", opts.DryRun)

	defer func() {
		if r := recover(); r != nil {
			res.Status = WorkflowFailed
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		if res.Status == WorkflowFailed {
			c.logger.Error("workflow failed", "error", res.Error, "steps", len(res.Steps))
			c.PDR.RecordQuietly("workflow.run", metrics, audit.OutcomeFailure, "workflow", res.Error)
		} else {
			outcome := audit.OutcomeSuccess
			if opts.DryRun {
				outcome = audit.OutcomeDryRun
			}
			c.PDR.RecordQuietly("workflow.run", metrics, outcome, "workflow",
				fmt.Sprintf("%d violations, %d anomalies", len(res.Violations), len(res.Anomalies)))
		}
		c.record("full_workflow", map[string]any{
			"status":     res.Status,
			"steps":      len(res.Steps),
			"violations": len(res.Violations),
			"anomalies":  len(res.Anomalies),
			"dry_run":    opts.DryRun,
		})
	}()

	if metrics.Timestamp.IsZero() {
		metrics.Timestamp = res.Timestamp
	}

	res.KPIs = c.Monitor.DeriveKPIs(metrics)
	res.Anomalies = c.Monitor.DetectAnomalies(metrics)
	if err := c.Monitor.StoreBaseline(metrics); err != nil {
		res.fail(StepBaselineStored, err)
		return res
	}
	res.step(StepBaselineStored, nil)

	if n := c.recordOutcomes(ctx, res.KPIs); n > 0 {
		res.step(StepOutcomesRecorded, map[string]any{"outcomes_count": n})
	}

	res.step(StepGoalsChecked, map[string]any{"goals_count": len(c.Goals.Goals())})

	res.Violations = c.Goals.Check(res.KPIs)
	res.step(StepViolationsChecked, map[string]any{
		"violations_count": len(res.Violations),
		"anomalies_count":  len(res.Anomalies),
	})

	if len(res.Violations) > 0 || len(res.Anomalies) > 0 {
		res.Plan = c.Planner.Build(res.Violations, res.Anomalies)
		res.step(StepActionsPlanned, map[string]any{"actions_count": len(res.Plan.Actions)})

		res.Results = c.Executor.ExecutePlan(ctx, res.Plan, opts.DryRun)
		res.step(StepActionsExecuted, map[string]any{"summary": executor.Summarize(res.Results, opts.DryRun)})
		if !opts.DryRun {
			c.awaitOutcomes(res.Results, res.KPIs)
		}
	}

	if c.Learning.Due() {
		cycle, err := c.Learning.CheckAndTrigger(ctx)
		if err != nil {
			res.fail(StepLearningCycle, err)
			return res
		}
		res.step(StepLearningCycle, map[string]any{"cycle": cycle})
	}

	res.step(StepModelCardsReviewed, map[string]any{"summary": c.Cards.PerformanceSummary()})
	res.Status = WorkflowCompleted
	c.logger.Info("workflow completed", "violations", len(res.Violations), "anomalies", len(res.Anomalies))
	return res
}

func (c *Coordinator) awaitOutcomes(results []models.ExecutionResult, kpis map[string]float64) {
	var ids []int64
	for _, r := range results {
		if r.RecordID != 0 {
			ids = append(ids, r.RecordID)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.awaiting = ids
	c.awaitingKPIs = kpis
}

// recordOutcomes stores the KPI movement since the last live actions against
// each of them and returns how many outcomes were written.
func (c *Coordinator) recordOutcomes(ctx context.Context, after map[string]float64) int {
	c.mu.Lock()
	ids, before := c.awaiting, c.awaitingKPIs
	c.awaiting, c.awaitingKPIs = nil, nil
	c.mu.Unlock()
	if c.Memory == nil {
		return 0
	}

	n := 0
	for _, id := range ids {
		if _, err := c.Memory.RecordOutcome(ctx, id, before, after); err != nil {
			c.logger.Warn("failed to record outcome", "action_id", id, "error", err)
			continue
		}
		n++
	}
	return n
}

// ImprovementResult is returned by TriggerContinuousImprovement.
type ImprovementResult struct {
	Status       string                      `json:"status"`
	Cycle        *learning.CycleResult       `json:"learning_cycle"`
	Improvements learning.ImprovementSummary `json:"improvements"`
	Timestamp    time.Time                   `json:"timestamp"`
}

// TriggerContinuousImprovement forces a learning cycle and announces the
// result on coordinator.improvement_triggered.
func (c *Coordinator) TriggerContinuousImprovement(ctx context.Context) (*ImprovementResult, error) {
	cycle, err := c.Learning.Force(ctx)
	if err != nil {
		return nil, fmt.Errorf("force learning cycle: %w", err)
	}
	out := &ImprovementResult{
		Status:       "triggered",
		Cycle:        cycle,
		Improvements: c.Learning.ImprovementSummary(),
		Timestamp:    c.now(),
	}
	c.Bus.Publish(bus.Message{
		Type:    bus.TypeEvent,
		Sender:  AgentID,
		Topic:   TopicImprovementTriggered,
		Payload: map[string]any{"learning_cycle": cycle, "improvements": out.Improvements},
	})
	c.record("continuous_improvement", map[string]any{"actions": len(cycle.Actions)})
	return out, nil
}

// SystemStatus is a point-in-time view of every component.
type SystemStatus struct {
	Timestamp   time.Time          `json:"timestamp"`
	Coordinator CoordinatorStatus  `json:"coordinator"`
	ModelCards  modelcards.Summary `json:"model_cards"`
	Learning    learning.Status    `json:"learning"`
	GoalsCount  int                `json:"goals_count"`
	Memory      *memory.Summary    `json:"memory"`
	Bus         bus.Stats          `json:"message_bus"`
	Queue       *models.QueueStats `json:"queue,omitempty"`
	Scheduler   *scheduler.Stats   `json:"scheduler,omitempty"`
	State       *models.StateStats `json:"state,omitempty"`
}

// CoordinatorStatus describes the coordinator itself.
type CoordinatorStatus struct {
	Active      bool     `json:"active"`
	Agents      []string `json:"agents"`
	HistorySize int      `json:"history_size"`
	DryRun      bool     `json:"dry_run"`
}

// SystemStatus collects the status of every component.
func (c *Coordinator) SystemStatus(ctx context.Context) (*SystemStatus, error) {
	c.mu.Lock()
	coord := CoordinatorStatus{
		Active:      c.active,
		Agents:      Agents,
		HistorySize: len(c.history),
		DryRun:      c.opts.DryRun,
	}
	c.mu.Unlock()

	mem, err := c.Memory.Summary(ctx)
	if err != nil {
		return nil, err
	}
	st := &SystemStatus{
		Timestamp:   c.now(),
		Coordinator: coord,
		ModelCards:  c.Cards.PerformanceSummary(),
		Learning:    c.Learning.Status(),
		GoalsCount:  len(c.Goals.Goals()),
		Memory:      mem,
		Bus:         c.Bus.Stats(),
	}
	if c.Queue != nil {
		if st.Queue, err = c.Queue.Statistics(ctx); err != nil {
			return nil, err
		}
	}
	if c.Scheduler != nil {
		s := c.Scheduler.Stats()
		st.Scheduler = &s
	}
	if c.States != nil {
		if st.State, err = c.States.Statistics(ctx); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// parseMetrics reads the last non-empty stdout line as a JSON object of
// numbers. Anything else yields nil.
func parseMetrics(stdout string) map[string]float64 {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if !strings.HasPrefix(last, "{") {
		return nil
	}
	var m map[string]float64
	if err := json.Unmarshal([]byte(last), &m); err != nil || len(m) == 0 {
		return nil
	}
	return m
}
