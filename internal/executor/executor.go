// Package executor runs planned actions, either for real through external
// collaborators or as a dry run that only reports intent.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fentz26/commentops/internal/audit"
	"github.com/fentz26/commentops/internal/logging"
	"github.com/fentz26/commentops/internal/memory"
	"github.com/fentz26/commentops/internal/models"
)

// ErrNoCollaborator is returned when a live action has nobody to delegate to.
var ErrNoCollaborator = errors.New("no collaborator configured")

// Alerter notifies the operations team.
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// Retrainer schedules a model retrain and returns the job id.
type Retrainer interface {
	ScheduleRetrain(ctx context.Context, model string) (string, error)
}

// SpikeAnalyzer produces a short report on a negative spike.
type SpikeAnalyzer interface {
	AnalyzeSpike(ctx context.Context) (string, error)
}

// Deps are the executor's collaborators. Any may be nil; live actions that
// need a missing collaborator fail with ErrNoCollaborator.
type Deps struct {
	Alerter   Alerter
	Retrainer Retrainer
	Analyzer  SpikeAnalyzer
	Memory    *memory.Memory
	PDR       *audit.PDRWriter
}

// Executor runs plans.
type Executor struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// New creates an executor.
func New(deps Deps, logger *slog.Logger) *Executor {
	return &Executor{
		deps:   deps,
		logger: logging.Component(logger, "executor"),
		now:    time.Now,
	}
}

// Summary counts the results of one plan execution.
type Summary struct {
	Total     int  `json:"total"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	DryRun    bool `json:"dry_run"`
}

// Summarize counts results.
func Summarize(results []models.ExecutionResult, dryRun bool) Summary {
	s := Summary{Total: len(results), DryRun: dryRun}
	for _, r := range results {
		if r.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	return s
}

// ExecutePlan runs every action in order. A failing action never stops the
// ones after it. Each result is recorded in memory and in the decision log.
func (e *Executor) ExecutePlan(ctx context.Context, plan *models.Plan, dryRun bool) []models.ExecutionResult {
	mode := "live"
	if dryRun {
		mode = "dry_run"
	}
	e.logger.Info("executing plan", "mode", mode, "actions", len(plan.Actions))

	results := make([]models.ExecutionResult, 0, len(plan.Actions))
	for _, action := range plan.Actions {
		result := e.execute(ctx, plan, action, dryRun)
		result.RecordID = e.record(ctx, action, result)
		results = append(results, result)
	}
	return results
}

func (e *Executor) execute(ctx context.Context, plan *models.Plan, action models.PlannedAction, dryRun bool) models.ExecutionResult {
	result := models.ExecutionResult{
		Action:    action.Kind,
		Timestamp: e.now(),
		DryRun:    dryRun,
	}
	if dryRun {
		result.Success = true
		result.Message = fmt.Sprintf("DRY RUN: Would execute %s", action.Kind)
		return result
	}

	msg, err := e.run(ctx, plan, action.Kind)
	if err != nil {
		e.logger.Error("action failed", "action", action.Kind, "error", err)
		result.Message = fmt.Sprintf("Error: %v", err)
		return result
	}
	result.Success = true
	result.Message = msg
	return result
}

func (e *Executor) run(ctx context.Context, plan *models.Plan, kind models.ActionKind) (string, error) {
	switch kind {
	case models.ActionAlertOps:
		if e.deps.Alerter == nil {
			return "", fmt.Errorf("alert: %w", ErrNoCollaborator)
		}
		subject, body := alertSummary(plan)
		if err := e.deps.Alerter.Alert(ctx, subject, body); err != nil {
			return "", fmt.Errorf("failed to send alerts: %w", err)
		}
		return "Alerts sent successfully", nil

	case models.ActionRetrainSentiment:
		return e.retrain(ctx, "sentiment")

	case models.ActionRetrainTopic:
		return e.retrain(ctx, "topic")

	case models.ActionAnalyzeSpike:
		if e.deps.Analyzer == nil {
			return "", fmt.Errorf("analyze spike: %w", ErrNoCollaborator)
		}
		report, err := e.deps.Analyzer.AnalyzeSpike(ctx)
		if err != nil {
			return "", fmt.Errorf("analyze spike: %w", err)
		}
		return "Spike analysis completed: " + report, nil
	}
	// ActionKind values only come from ParseActionKind or the constants.
	return "", fmt.Errorf("unhandled action kind %q", kind)
}

func (e *Executor) retrain(ctx context.Context, model string) (string, error) {
	if e.deps.Retrainer == nil {
		return "", fmt.Errorf("retrain %s: %w", model, ErrNoCollaborator)
	}
	jobID, err := e.deps.Retrainer.ScheduleRetrain(ctx, model)
	if err != nil {
		return "", fmt.Errorf("retrain %s: %w", model, err)
	}
	e.logger.Info("retrain scheduled", "model", model, "job_id", jobID)
	return fmt.Sprintf("Retrain job for %s scheduled", model), nil
}

func (e *Executor) record(ctx context.Context, action models.PlannedAction, result models.ExecutionResult) int64 {
	var id int64
	if e.deps.Memory != nil {
		var err error
		if id, err = e.deps.Memory.RecordAction(ctx, action.Kind, result); err != nil {
			e.logger.Warn("failed to record action", "action", action.Kind, "error", err)
		}
	}

	outcome := audit.OutcomeSuccess
	switch {
	case result.DryRun:
		outcome = audit.OutcomeDryRun
	case !result.Success:
		outcome = audit.OutcomeFailure
	}
	e.deps.PDR.RecordQuietly("action."+string(action.Kind), action, outcome, string(action.Kind), result.Message)
	return id
}

// alertSummary is the prepare_summary step of alert_ops.
func alertSummary(plan *models.Plan) (string, string) {
	var b strings.Builder
	for _, v := range plan.Violations {
		fmt.Fprintf(&b, "Goal %s violated: %s = %.3f (threshold: %v)\n", v.Goal, v.Metric, v.Value, v.Threshold)
	}
	for _, a := range plan.Anomalies {
		b.WriteString(a.Message)
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		b.WriteString("An anomaly has been detected in the system.\n")
	}
	fmt.Fprintf(&b, "Planned actions: %d", len(plan.Actions))
	return "Anomaly Detected", b.String()
}
