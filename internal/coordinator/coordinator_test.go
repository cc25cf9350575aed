package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/commentops/internal/bus"
	"github.com/fentz26/commentops/internal/config"
	"github.com/fentz26/commentops/internal/connectors"
	"github.com/fentz26/commentops/internal/modelcards"
	"github.com/fentz26/commentops/internal/models"
	"github.com/fentz26/commentops/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrainer struct {
	stdout string
	err    error
	calls  []string
}

func (f *fakeTrainer) Train(_ context.Context, model string) (*connectors.ExecResult, error) {
	f.calls = append(f.calls, model)
	if f.err != nil {
		return nil, f.err
	}
	return &connectors.ExecResult{Command: "train", Stdout: f.stdout}, nil
}

func testConfig(t *testing.T, dryRun bool) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.DBPath = filepath.Join(dir, "commentops.db")
	cfg.ArtifactsDir = ""
	cfg.GoalsPath = filepath.Join(dir, "goals.json")
	cfg.BaselinePath = filepath.Join(dir, "baseline.json")
	cfg.Workflow.DryRun = dryRun
	return cfg
}

func newTestCoordinator(t *testing.T, dryRun bool) *Coordinator {
	t.Helper()
	return openTestCoordinator(t, testConfig(t, dryRun))
}

func openTestCoordinator(t *testing.T, cfg *config.Config) *Coordinator {
	t.Helper()
	c, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, c.Shutdown()) })
	return c
}

func snapshot(negative float64) models.MetricsSnapshot {
	return models.MetricsSnapshot{
		SentimentDistribution: map[string]float64{"positive": 0.8 - negative, "negative": negative, "neutral": 0.2},
		TopicDistribution:     map[string]float64{"billing": 0.4, "delivery": 0.6},
		NegativeRatio:         negative,
		TotalCount:            1000,
	}
}

func stepNames(res *WorkflowResult) []string {
	names := make([]string, 0, len(res.Steps))
	for _, s := range res.Steps {
		names = append(names, s.Step)
	}
	return names
}

func TestWorkflowRecordsOutcomeOfLiveActions(t *testing.T) {
	c := newTestCoordinator(t, false)
	ctx := context.Background()

	first := c.RunFullAgenticWorkflow(ctx, snapshot(0.1), WorkflowOptions{})
	require.Equal(t, WorkflowCompleted, first.Status, first.Error)

	spike := c.RunFullAgenticWorkflow(ctx, snapshot(0.5), WorkflowOptions{})
	require.Equal(t, WorkflowCompleted, spike.Status, spike.Error)
	require.NotEmpty(t, spike.Results)
	assert.NotContains(t, stepNames(spike), StepOutcomesRecorded)

	recovered := c.RunFullAgenticWorkflow(ctx, snapshot(0.1), WorkflowOptions{})
	require.Equal(t, WorkflowCompleted, recovered.Status, recovered.Error)
	assert.Contains(t, stepNames(recovered), StepOutcomesRecorded)

	for _, r := range spike.Results {
		require.NotZero(t, r.RecordID, "action %s was not recorded", r.Action)
		outcomes, err := c.Memory.Outcomes(ctx, r.RecordID)
		require.NoError(t, err)
		require.Len(t, outcomes, 1)
		assert.InDelta(t, 0.4, outcomes[0].Improvement["negative_ratio_reduction"], 1e-9)
	}

	c.RunFullAgenticWorkflow(ctx, snapshot(0.1), WorkflowOptions{})
	for _, r := range spike.Results {
		outcomes, err := c.Memory.Outcomes(ctx, r.RecordID)
		require.NoError(t, err)
		assert.Len(t, outcomes, 1, "outcomes are recorded once per action")
	}
}

func TestWorkflowRecordsFailedStep(t *testing.T) {
	cfg := testConfig(t, true)
	c := openTestCoordinator(t, cfg)
	// A non-empty directory where the baseline file belongs makes the write fail.
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.BaselinePath, "occupied"), 0o755))

	res := c.RunFullAgenticWorkflow(context.Background(), snapshot(0.2), WorkflowOptions{DryRun: true})
	require.Equal(t, WorkflowFailed, res.Status)
	require.NotEmpty(t, res.Error)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, StepBaselineStored, res.Steps[0].Step)
	assert.Equal(t, "failed", res.Steps[0].Status)
	assert.Equal(t, res.Error, res.Steps[0].Detail["error"])
}

func TestWorkflowFirstRunStoresBaseline(t *testing.T) {
	c := newTestCoordinator(t, true)

	res := c.RunFullAgenticWorkflow(context.Background(), snapshot(0.2), WorkflowOptions{DryRun: true})
	require.Equal(t, WorkflowCompleted, res.Status, res.Error)
	assert.Equal(t, []string{StepBaselineStored, StepGoalsChecked, StepViolationsChecked, StepModelCardsReviewed}, stepNames(res))
	assert.Empty(t, res.Violations)
	assert.Empty(t, res.Anomalies)
	assert.Nil(t, res.Plan)

	bl, ok := c.Monitor.Baseline()
	require.True(t, ok)
	assert.Equal(t, 0.2, bl.Metrics.NegativeRatio)

	hist := c.CoordinationHistory(0)
	require.NotEmpty(t, hist)
	assert.Equal(t, "full_workflow", hist[len(hist)-1].Action)
}

func TestWorkflowNegativeSpikeDryRun(t *testing.T) {
	c := newTestCoordinator(t, true)
	ctx := context.Background()

	first := c.RunFullAgenticWorkflow(ctx, snapshot(0.1), WorkflowOptions{DryRun: true})
	require.Equal(t, WorkflowCompleted, first.Status)

	spike := snapshot(0.5)
	spike.Extra = map[string]float64{"sentiment_accuracy": 0.8}
	res := c.RunFullAgenticWorkflow(ctx, spike, WorkflowOptions{DryRun: true})
	require.Equal(t, WorkflowCompleted, res.Status, res.Error)

	assert.Equal(t, []string{
		StepBaselineStored, StepGoalsChecked, StepViolationsChecked,
		StepActionsPlanned, StepActionsExecuted, StepModelCardsReviewed,
	}, stepNames(res))

	var goals []string
	for _, v := range res.Violations {
		goals = append(goals, v.Goal)
	}
	assert.Equal(t, []string{"negative_spike", "sentiment_accuracy"}, goals)
	assert.NotEmpty(t, res.Anomalies)

	require.NotNil(t, res.Plan)
	assert.Equal(t, models.ActionAlertOps, res.Plan.Actions[0].Kind, "critical actions first")
	require.Len(t, res.Results, len(res.Plan.Actions))
	for _, r := range res.Results {
		assert.True(t, r.DryRun)
		assert.True(t, r.Success)
		assert.Contains(t, r.Message, "DRY RUN: Would execute")
	}

	pending, err := c.Queue.Pending(ctx, scheduler.TopicRetrain)
	require.NoError(t, err)
	assert.Empty(t, pending, "dry run enqueues nothing")

	total, err := c.Memory.TotalActions(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(res.Plan.Actions), total)
}

func TestWorkflowLiveRetrainEnqueues(t *testing.T) {
	c := newTestCoordinator(t, false)
	ctx := context.Background()

	c.RunFullAgenticWorkflow(ctx, snapshot(0.1), WorkflowOptions{})
	cur := snapshot(0.1)
	cur.Extra = map[string]float64{"sentiment_accuracy": 0.7}
	res := c.RunFullAgenticWorkflow(ctx, cur, WorkflowOptions{})
	require.Equal(t, WorkflowCompleted, res.Status, res.Error)

	require.Len(t, res.Results, 1)
	assert.True(t, res.Results[0].Success)
	assert.Equal(t, "Retrain job for sentiment scheduled", res.Results[0].Message)

	pending, err := c.Queue.Pending(ctx, scheduler.TopicRetrain)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestDegradationCoordination(t *testing.T) {
	c := newTestCoordinator(t, true)
	ctx := context.Background()

	var commands []bus.Message
	c.Bus.Subscribe("plan.create", func(m bus.Message) error {
		commands = append(commands, m)
		return nil
	})

	card, err := c.Cards.Create(ctx, modelcards.TrainedModel{
		ModelName: "lda", ModelType: "topic", Metrics: map[string]float64{"accuracy": 0.8},
	})
	require.NoError(t, err)
	degraded, err := c.Cards.UpdateMetrics(ctx, card.ModelID, map[string]float64{"accuracy": 0.4})
	require.NoError(t, err)
	require.True(t, degraded)

	require.Len(t, commands, 1)
	assert.Equal(t, bus.TypeCommand, commands[0].Type)
	assert.Equal(t, "Planner", commands[0].Recipient)
	assert.Equal(t, "high", commands[0].Payload["severity"])

	pending, err := c.Queue.Pending(ctx, scheduler.TopicRetrain)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	var task struct{ Model string }
	require.NoError(t, pending[0].DecodePayload(&task))
	assert.Equal(t, "topic", task.Model)

	assert.Eventually(t, func() bool {
		for _, h := range c.CoordinationHistory(0) {
			if h.Action == "plan_executed" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	total, err := c.Memory.TotalActions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total, "retrain_topic and alert_ops")

	assert.InDelta(t, 0.4, c.Learning.Status().PerformanceBaseline["topic_accuracy"], 1e-9)
}

func TestRetrainTaskPublishesTrainedModel(t *testing.T) {
	c := newTestCoordinator(t, false)
	ctx := context.Background()
	trainer := &fakeTrainer{stdout: "epoch 1/1 done\n{\"accuracy\": 0.91, \"training_data_size\": 500}\n"}
	c.Trainer = trainer

	_, err := c.Retrainer.ScheduleRetrain(ctx, "sentiment")
	require.NoError(t, err)

	n, err := c.Scheduler.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"sentiment"}, trainer.calls)

	cards := c.Cards.All()
	require.Len(t, cards, 1)
	assert.Equal(t, "sentiment", cards[0].ModelType)
	assert.Equal(t, 500, cards[0].TrainingDataSize)
	assert.Equal(t, 0.91, cards[0].Metrics.Accuracy)

	stats, err := c.Queue.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Counts[models.MessageStatusCompleted])
}

func TestRetrainTaskFailureRetries(t *testing.T) {
	c := newTestCoordinator(t, false)
	ctx := context.Background()
	c.Trainer = &fakeTrainer{err: errors.New("gpu unavailable")}

	_, err := c.Retrainer.ScheduleRetrain(ctx, "topic")
	require.NoError(t, err)
	_, err = c.Scheduler.ProcessBatch(ctx)
	require.NoError(t, err)

	pending, err := c.Queue.Pending(ctx, scheduler.TopicRetrain)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Empty(t, c.Cards.All())
}

func TestParseMetrics(t *testing.T) {
	assert.Equal(t, map[string]float64{"accuracy": 0.9}, parseMetrics("loading\n{\"accuracy\":0.9}\n"))
	assert.Nil(t, parseMetrics("done"))
	assert.Nil(t, parseMetrics(""))
	assert.Nil(t, parseMetrics("{\"model\":\"x\"}"))
}

func TestStatusAndCommunications(t *testing.T) {
	c := newTestCoordinator(t, true)
	ctx := context.Background()

	resp, err := c.Bus.Request(ctx, "cli", AgentID, TopicStatus, nil, time.Second)
	require.NoError(t, err)
	assert.Contains(t, resp.Payload, "status")

	st, err := c.SystemStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.Coordinator.Active)
	assert.Len(t, st.Coordinator.Agents, len(Agents))
	assert.Equal(t, 3, st.GoalsCount)
	require.NotNil(t, st.Queue)
	require.NotNil(t, st.Scheduler)

	comms := c.AgentCommunications(10)
	require.NotEmpty(t, comms)
	assert.Equal(t, TopicStatus, comms[0].Topic)
	assert.Equal(t, "high", comms[0].Priority)

	imp, err := c.TriggerContinuousImprovement(ctx)
	require.NoError(t, err)
	assert.Equal(t, "forced", imp.Cycle.Trigger)
	assert.Len(t, c.Bus.History(TopicImprovementTriggered, 0), 1)
}

func TestShutdownIsIdempotent(t *testing.T) {
	c := newTestCoordinator(t, true)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Shutdown())
	assert.False(t, c.Active())
	require.NoError(t, c.Shutdown())
	assert.Empty(t, c.Bus.History("", 0))
}

func TestPlanExecutionStopsAtShutdown(t *testing.T) {
	c := newTestCoordinator(t, true)
	plan := models.Plan{Actions: []models.PlannedAction{{Kind: models.ActionAlertOps, Description: "notify"}}}
	msg := bus.Message{Topic: "plan.created", Payload: map[string]any{"trigger": "test", "plan": plan}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.handlePlanCreated(msg))
		}()
	}
	require.NoError(t, c.Shutdown())
	executed := countAction(c, "plan_executed")

	require.NoError(t, c.handlePlanCreated(msg))
	wg.Wait()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, executed, countAction(c, "plan_executed"), "no plan may run after Shutdown returns")
}

func countAction(c *Coordinator, action string) int {
	n := 0
	for _, h := range c.CoordinationHistory(0) {
		if h.Action == action {
			n++
		}
	}
	return n
}
