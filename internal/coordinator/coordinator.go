// Package coordinator wires the agents to the bus, the queue and the stores,
// and runs the full goal, plan, execute and learn workflow.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/commentops/internal/alerts"
	"github.com/fentz26/commentops/internal/artifacts"
	"github.com/fentz26/commentops/internal/audit"
	"github.com/fentz26/commentops/internal/bus"
	"github.com/fentz26/commentops/internal/config"
	"github.com/fentz26/commentops/internal/connectors"
	"github.com/fentz26/commentops/internal/connectors/localexec"
	"github.com/fentz26/commentops/internal/executor"
	"github.com/fentz26/commentops/internal/goals"
	"github.com/fentz26/commentops/internal/learning"
	"github.com/fentz26/commentops/internal/logging"
	"github.com/fentz26/commentops/internal/memory"
	"github.com/fentz26/commentops/internal/modelcards"
	"github.com/fentz26/commentops/internal/models"
	"github.com/fentz26/commentops/internal/monitor"
	"github.com/fentz26/commentops/internal/planner"
	"github.com/fentz26/commentops/internal/queue"
	"github.com/fentz26/commentops/internal/scheduler"
	"github.com/fentz26/commentops/internal/state"
	"github.com/fentz26/commentops/internal/store"
)

// AgentID is the bus sender name of the coordinator.
const AgentID = "Coordinator"

// Bus topics handled or published by the coordinator.
const (
	TopicAnalyze              = "coordinator.analyze"
	TopicTrain                = "coordinator.train"
	TopicStatus               = "coordinator.status"
	TopicImprovementTriggered = "coordinator.improvement_triggered"
	TopicTrainingRequest      = "training.request"
)

const maxHistory = 1000

// Agents lists the agents the coordinator owns.
var Agents = []string{
	modelcards.AgentID,
	learning.AgentID,
	goals.AgentID,
	monitor.AgentID,
	planner.AgentID,
	"Executor",
	"Memory",
}

// Components are the collaborators a Coordinator wires together.
type Components struct {
	// Store is only used for health checks and may be nil.
	Store     *store.Store
	Bus       *bus.Bus
	Queue     *queue.Queue
	States    *state.Manager
	Goals     *goals.Manager
	Monitor   *monitor.Monitor
	Planner   *planner.Planner
	Executor  *executor.Executor
	Memory    *memory.Memory
	Learning  *learning.Agent
	Cards     *modelcards.Registry
	Scheduler *scheduler.Scheduler
	Retrainer *executor.QueueRetrainer
	PDR       *audit.PDRWriter
	// Trainer runs training.retrain tasks. Without one the topic has no
	// handler and its tasks are rejected.
	Trainer connectors.Trainer
}

// Options configures coordinator behavior.
type Options struct {
	// DryRun applies to plans executed in response to bus events.
	DryRun bool
}

// HistoryEntry is one record of the coordination history.
type HistoryEntry struct {
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Coordinator owns every agent and reacts to cross-cutting events.
type Coordinator struct {
	Components
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	closers []func() error
	subs    []bus.Subscription
	wg      sync.WaitGroup

	mu      sync.Mutex
	active  bool
	history []HistoryEntry
	// Live actions of the last workflow run and the KPIs they reacted to.
	// The next run records their outcome.
	awaiting     []int64
	awaitingKPIs map[string]float64
}

// Open builds every component from cfg, opening the SQLite store and the
// artifact store, and returns a coordinator that owns them.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Coordinator, error) {
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	art, err := artifacts.Open(cfg.ArtifactsDir)
	if err != nil {
		st.Close()
		return nil, err
	}
	closeAll := func() {
		art.Close()
		st.Close()
	}

	b := bus.New(logger)
	q := queue.New(st, logger, queue.WithMaxRetries(cfg.Queue.MaxRetries))
	states := state.NewManager(st, art, logger)
	pdr := audit.NewPDRWriter(st, logger)
	mem := memory.New(st, logger)

	g, err := goals.New(cfg.GoalsPath, cfg.KPI, b, logger)
	if err != nil {
		closeAll()
		return nil, err
	}
	mon, err := monitor.New(cfg.BaselinePath, cfg.KPI, b, logger)
	if err != nil {
		closeAll()
		return nil, err
	}
	learn, err := learning.New(ctx, cfg.Learning, b, states, q, logger)
	if err != nil {
		closeAll()
		return nil, err
	}
	cards, err := modelcards.New(ctx, art, b, logger)
	if err != nil {
		closeAll()
		return nil, err
	}

	retrainer := executor.NewQueueRetrainer(q, AgentID, time.Hour)
	exec := executor.New(executor.Deps{
		Alerter:   alerts.NewFromConfig(cfg.Alerts, logger),
		Retrainer: retrainer,
		Analyzer:  mon,
		Memory:    mem,
		PDR:       pdr,
	}, logger)

	schedCfg := cfg.Scheduler
	c := New(Components{
		Store:     st,
		Bus:       b,
		Queue:     q,
		States:    states,
		Goals:     g,
		Monitor:   mon,
		Planner:   planner.New(b, logger),
		Executor:  exec,
		Memory:    mem,
		Learning:  learn,
		Cards:     cards,
		Scheduler: scheduler.New(q, pdr, &schedCfg, logger),
		Retrainer: retrainer,
		PDR:       pdr,
		Trainer:   localexec.New(cfg.Training.WorkDir, cfg.Training.Commands, cfg.Training.Timeout),
	}, Options{DryRun: cfg.Workflow.DryRun}, logger)
	c.closers = append(c.closers, art.Close, st.Close)
	return c, nil
}

// New wires already-built components and subscribes every handler.
func New(comp Components, opts Options, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		Components: comp,
		opts:       opts,
		logger:     logging.Component(logger, "coordinator"),
		now:        time.Now,
		active:     true,
	}

	c.Goals.Register()
	c.Monitor.Register()
	c.Planner.Register()
	c.Learning.Register()
	c.Cards.Register()

	c.subs = append(c.subs,
		c.Bus.Subscribe(TopicAnalyze, c.handleAnalyze),
		c.Bus.Subscribe(TopicTrain, c.handleTrain),
		c.Bus.Subscribe(TopicStatus, c.handleStatus),
		c.Bus.Subscribe(modelcards.TopicDegradationDetected, c.handleDegradation),
		c.Bus.Subscribe(modelcards.TopicMetricsUpdated, c.handleMetricsUpdated),
		c.Bus.Subscribe(learning.TopicCycleCompleted, c.handleLearningCycleCompleted),
		c.Bus.Subscribe(planner.TopicCreated, c.handlePlanCreated),
	)

	if c.Trainer != nil && c.Scheduler != nil {
		c.Scheduler.Register(scheduler.TopicRetrain, c.runRetrain)
	}

	c.logger.Info("coordinator initialized", "agents", len(Agents), "dry_run", opts.DryRun)
	return c
}

// Start begins consuming the persistent queue.
func (c *Coordinator) Start(ctx context.Context) error {
	// Nothing consumes the queue yet, so every processing row was abandoned
	// by a previous run.
	if c.Queue != nil {
		n, err := c.Queue.Recover(ctx, 0)
		if err != nil {
			return err
		}
		if n > 0 {
			c.logger.Warn("returned abandoned messages to pending", "count", n)
		}
	}
	if c.Scheduler != nil {
		c.Scheduler.Start()
	}
	return nil
}

// Shutdown stops the scheduler, waits for event-driven plans, clears the
// bus history and closes the stores opened by Open.
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = false
	c.mu.Unlock()

	c.logger.Info("shutting down coordinator")
	for _, s := range c.subs {
		c.Bus.Unsubscribe(s)
	}
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	c.wg.Wait()
	c.Bus.ClearHistory()

	var errs []error
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Active reports whether Shutdown has not yet been called.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Coordinator) record(action string, details map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, HistoryEntry{Action: action, Timestamp: c.now(), Details: details})
	if len(c.history) > maxHistory {
		c.history = c.history[len(c.history)-maxHistory:]
	}
}

// CoordinationHistory returns the last limit entries, oldest first.
func (c *Coordinator) CoordinationHistory(limit int) []HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]HistoryEntry{}, h...)
}

func (c *Coordinator) handleAnalyze(msg bus.Message) error {
	c.logger.Info("analyze request received", "sender", msg.Sender)
	c.record("analyze", map[string]any{"status": "started", "sender": msg.Sender})
	if msg.Type == bus.TypeRequest {
		c.Bus.Respond(msg, map[string]any{"status": "started"})
	}
	return nil
}

func (c *Coordinator) handleTrain(msg bus.Message) error {
	c.logger.Info("train request received", "sender", msg.Sender)
	c.Bus.Publish(bus.Message{
		Type:     bus.TypeEvent,
		Priority: bus.PriorityHigh,
		Sender:   AgentID,
		Topic:    TopicTrainingRequest,
		Payload:  msg.Payload,
	})

	model, _ := msg.Payload["model"].(string)
	if model == "" || c.Retrainer == nil {
		return nil
	}
	jobID, err := c.Retrainer.ScheduleRetrain(context.Background(), model)
	if err != nil {
		return err
	}
	c.record("train", map[string]any{"model": model, "job_id": jobID})
	return nil
}

func (c *Coordinator) handleStatus(msg bus.Message) error {
	st, err := c.SystemStatus(context.Background())
	if err != nil {
		c.Bus.Respond(msg, map[string]any{"error": err.Error()})
		return err
	}
	c.Bus.Respond(msg, map[string]any{"status": st})
	return nil
}

func (c *Coordinator) handleDegradation(msg bus.Message) error {
	modelID, _ := msg.Payload["model_id"].(string)
	severity, _ := msg.Payload["severity"].(string)
	c.logger.Warn("coordinating response to degradation", "model_id", modelID, "severity", severity)

	c.Bus.Publish(bus.Message{
		Type:      bus.TypeCommand,
		Priority:  bus.PriorityHigh,
		Sender:    AgentID,
		Recipient: planner.AgentID,
		Topic:     planner.TopicCreate,
		Payload:   map[string]any{"trigger": "degradation", "model_id": modelID, "severity": severity},
	})

	details := map[string]any{"model_id": modelID, "severity": severity}
	if model := c.modelType(modelID); model != "" && c.Retrainer != nil {
		jobID, err := c.Retrainer.ScheduleRetrain(context.Background(), model)
		if err != nil {
			c.logger.Error("failed to enqueue retrain", "model", model, "error", err)
		} else {
			details["retrain_job"] = jobID
		}
	}
	c.record("handle_degradation", details)
	return nil
}

// modelType resolves a card id to its model type, falling back to the id prefix.
func (c *Coordinator) modelType(modelID string) string {
	if card, ok := c.Cards.Get(modelID); ok && card.ModelType != "" && card.ModelType != "unknown" {
		return card.ModelType
	}
	if i := strings.IndexByte(modelID, '_'); i > 0 {
		return modelID[:i]
	}
	return ""
}

func (c *Coordinator) handleMetricsUpdated(msg bus.Message) error {
	var upd struct {
		ModelType string             `json:"model_type"`
		Metrics   map[string]float64 `json:"metrics"`
	}
	if err := msg.DecodePayload(&upd); err != nil {
		return err
	}
	if _, ok := upd.Metrics["accuracy"]; !ok {
		return nil
	}
	_, err := c.Learning.UpdatePerformanceBaseline(context.Background(), upd.ModelType, upd.Metrics)
	return err
}

func (c *Coordinator) handleLearningCycleCompleted(msg bus.Message) error {
	c.logger.Info("learning cycle completed, updating coordination state")
	c.record("learning_cycle", msg.Payload)
	return nil
}

// handlePlanCreated executes event-driven plans off the bus goroutine so
// alert delivery never stalls message delivery.
func (c *Coordinator) handlePlanCreated(msg bus.Message) error {
	var created struct {
		Trigger string      `json:"trigger"`
		ModelID string      `json:"model_id"`
		Plan    models.Plan `json:"plan"`
	}
	if err := msg.DecodePayload(&created); err != nil {
		return err
	}
	c.record("plan_created", map[string]any{
		"trigger":       created.Trigger,
		"model_id":      created.ModelID,
		"actions_count": len(created.Plan.Actions),
	})
	if len(created.Plan.Actions) == 0 {
		return nil
	}

	plan := created.Plan
	c.goActive(func() {
		results := c.Executor.ExecutePlan(context.Background(), &plan, c.opts.DryRun)
		c.record("plan_executed", map[string]any{
			"trigger": created.Trigger,
			"summary": executor.Summarize(results, c.opts.DryRun),
		})
	})
	return nil
}

// goActive runs fn in a goroutine tracked by Shutdown. It reports false and
// does nothing once Shutdown has begun.
func (c *Coordinator) goActive(fn func()) bool {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// Communication is a bus message as shown to operators.
type Communication struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient,omitempty"`
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Priority  string    `json:"priority"`
}

// AgentCommunications returns the last limit bus messages, oldest first.
func (c *Coordinator) AgentCommunications(limit int) []Communication {
	msgs := c.Bus.History("", limit)
	out := make([]Communication, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Communication{
			ID:        m.ID,
			Type:      string(m.Type),
			Sender:    m.Sender,
			Recipient: m.Recipient,
			Topic:     m.Topic,
			Timestamp: m.Timestamp,
			Priority:  m.Priority.String(),
		})
	}
	return out
}

// runRetrain is the scheduler handler for training.retrain tasks. A training
// command that prints a JSON metrics object as its last line announces the
// new model on model.trained.
func (c *Coordinator) runRetrain(ctx context.Context, msg models.PersistentMessage) error {
	var task struct {
		Model string `json:"model"`
	}
	if err := msg.DecodePayload(&task); err != nil {
		return fmt.Errorf("decode retrain task: %w", err)
	}
	if task.Model == "" {
		return fmt.Errorf("retrain task %s has no model", msg.ID)
	}

	c.logger.Info("running retrain", "model", task.Model, "attempt", msg.RetryCount+1)
	res, err := c.Trainer.Train(ctx, task.Model)
	if err != nil {
		if res != nil {
			c.logger.Warn("retrain failed", "model", task.Model, "exit_code", res.ExitCode, "duration", res.Duration)
		}
		return err
	}

	metrics := parseMetrics(res.Stdout)
	if metrics == nil {
		c.logger.Info("retrain finished without metrics", "model", task.Model, "duration", res.Duration)
		return nil
	}
	payload := map[string]any{
		"model_name": task.Model,
		"model_type": task.Model,
		"metrics":    metrics,
	}
	if n, ok := metrics["training_data_size"]; ok {
		payload["training_data_size"] = int(n)
	}
	c.Bus.Publish(bus.Message{
		Type:    bus.TypeEvent,
		Sender:  AgentID,
		Topic:   modelcards.TopicTrained,
		Payload: payload,
	})
	return nil
}
