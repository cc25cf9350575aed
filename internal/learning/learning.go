// Package learning runs the continuous learning cycle: it decides when a cycle
// is due, reports queued retrain work, and tracks model accuracy baselines.
//
// The time of the last cycle and the accuracy baselines are persisted through
// the state manager so a restarted daemon keeps its cadence.
package learning

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/fentz26/commentops/internal/bus"
	"github.com/fentz26/commentops/internal/config"
	"github.com/fentz26/commentops/internal/logging"
	"github.com/fentz26/commentops/internal/models"
	"github.com/fentz26/commentops/internal/queue"
	"github.com/fentz26/commentops/internal/scheduler"
	"github.com/fentz26/commentops/internal/state"
)

// AgentID is the bus sender name and state key of the learning agent.
const AgentID = "LearningAgent"

// Bus topics handled or published by the agent.
const (
	TopicDegradationDetected = "model.degradation_detected"
	TopicTriggerCycle        = "learning.trigger_cycle"
	TopicCycleStarted        = "learning.cycle_started"
	TopicCycleCompleted      = "learning.cycle_completed"
	TopicImprovement         = "learning.improvement_detected"
)

// DueNow is reported as the time to the next cycle once a cycle is due.
const DueNow = "due_now"

const (
	improvementEpsilon = 0.01
	maxImprovements    = 100
)

// Improvement is a recorded change in a model's accuracy baseline.
type Improvement struct {
	ModelType   string    `json:"model_type"`
	Timestamp   time.Time `json:"timestamp"`
	OldAccuracy float64   `json:"old_accuracy"`
	NewAccuracy float64   `json:"new_accuracy"`
	Improvement float64   `json:"improvement"`
}

// Status describes the agent's schedule and baselines.
type Status struct {
	LastCycle           time.Time          `json:"last_cycle"`
	NextCycleAt         time.Time          `json:"next_cycle_at"`
	NextCycleIn         string             `json:"next_cycle_in"`
	Interval            string             `json:"interval,omitempty"`
	Schedule            string             `json:"schedule,omitempty"`
	PerformanceBaseline map[string]float64 `json:"performance_baseline"`
	RecentImprovements  []Improvement      `json:"recent_improvements"`
}

// CycleAction is one piece of work a cycle found.
type CycleAction struct {
	Action string   `json:"action"`
	Count  int      `json:"count"`
	Models []string `json:"models,omitempty"`
}

// CycleResult is returned by CheckAndTrigger and Force.
type CycleResult struct {
	Status      string        `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	Trigger     string        `json:"trigger,omitempty"`
	NextCycleIn string        `json:"next_cycle_in,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	Actions     []CycleAction `json:"actions"`
}

// ImprovementSummary aggregates the improvement log.
type ImprovementSummary struct {
	TotalImprovements int           `json:"total_improvements"`
	AvgImprovement    float64       `json:"avg_improvement"`
	Best              *Improvement  `json:"best_improvement"`
	Recent            []Improvement `json:"recent_log,omitempty"`
}

type persisted struct {
	LastCycle           time.Time          `json:"last_cycle"`
	PerformanceBaseline map[string]float64 `json:"performance_baseline,omitempty"`
	Improvements        []Improvement      `json:"improvements,omitempty"`
}

// Agent is the continuous learning agent.
type Agent struct {
	bus    *bus.Bus
	states *state.Manager
	queue  *queue.Queue
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	interval     time.Duration
	schedule     string
	lastCycle    time.Time
	baseline     map[string]float64
	improvements []Improvement
}

// New creates the agent and restores its last cycle from the state manager.
// Without saved state the last cycle is now, so the first cycle waits a full
// interval.
func New(ctx context.Context, cfg config.LearningConfig, b *bus.Bus, states *state.Manager, q *queue.Queue, logger *slog.Logger) (*Agent, error) {
	a := &Agent{
		bus:      b,
		states:   states,
		queue:    q,
		logger:   logging.Component(logger, "learning"),
		now:      time.Now,
		interval: cfg.Interval,
		schedule: cfg.Schedule,
		baseline: make(map[string]float64),
	}
	if a.interval <= 0 {
		a.interval = 24 * time.Hour
	}
	if a.schedule != "" && !gronx.New().IsValid(a.schedule) {
		return nil, fmt.Errorf("invalid learning schedule %q", a.schedule)
	}

	a.lastCycle = a.now()
	if states == nil {
		return a, nil
	}

	var saved persisted
	found, err := states.LoadInto(ctx, AgentID, &saved)
	if err != nil {
		return nil, fmt.Errorf("restore learning state: %w", err)
	}
	if found {
		a.lastCycle = saved.LastCycle
		for k, v := range saved.PerformanceBaseline {
			a.baseline[k] = v
		}
		a.improvements = saved.Improvements
		a.logger.Info("learning state restored", "last_cycle", a.lastCycle)
	}
	return a, nil
}

// nextCycleLocked returns when the next cycle becomes due.
func (a *Agent) nextCycleLocked() time.Time {
	if a.schedule != "" {
		next, err := gronx.NextTickAfter(a.schedule, a.lastCycle, false)
		if err == nil {
			return next
		}
		a.logger.Warn("cannot evaluate learning schedule, using interval", "schedule", a.schedule, "error", err)
	}
	return a.lastCycle.Add(a.interval)
}

// Due reports whether a cycle is due.
func (a *Agent) Due() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.now().Before(a.nextCycleLocked())
}

// Status reports the schedule and baselines.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.nextCycleLocked()
	st := Status{
		LastCycle:           a.lastCycle,
		NextCycleAt:         next,
		NextCycleIn:         untilNext(a.now(), next),
		Schedule:            a.schedule,
		PerformanceBaseline: make(map[string]float64, len(a.baseline)),
		RecentImprovements:  lastN(a.improvements, 5),
	}
	if a.schedule == "" {
		st.Interval = a.interval.String()
	}
	for k, v := range a.baseline {
		st.PerformanceBaseline[k] = v
	}
	return st
}

func untilNext(now, next time.Time) string {
	remaining := next.Sub(now)
	if remaining <= 0 {
		return DueNow
	}
	return remaining.Round(time.Second).String()
}

// CheckAndTrigger runs a cycle when one is due.
func (a *Agent) CheckAndTrigger(ctx context.Context) (*CycleResult, error) {
	a.mu.Lock()
	now := a.now()
	next := a.nextCycleLocked()
	if now.Before(next) {
		a.mu.Unlock()
		return &CycleResult{
			Status:      "skipped",
			Reason:      "too_soon",
			NextCycleIn: untilNext(now, next),
			Timestamp:   now,
			Actions:     []CycleAction{},
		}, nil
	}
	a.lastCycle = now
	a.mu.Unlock()

	return a.runCycle(ctx, "scheduled", now)
}

// Force runs a cycle regardless of the schedule.
func (a *Agent) Force(ctx context.Context) (*CycleResult, error) {
	a.mu.Lock()
	now := a.now()
	a.lastCycle = now
	a.mu.Unlock()

	a.logger.Info("forcing learning cycle")
	return a.runCycle(ctx, "forced", now)
}

func (a *Agent) runCycle(ctx context.Context, trigger string, now time.Time) (*CycleResult, error) {
	a.logger.Info("starting learning cycle", "trigger", trigger)

	result := &CycleResult{
		Status:    "completed",
		Trigger:   trigger,
		Timestamp: now,
		Actions:   []CycleAction{},
	}

	if a.queue != nil {
		pending, err := a.queue.Pending(ctx, scheduler.TopicRetrain)
		if err != nil {
			return nil, fmt.Errorf("list pending retrains: %w", err)
		}
		if len(pending) > 0 {
			result.Actions = append(result.Actions, CycleAction{
				Action: "auto_training",
				Count:  len(pending),
				Models: retrainModels(pending),
			})
		}

		dead, err := a.queue.DeadLetters(ctx)
		if err != nil {
			return nil, fmt.Errorf("list dead letters: %w", err)
		}
		var failed []models.PersistentMessage
		for _, m := range dead {
			if m.Topic == scheduler.TopicRetrain {
				failed = append(failed, m)
			}
		}
		if len(failed) > 0 {
			result.Actions = append(result.Actions, CycleAction{
				Action: "failed_training",
				Count:  len(failed),
				Models: retrainModels(failed),
			})
		}
	}

	if err := a.persist(ctx); err != nil {
		return nil, err
	}

	if a.bus != nil {
		a.bus.Publish(bus.Message{
			Type:     bus.TypeEvent,
			Priority: bus.PriorityMedium,
			Sender:   AgentID,
			Topic:    TopicCycleCompleted,
			Payload: map[string]any{
				"status":    result.Status,
				"trigger":   trigger,
				"timestamp": now,
				"actions":   result.Actions,
			},
		})
	}
	a.logger.Info("learning cycle completed", "actions", len(result.Actions))
	return result, nil
}

func retrainModels(msgs []models.PersistentMessage) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range msgs {
		var p struct {
			Model string `json:"model"`
		}
		if err := m.DecodePayload(&p); err != nil || p.Model == "" || seen[p.Model] {
			continue
		}
		seen[p.Model] = true
		out = append(out, p.Model)
	}
	sort.Strings(out)
	return out
}

func (a *Agent) persist(ctx context.Context) error {
	if a.states == nil {
		return nil
	}
	a.mu.Lock()
	snap := persisted{
		LastCycle:           a.lastCycle,
		PerformanceBaseline: make(map[string]float64, len(a.baseline)),
		Improvements:        append([]Improvement(nil), a.improvements...),
	}
	for k, v := range a.baseline {
		snap.PerformanceBaseline[k] = v
	}
	a.mu.Unlock()

	if _, err := a.states.SaveState(ctx, AgentID, snap); err != nil {
		return fmt.Errorf("persist learning state: %w", err)
	}
	return nil
}

// ConfigureInterval switches the agent to a fixed interval.
func (a *Agent) ConfigureInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("learning interval must be positive, got %s", d)
	}
	a.mu.Lock()
	a.interval = d
	a.schedule = ""
	a.mu.Unlock()
	a.logger.Info("learning interval set", "interval", d)
	return nil
}

// ConfigureSchedule switches the agent to a cron expression.
func (a *Agent) ConfigureSchedule(expr string) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid learning schedule %q", expr)
	}
	a.mu.Lock()
	a.schedule = expr
	a.mu.Unlock()
	a.logger.Info("learning schedule set", "schedule", expr)
	return nil
}

// UpdatePerformanceBaseline stores the model's latest accuracy. A change
// larger than 0.01 is logged as an improvement and published.
func (a *Agent) UpdatePerformanceBaseline(ctx context.Context, modelType string, metrics map[string]float64) (*Improvement, error) {
	key := modelType + "_accuracy"
	newAcc := metrics["accuracy"]

	a.mu.Lock()
	oldAcc := a.baseline[key]
	a.baseline[key] = newAcc
	delta := newAcc - oldAcc
	var imp *Improvement
	if math.Abs(delta) > improvementEpsilon {
		imp = &Improvement{
			ModelType:   modelType,
			Timestamp:   a.now(),
			OldAccuracy: oldAcc,
			NewAccuracy: newAcc,
			Improvement: delta,
		}
		a.improvements = append(a.improvements, *imp)
		if len(a.improvements) > maxImprovements {
			a.improvements = a.improvements[len(a.improvements)-maxImprovements:]
		}
	}
	a.mu.Unlock()

	if err := a.persist(ctx); err != nil {
		return imp, err
	}
	if imp == nil {
		return nil, nil
	}

	a.logger.Info("performance change recorded", "model_type", modelType, "improvement", delta)
	if a.bus != nil {
		a.bus.Publish(bus.Message{
			Type:   bus.TypeEvent,
			Sender: AgentID,
			Topic:  TopicImprovement,
			Payload: map[string]any{
				"model_type":   modelType,
				"improvement":  delta,
				"new_accuracy": newAcc,
			},
		})
	}
	return imp, nil
}

// ImprovementSummary aggregates the improvement log.
func (a *Agent) ImprovementSummary() ImprovementSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.improvements) == 0 {
		return ImprovementSummary{}
	}
	var sum float64
	best := a.improvements[0]
	for _, imp := range a.improvements {
		sum += imp.Improvement
		if imp.Improvement > best.Improvement {
			best = imp
		}
	}
	return ImprovementSummary{
		TotalImprovements: len(a.improvements),
		AvgImprovement:    sum / float64(len(a.improvements)),
		Best:              &best,
		Recent:            lastN(a.improvements, 10),
	}
}

func lastN(list []Improvement, n int) []Improvement {
	if len(list) > n {
		list = list[len(list)-n:]
	}
	return append([]Improvement{}, list...)
}

// Register subscribes the agent's handlers on the bus.
func (a *Agent) Register() {
	a.bus.Subscribe(TopicDegradationDetected, a.handleDegradation)
	a.bus.Subscribe(TopicTriggerCycle, a.handleTriggerCycle)
}

func (a *Agent) handleDegradation(msg bus.Message) error {
	a.logger.Warn("performance degradation detected, initiating learning cycle", "model_id", msg.Payload["model_id"])
	a.bus.Publish(bus.Message{
		Type:     bus.TypeEvent,
		Priority: bus.PriorityHigh,
		Sender:   AgentID,
		Topic:    TopicCycleStarted,
		Payload:  map[string]any{"trigger": "degradation", "model_id": msg.Payload["model_id"]},
	})
	return nil
}

func (a *Agent) handleTriggerCycle(msg bus.Message) error {
	a.logger.Info("learning cycle triggered manually", "sender", msg.Sender)
	_, err := a.Force(context.Background())
	return err
}
