// Package goals evaluates KPI goals against live metrics.
//
// Goals are kept in a JSON document keyed by goal name. When the document is
// missing the manager starts from a default set built from the KPI thresholds.
package goals

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/commentops/internal/bus"
	"github.com/fentz26/commentops/internal/config"
	"github.com/fentz26/commentops/internal/logging"
	"github.com/fentz26/commentops/internal/models"
)

// AgentID is the bus sender name of the goal manager.
const AgentID = "GoalManager"

// Bus topics handled or published by the manager.
const (
	TopicCheck              = "goals.check"
	TopicUpdate             = "goals.update"
	TopicViolationsDetected = "goals.violations_detected"
)

// Manager holds the goal set and checks metrics against it.
type Manager struct {
	path   string
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	goals map[string]models.Goal
}

// Defaults returns the built-in goal set for the given thresholds.
func Defaults(kpi config.KPIConfig) map[string]models.Goal {
	return map[string]models.Goal{
		"sentiment_accuracy": {
			Metric:    "sentiment_accuracy",
			Threshold: kpi.SentimentAccuracyMin,
			Operator:  models.OpGreaterEqual,
			Priority:  models.LevelHigh,
			Action:    models.ActionRetrainSentiment,
		},
		"negative_spike": {
			Metric:    "negative_ratio_delta",
			Threshold: kpi.NegativeSpikeThreshold,
			Operator:  models.OpGreater,
			Priority:  models.LevelCritical,
			Action:    models.ActionAlertOps,
		},
		"topic_drift": {
			Metric:    "topic_drift_score",
			Threshold: kpi.DriftThreshold,
			Operator:  models.OpGreater,
			Priority:  models.LevelMedium,
			Action:    models.ActionRetrainTopic,
		},
	}
}

// New loads goals from path, falling back to Defaults(kpi) when the file does
// not exist. An empty path keeps the goals in memory only.
func New(path string, kpi config.KPIConfig, b *bus.Bus, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		path:   path,
		bus:    b,
		logger: logging.Component(logger, "goals"),
		now:    time.Now,
	}

	goals, err := load(path)
	switch {
	case err == nil:
		m.goals = goals
		m.logger.Info("goals loaded", "path", path, "count", len(goals))
	case errors.Is(err, os.ErrNotExist):
		m.goals = Defaults(kpi)
		m.logger.Info("using default goals", "count", len(m.goals))
	default:
		return nil, err
	}
	return m, nil
}

func load(path string) (map[string]models.Goal, error) {
	if path == "" {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("read goals: %w", err)
	}
	var goals map[string]models.Goal
	if err := json.Unmarshal(data, &goals); err != nil {
		return nil, fmt.Errorf("parse goals %s: %w", path, err)
	}
	for name, g := range goals {
		if err := g.Validate(); err != nil {
			return nil, fmt.Errorf("goal %q: %w", name, err)
		}
	}
	return goals, nil
}

// Goals returns a copy of the current goal set.
func (m *Manager) Goals() map[string]models.Goal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]models.Goal, len(m.goals))
	for k, v := range m.goals {
		out[k] = v
	}
	return out
}

// CheckViolations evaluates every goal whose metric is present in metrics.
// Violations are ordered by goal name. Nothing is published.
func (m *Manager) CheckViolations(metrics map[string]float64) []models.Violation {
	m.mu.RLock()
	names := make([]string, 0, len(m.goals))
	for name := range m.goals {
		names = append(names, name)
	}
	goals := m.goals
	sort.Strings(names)

	now := m.now()
	var violations []models.Violation
	for _, name := range names {
		g := goals[name]
		value, ok := metrics[g.Metric]
		if !ok {
			continue
		}
		if !g.Operator.Violated(value, g.Threshold) {
			continue
		}
		violations = append(violations, models.Violation{
			Goal:      name,
			Metric:    g.Metric,
			Value:     value,
			Threshold: g.Threshold,
			Priority:  g.Priority,
			Action:    g.Action,
			Timestamp: now,
		})
	}
	m.mu.RUnlock()
	return violations
}

// Check evaluates metrics and publishes a high-priority event when any goal
// is violated.
func (m *Manager) Check(metrics map[string]float64) []models.Violation {
	violations := m.CheckViolations(metrics)
	if len(violations) == 0 || m.bus == nil {
		return violations
	}

	m.logger.Warn("goal violations detected", "count", len(violations))
	m.bus.Publish(bus.Message{
		Type:     bus.TypeEvent,
		Priority: bus.PriorityHigh,
		Sender:   AgentID,
		Topic:    TopicViolationsDetected,
		Payload: map[string]any{
			"violations": violations,
			"count":      len(violations),
		},
	})
	return violations
}

// Update validates goals, merges them into the current set and saves.
func (m *Manager) Update(goals map[string]models.Goal) error {
	if len(goals) == 0 {
		return fmt.Errorf("no goals supplied")
	}
	for name, g := range goals {
		if name == "" {
			return fmt.Errorf("goal name is required")
		}
		if err := g.Validate(); err != nil {
			return fmt.Errorf("goal %q: %w", name, err)
		}
	}

	m.mu.Lock()
	for name, g := range goals {
		m.goals[name] = g
	}
	m.mu.Unlock()

	return m.Save()
}

// Save writes the goal set to its file. It is a no-op without a path.
func (m *Manager) Save() error {
	if m.path == "" {
		return nil
	}

	m.mu.RLock()
	data, err := json.MarshalIndent(m.goals, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal goals: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create goals dir: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write goals: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replace goals: %w", err)
	}
	m.logger.Info("goals saved", "path", m.path)
	return nil
}

// Register subscribes the manager's request handlers on the bus.
func (m *Manager) Register() {
	m.bus.Subscribe(TopicCheck, m.handleCheck)
	m.bus.Subscribe(TopicUpdate, m.handleUpdate)
}

func (m *Manager) handleCheck(msg bus.Message) error {
	var req struct {
		Metrics map[string]float64 `json:"metrics"`
	}
	if err := msg.DecodePayload(&req); err != nil {
		m.bus.Respond(msg, map[string]any{"status": "error", "error": err.Error()})
		return err
	}
	violations := m.CheckViolations(req.Metrics)
	if violations == nil {
		violations = []models.Violation{}
	}
	m.bus.Respond(msg, map[string]any{"violations": violations})
	return nil
}

func (m *Manager) handleUpdate(msg bus.Message) error {
	var req struct {
		Goals map[string]models.Goal `json:"goals"`
	}
	err := msg.DecodePayload(&req)
	if err == nil {
		err = m.Update(req.Goals)
	}
	if err != nil {
		m.bus.Respond(msg, map[string]any{"status": "error", "error": err.Error()})
		return err
	}
	m.bus.Respond(msg, map[string]any{"status": "success"})
	return nil
}
