// Package planner turns goal violations and anomalies into a prioritized
// action plan.
package planner

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fentz26/commentops/internal/bus"
	"github.com/fentz26/commentops/internal/logging"
	"github.com/fentz26/commentops/internal/models"
)

// AgentID is the bus recipient name of the planner.
const AgentID = "Planner"

// Bus topics handled or published by the planner.
const (
	TopicCreate  = "plan.create"
	TopicCreated = "plan.created"
)

// Template describes how an action kind is carried out.
type Template struct {
	Description string
	Steps       []string
}

var catalog = map[models.ActionKind]Template{
	models.ActionRetrainSentiment: {
		Description: "Retrain sentiment model due to accuracy drop",
		Steps:       []string{"collect_labeled_data", "train_sentiment_model", "evaluate_model", "deploy_if_improved"},
	},
	models.ActionRetrainTopic: {
		Description: "Retrain topic model due to drift",
		Steps:       []string{"collect_recent_comments", "train_topic_model", "evaluate_coherence", "update_model"},
	},
	models.ActionAlertOps: {
		Description: "Send alert to operations team",
		Steps:       []string{"prepare_summary", "send_email", "send_slack", "create_ticket"},
	},
	models.ActionAnalyzeSpike: {
		Description: "Deep dive analysis on spike",
		Steps:       []string{"identify_affected_topics", "extract_sample_comments", "generate_report"},
	},
}

var actionPriority = map[models.ActionKind]models.Level{
	models.ActionAlertOps:         models.LevelCritical,
	models.ActionAnalyzeSpike:     models.LevelHigh,
	models.ActionRetrainSentiment: models.LevelHigh,
	models.ActionRetrainTopic:     models.LevelMedium,
}

// Lookup returns the catalog entry for kind.
func Lookup(kind models.ActionKind) (Template, bool) {
	t, ok := catalog[kind]
	return t, ok
}

// PriorityOf returns the fixed priority of kind, low when unmapped.
func PriorityOf(kind models.ActionKind) models.Level {
	if l, ok := actionPriority[kind]; ok {
		return l
	}
	return models.LevelLow
}

// Planner builds plans and answers plan.create commands.
type Planner struct {
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

// New creates a planner.
func New(b *bus.Bus, logger *slog.Logger) *Planner {
	return &Planner{
		bus:    b,
		logger: logging.Component(logger, "planner"),
		now:    time.Now,
	}
}

// CreatePlan deduplicates the action kinds named by violations and implied by
// anomalies and expands each through the catalog. Actions keep the order in
// which their kind was first seen; call Prioritize to sort them.
func (p *Planner) CreatePlan(violations []models.Violation, anomalies []models.Anomaly) *models.Plan {
	var kinds []models.ActionKind
	seen := make(map[models.ActionKind]bool)
	add := func(k models.ActionKind) {
		if k == "" || seen[k] {
			return
		}
		seen[k] = true
		kinds = append(kinds, k)
	}

	for _, v := range violations {
		add(v.Action)
	}
	for _, a := range anomalies {
		for _, k := range actionsForAnomaly(a.Type) {
			add(k)
		}
	}

	plan := &models.Plan{
		CreatedAt:  p.now(),
		Violations: violations,
		Anomalies:  anomalies,
		Actions:    make([]models.PlannedAction, 0, len(kinds)),
	}
	for _, k := range kinds {
		t, ok := catalog[k]
		if !ok {
			p.logger.Warn("no catalog entry for action", "action", k)
			continue
		}
		plan.Actions = append(plan.Actions, models.PlannedAction{
			Kind:        k,
			Description: t.Description,
			Steps:       append([]string(nil), t.Steps...),
		})
	}

	p.logger.Info("plan created", "actions", len(plan.Actions))
	return plan
}

func actionsForAnomaly(t models.AnomalyType) []models.ActionKind {
	name := string(t)
	switch {
	case strings.Contains(name, "drift") && strings.Contains(name, "sentiment"):
		return []models.ActionKind{models.ActionRetrainSentiment}
	case strings.Contains(name, "drift") && strings.Contains(name, "topic"):
		return []models.ActionKind{models.ActionRetrainTopic}
	case strings.Contains(name, "spike"):
		return []models.ActionKind{models.ActionAlertOps, models.ActionAnalyzeSpike}
	}
	return nil
}

// Prioritize assigns each action its fixed priority and stable-sorts the plan
// so critical actions run first.
func (p *Planner) Prioritize(plan *models.Plan) *models.Plan {
	for i := range plan.Actions {
		plan.Actions[i].Priority = PriorityOf(plan.Actions[i].Kind)
	}
	sort.SliceStable(plan.Actions, func(i, j int) bool {
		return plan.Actions[i].Priority.Rank() < plan.Actions[j].Priority.Rank()
	})
	return plan
}

// Build creates and prioritizes a plan in one step.
func (p *Planner) Build(violations []models.Violation, anomalies []models.Anomaly) *models.Plan {
	return p.Prioritize(p.CreatePlan(violations, anomalies))
}

// Register subscribes the plan.create handler.
func (p *Planner) Register() {
	p.bus.Subscribe(TopicCreate, p.handleCreate)
}

// createRequest is the plan.create payload. Degradation commands carry a
// model id and severity; callers may also pass violations and anomalies.
type createRequest struct {
	Trigger    string             `json:"trigger"`
	ModelID    string             `json:"model_id"`
	Severity   string             `json:"severity"`
	Violations []models.Violation `json:"violations"`
	Anomalies  []models.Anomaly   `json:"anomalies"`
}

func (p *Planner) handleCreate(msg bus.Message) error {
	var req createRequest
	if err := msg.DecodePayload(&req); err != nil {
		return err
	}

	violations := req.Violations
	if req.ModelID != "" {
		if kind, ok := retrainFor(req.ModelID); ok {
			violations = append(violations, models.Violation{
				Goal:      "model_degradation",
				Metric:    req.ModelID,
				Priority:  PriorityOf(kind),
				Action:    kind,
				Timestamp: p.now(),
			})
		}
		if req.Severity == string(models.LevelHigh) {
			violations = append(violations, models.Violation{
				Goal:      "model_degradation",
				Metric:    req.ModelID,
				Priority:  models.LevelCritical,
				Action:    models.ActionAlertOps,
				Timestamp: p.now(),
			})
		}
	}

	plan := p.Build(violations, req.Anomalies)
	p.logger.Info("plan requested", "trigger", req.Trigger, "model_id", req.ModelID, "actions", len(plan.Actions))

	p.bus.Publish(bus.Message{
		Type:   bus.TypeEvent,
		Sender: AgentID,
		Topic:  TopicCreated,
		Payload: map[string]any{
			"trigger":  req.Trigger,
			"model_id": req.ModelID,
			"plan":     plan,
		},
	})
	return nil
}

// retrainFor maps a model card id of the form "<type>_<name>_<stamp>" to its
// retrain action.
func retrainFor(modelID string) (models.ActionKind, bool) {
	switch {
	case strings.HasPrefix(modelID, "sentiment"):
		return models.ActionRetrainSentiment, true
	case strings.HasPrefix(modelID, "topic"):
		return models.ActionRetrainTopic, true
	}
	return "", false
}
