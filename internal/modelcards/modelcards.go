// Package modelcards keeps a card per trained model with its metric history
// and raises a degradation event when accuracy drops.
package modelcards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/commentops/internal/artifacts"
	"github.com/fentz26/commentops/internal/bus"
	"github.com/fentz26/commentops/internal/logging"
	"github.com/fentz26/commentops/internal/models"
)

// AgentID is the bus sender name of the registry.
const AgentID = "ModelCardAgent"

// Bus topics handled or published by the registry.
const (
	TopicTrained             = "model.trained"
	TopicEvaluated           = "model.evaluated"
	TopicDeployed            = "model.deployed"
	TopicGetCard             = "model.get_card"
	TopicUpdateMetrics       = "model.update_metrics"
	TopicCardCreated         = "model.card_created"
	TopicMetricsUpdated      = "model.metrics_updated"
	TopicDegradationDetected = "model.degradation_detected"
)

// Card statuses.
const (
	StatusActive         = "active"
	DeploymentStaging    = "staging"
	DeploymentProduction = "production"
)

const (
	degradationRatio     = 0.9
	highSeverityAccuracy = 0.5
	initialVersion       = "1.0.0"
	modelIDTimeFormat    = "20060102_150405"
)

// ErrCardNotFound is returned for unknown model ids.
var ErrCardNotFound = errors.New("model card not found")

// TrainedModel announces a newly trained model.
type TrainedModel struct {
	ModelName        string             `json:"model_name"`
	ModelType        string             `json:"model_type"`
	Metrics          map[string]float64 `json:"metrics"`
	TrainingDataSize int                `json:"training_data_size"`
	Hyperparameters  map[string]any     `json:"hyperparameters"`
}

// ModelSummary is one row of the performance summary.
type ModelSummary struct {
	ModelID    string  `json:"model_id"`
	ModelName  string  `json:"model_name"`
	ModelType  string  `json:"model_type"`
	Accuracy   float64 `json:"accuracy"`
	F1Score    float64 `json:"f1_score"`
	Status     string  `json:"status"`
	Deployment string  `json:"deployment"`
}

// Summary describes every known model.
type Summary struct {
	TotalModels      int            `json:"total_models"`
	ActiveModels     int            `json:"active_models"`
	ProductionModels int            `json:"production_models"`
	Models           []ModelSummary `json:"models"`
}

// Registry holds model cards, persisted in the artifact store.
type Registry struct {
	artifacts *artifacts.Store
	bus       *bus.Bus
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.RWMutex
	cards map[string]*models.ModelCard
}

// New creates a registry and loads every stored card. Cards that fail to
// decode are logged and skipped.
func New(ctx context.Context, a *artifacts.Store, b *bus.Bus, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		artifacts: a,
		bus:       b,
		logger:    logging.Component(logger, "modelcards"),
		now:       time.Now,
		cards:     make(map[string]*models.ModelCard),
	}
	err := a.Each(ctx, artifacts.PrefixModelCard, func(key string, value []byte) error {
		var card models.ModelCard
		if err := json.Unmarshal(value, &card); err != nil {
			r.logger.Error("skipping unreadable model card", "key", key, "error", err)
			return nil
		}
		r.cards[card.ModelID] = &card
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load model cards: %w", err)
	}
	r.logger.Info("model cards loaded", "count", len(r.cards))
	return r, nil
}

func metricsFrom(m map[string]float64, at time.Time) models.ModelMetrics {
	f1, ok := m["f1_weighted"]
	if !ok {
		f1 = m["f1_score"]
	}
	return models.ModelMetrics{
		Accuracy:  m["accuracy"],
		Precision: m["precision"],
		Recall:    m["recall"],
		F1Score:   f1,
		Timestamp: at,
	}
}

// Create registers a card for a newly trained model and publishes
// model.card_created.
func (r *Registry) Create(ctx context.Context, tm TrainedModel) (*models.ModelCard, error) {
	if tm.ModelName == "" {
		tm.ModelName = "unknown"
	}
	if tm.ModelType == "" {
		tm.ModelType = "unknown"
	}
	now := r.now()
	metrics := metricsFrom(tm.Metrics, now)

	r.mu.Lock()
	base := fmt.Sprintf("%s_%s_%s", tm.ModelType, tm.ModelName, now.Format(modelIDTimeFormat))
	id := base
	for n := 2; r.cards[id] != nil; n++ {
		id = fmt.Sprintf("%s_%d", base, n)
	}
	card := &models.ModelCard{
		ModelID:          id,
		ModelName:        tm.ModelName,
		ModelType:        tm.ModelType,
		Version:          initialVersion,
		Metrics:          metrics,
		History:          []models.ModelMetrics{metrics},
		TrainingDataSize: tm.TrainingDataSize,
		Hyperparameters:  tm.Hyperparameters,
		Status:           StatusActive,
		DeploymentStatus: DeploymentStaging,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	r.cards[id] = card
	snapshot := *card
	r.mu.Unlock()

	if err := r.save(ctx, &snapshot); err != nil {
		return nil, err
	}
	r.logger.Info("model card created", "model_id", id)
	r.publish(bus.Message{
		Topic:   TopicCardCreated,
		Payload: map[string]any{"model_id": id, "model_name": tm.ModelName},
	})
	return &snapshot, nil
}

// UpdateMetrics appends a measurement to a card. It reports whether the new
// accuracy fell below 90% of the previous one, in which case
// model.degradation_detected is published.
func (r *Registry) UpdateMetrics(ctx context.Context, modelID string, m map[string]float64) (bool, error) {
	now := r.now()
	metrics := metricsFrom(m, now)

	r.mu.Lock()
	card, ok := r.cards[modelID]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("%s: %w", modelID, ErrCardNotFound)
	}
	card.Metrics = metrics
	card.History = append(card.History, metrics)
	card.UpdatedAt = now
	degraded := degradedLocked(card)
	snapshot := *card
	snapshot.History = append([]models.ModelMetrics(nil), card.History...)
	r.mu.Unlock()

	if err := r.save(ctx, &snapshot); err != nil {
		return false, err
	}

	r.publish(bus.Message{
		Topic: TopicMetricsUpdated,
		Payload: map[string]any{
			"model_id":   modelID,
			"model_type": snapshot.ModelType,
			"metrics":    m,
		},
	})
	if degraded {
		severity := "medium"
		if metrics.Accuracy < highSeverityAccuracy {
			severity = "high"
		}
		r.logger.Warn("model degradation detected", "model_id", modelID, "accuracy", metrics.Accuracy, "severity", severity)
		r.publish(bus.Message{
			Priority: bus.PriorityHigh,
			Topic:    TopicDegradationDetected,
			Payload: map[string]any{
				"model_id":         modelID,
				"current_accuracy": metrics.Accuracy,
				"severity":         severity,
			},
		})
	}
	return degraded, nil
}

func degradedLocked(card *models.ModelCard) bool {
	n := len(card.History)
	if n < 2 {
		return false
	}
	return card.History[n-1].Accuracy < card.History[n-2].Accuracy*degradationRatio
}

// MarkDeployed moves a card to production.
func (r *Registry) MarkDeployed(ctx context.Context, modelID string) error {
	r.mu.Lock()
	card, ok := r.cards[modelID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", modelID, ErrCardNotFound)
	}
	card.DeploymentStatus = DeploymentProduction
	card.UpdatedAt = r.now()
	snapshot := *card
	r.mu.Unlock()

	return r.save(ctx, &snapshot)
}

// Get returns a copy of a card.
func (r *Registry) Get(modelID string) (*models.ModelCard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	card, ok := r.cards[modelID]
	if !ok {
		return nil, false
	}
	cp := *card
	cp.History = append([]models.ModelMetrics(nil), card.History...)
	return &cp, true
}

// ByName returns the most recently created card for a model name.
func (r *Registry) ByName(name string) (*models.ModelCard, bool) {
	var found *models.ModelCard
	for _, c := range r.All() {
		if c.ModelName == name && (found == nil || c.CreatedAt.After(found.CreatedAt)) {
			c := c
			found = &c
		}
	}
	return found, found != nil
}

// All returns every card ordered by id.
func (r *Registry) All() []models.ModelCard {
	r.mu.RLock()
	out := make([]models.ModelCard, 0, len(r.cards))
	for _, c := range r.cards {
		out = append(out, *c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// PerformanceSummary reports the current metrics of every model.
func (r *Registry) PerformanceSummary() Summary {
	cards := r.All()
	s := Summary{TotalModels: len(cards), Models: make([]ModelSummary, 0, len(cards))}
	for _, c := range cards {
		if c.Status == StatusActive {
			s.ActiveModels++
		}
		if c.DeploymentStatus == DeploymentProduction {
			s.ProductionModels++
		}
		s.Models = append(s.Models, ModelSummary{
			ModelID:    c.ModelID,
			ModelName:  c.ModelName,
			ModelType:  c.ModelType,
			Accuracy:   c.Metrics.Accuracy,
			F1Score:    c.Metrics.F1Score,
			Status:     c.Status,
			Deployment: c.DeploymentStatus,
		})
	}
	return s
}

func (r *Registry) save(ctx context.Context, card *models.ModelCard) error {
	if err := r.artifacts.Put(ctx, artifacts.PrefixModelCard+card.ModelID, card); err != nil {
		return fmt.Errorf("save model card %s: %w", card.ModelID, err)
	}
	return nil
}

func (r *Registry) publish(msg bus.Message) {
	if r.bus == nil {
		return
	}
	msg.Type = bus.TypeEvent
	msg.Sender = AgentID
	r.bus.Publish(msg)
}

// Register subscribes the registry's handlers on the bus.
func (r *Registry) Register() {
	r.bus.Subscribe(TopicTrained, r.handleTrained)
	r.bus.Subscribe(TopicEvaluated, r.handleUpdateMetrics)
	r.bus.Subscribe(TopicUpdateMetrics, r.handleUpdateMetrics)
	r.bus.Subscribe(TopicDeployed, r.handleDeployed)
	r.bus.Subscribe(TopicGetCard, r.handleGetCard)
}

func (r *Registry) handleTrained(msg bus.Message) error {
	var tm TrainedModel
	if err := msg.DecodePayload(&tm); err != nil {
		return err
	}
	_, err := r.Create(context.Background(), tm)
	return err
}

type metricsUpdate struct {
	ModelID string             `json:"model_id"`
	Metrics map[string]float64 `json:"metrics"`
}

func (r *Registry) handleUpdateMetrics(msg bus.Message) error {
	var req metricsUpdate
	if err := msg.DecodePayload(&req); err != nil {
		return err
	}
	if strings.TrimSpace(req.ModelID) == "" {
		return nil
	}
	_, err := r.UpdateMetrics(context.Background(), req.ModelID, req.Metrics)
	return err
}

func (r *Registry) handleDeployed(msg bus.Message) error {
	id, _ := msg.Payload["model_id"].(string)
	if id == "" {
		return nil
	}
	return r.MarkDeployed(context.Background(), id)
}

func (r *Registry) handleGetCard(msg bus.Message) error {
	id, _ := msg.Payload["model_id"].(string)
	card, ok := r.Get(id)
	if !ok {
		r.bus.Respond(msg, map[string]any{"error": "Model card not found"})
		return nil
	}
	r.bus.Respond(msg, map[string]any{"card": card})
	return nil
}
