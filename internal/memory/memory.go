// Package memory is the append-only ledger of executed actions and their
// measured outcomes.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/commentops/internal/logging"
	"github.com/fentz26/commentops/internal/models"
	"github.com/fentz26/commentops/internal/store"
)

// Memory records actions and outcomes in the store.
type Memory struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// Summary is an overview of the ledger.
type Summary struct {
	TotalActions       int                   `json:"total_actions"`
	TotalOutcomes      int                   `json:"total_outcomes"`
	OverallSuccessRate float64               `json:"overall_success_rate"`
	RecentActions      []models.ActionRecord `json:"recent_actions"`
}

// New creates a memory over s.
func New(s *store.Store, logger *slog.Logger) *Memory {
	return &Memory{
		store:  s,
		logger: logging.Component(logger, "memory"),
		now:    time.Now,
	}
}

// RecordAction appends an executed action and returns its ledger id.
func (m *Memory) RecordAction(ctx context.Context, kind models.ActionKind, result models.ExecutionResult) (int64, error) {
	rec := &models.ActionRecord{
		Action:    kind,
		Timestamp: m.now(),
		Result:    result,
		Success:   result.Success,
	}
	if err := m.store.InsertAction(ctx, rec); err != nil {
		return 0, fmt.Errorf("record action %s: %w", kind, err)
	}
	m.logger.Info("action recorded", "action", kind, "id", rec.ID, "success", rec.Success)
	return rec.ID, nil
}

// RecordOutcome stores the metric movement observed after an action.
func (m *Memory) RecordOutcome(ctx context.Context, actionID int64, before, after map[string]float64) (*models.Outcome, error) {
	o := &models.Outcome{
		ActionID:      actionID,
		Timestamp:     m.now(),
		MetricsBefore: before,
		MetricsAfter:  after,
		Improvement:   Improvement(before, after),
	}
	if err := m.store.InsertOutcome(ctx, o); err != nil {
		return nil, fmt.Errorf("record outcome for action %d: %w", actionID, err)
	}
	m.logger.Info("outcome recorded", "action_id", actionID)
	return o, nil
}

// Improvement computes the gains between two metric maps: the change in
// sentiment accuracy and the reduction in negative ratio.
func Improvement(before, after map[string]float64) map[string]float64 {
	out := make(map[string]float64)
	if b, ok := before["sentiment_accuracy"]; ok {
		if a, ok := after["sentiment_accuracy"]; ok {
			out["sentiment_accuracy"] = a - b
		}
	}
	if b, ok := before["negative_ratio"]; ok {
		if a, ok := after["negative_ratio"]; ok {
			out["negative_ratio_reduction"] = b - a
		}
	}
	return out
}

// Outcomes returns the outcomes recorded for an action.
func (m *Memory) Outcomes(ctx context.Context, actionID int64) ([]models.Outcome, error) {
	return m.store.ListOutcomes(ctx, actionID)
}

// RecentActions returns the last n actions, oldest first.
func (m *Memory) RecentActions(ctx context.Context, n int) ([]models.ActionRecord, error) {
	return m.store.RecentActions(ctx, n)
}

// TotalActions counts every recorded action.
func (m *Memory) TotalActions(ctx context.Context) (int, error) {
	total, _, err := m.store.ActionCounts(ctx, "")
	return total, err
}

// SuccessRate is successes over total for kind, or for every kind when kind
// is empty. It is 0 when nothing was recorded.
func (m *Memory) SuccessRate(ctx context.Context, kind models.ActionKind) (float64, error) {
	total, successes, err := m.store.ActionCounts(ctx, kind)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	return float64(successes) / float64(total), nil
}

// Summary returns totals, the overall success rate and the five latest actions.
func (m *Memory) Summary(ctx context.Context) (*Summary, error) {
	total, successes, err := m.store.ActionCounts(ctx, "")
	if err != nil {
		return nil, err
	}
	outcomes, err := m.store.CountOutcomes(ctx)
	if err != nil {
		return nil, err
	}
	recent, err := m.store.RecentActions(ctx, 5)
	if err != nil {
		return nil, err
	}

	s := &Summary{TotalActions: total, TotalOutcomes: outcomes, RecentActions: recent}
	if total > 0 {
		s.OverallSuccessRate = float64(successes) / float64(total)
	}
	return s, nil
}
