// Package monitor keeps the metrics baseline and detects drift and spikes
// against it.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/commentops/internal/bus"
	"github.com/fentz26/commentops/internal/config"
	"github.com/fentz26/commentops/internal/logging"
	"github.com/fentz26/commentops/internal/models"
)

// AgentID is the bus sender name of the monitor.
const AgentID = "Monitor"

// Bus topics handled or published by the monitor.
const (
	TopicCheckAnomalies    = "monitor.check_anomalies"
	TopicSaveBaseline      = "monitor.save_baseline"
	TopicAnomaliesDetected = "monitor.anomalies_detected"
	TopicBaselineUpdated   = "monitor.baseline_updated"
)

// KPI names produced by DeriveKPIs.
const (
	KPINegativeRatio       = "negative_ratio"
	KPINegativeRatioDelta  = "negative_ratio_delta"
	KPISentimentDriftScore = "sentiment_drift_score"
	KPITopicDriftScore     = "topic_drift_score"
)

// ErrNoBaseline is returned when an operation needs a stored baseline.
var ErrNoBaseline = errors.New("no baseline stored")

// Baseline is the reference snapshot that anomalies are measured against.
type Baseline struct {
	Timestamp time.Time              `json:"timestamp"`
	Metrics   models.MetricsSnapshot `json:"metrics"`
}

// Monitor owns the baseline file.
type Monitor struct {
	path           string
	driftThreshold float64
	spikeThreshold float64
	bus            *bus.Bus
	logger         *slog.Logger
	now            func() time.Time

	mu       sync.RWMutex
	baseline *Baseline
	previous *Baseline
}

// New creates a monitor and loads the baseline at path if present. An empty
// path keeps the baseline in memory only.
func New(path string, kpi config.KPIConfig, b *bus.Bus, logger *slog.Logger) (*Monitor, error) {
	m := &Monitor{
		path:           path,
		driftThreshold: kpi.DriftThreshold,
		spikeThreshold: kpi.NegativeSpikeThreshold,
		bus:            b,
		logger:         logging.Component(logger, "monitor"),
		now:            time.Now,
	}
	if path == "" {
		return m, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("read baseline: %w", err)
	}
	var bl Baseline
	if err := json.Unmarshal(data, &bl); err != nil {
		return nil, fmt.Errorf("parse baseline %s: %w", path, err)
	}
	m.baseline = &bl
	return m, nil
}

// Baseline returns the stored baseline, if any.
func (m *Monitor) Baseline() (*Baseline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.baseline == nil {
		return nil, false
	}
	bl := *m.baseline
	return &bl, true
}

// StoreBaseline replaces the baseline with metrics, persists it and publishes
// monitor.baseline_updated.
func (m *Monitor) StoreBaseline(metrics models.MetricsSnapshot) error {
	bl := &Baseline{Timestamp: m.now(), Metrics: metrics}
	if err := m.write(bl); err != nil {
		return err
	}

	m.mu.Lock()
	m.previous = m.baseline
	m.baseline = bl
	m.mu.Unlock()

	m.logger.Info("baseline stored", "path", m.path, "total_count", metrics.TotalCount)
	if m.bus != nil {
		m.bus.Publish(bus.Message{
			Type:    bus.TypeEvent,
			Sender:  AgentID,
			Topic:   TopicBaselineUpdated,
			Payload: map[string]any{"timestamp": bl.Timestamp},
		})
	}
	return nil
}

func (m *Monitor) write(bl *Baseline) error {
	if m.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(bl, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create baseline dir: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write baseline: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replace baseline: %w", err)
	}
	return nil
}

// DetectAnomalies compares current against the baseline. Without a baseline
// it returns nothing.
func (m *Monitor) DetectAnomalies(current models.MetricsSnapshot) []models.Anomaly {
	bl, ok := m.Baseline()
	if !ok {
		m.logger.Warn("no baseline found, skipping anomaly detection")
		return nil
	}
	base := bl.Metrics

	var anomalies []models.Anomaly
	if len(base.SentimentDistribution) > 0 && len(current.SentimentDistribution) > 0 {
		score := DriftScore(base.SentimentDistribution, current.SentimentDistribution)
		if score > m.driftThreshold {
			anomalies = append(anomalies, models.Anomaly{
				Type:    models.AnomalySentimentDrift,
				Score:   score,
				Message: fmt.Sprintf("Sentiment distribution drift detected: %.3f", score),
			})
		}
	}
	if len(base.TopicDistribution) > 0 && len(current.TopicDistribution) > 0 {
		score := DriftScore(base.TopicDistribution, current.TopicDistribution)
		if score > m.driftThreshold {
			anomalies = append(anomalies, models.Anomaly{
				Type:    models.AnomalyTopicDrift,
				Score:   score,
				Message: fmt.Sprintf("Topic distribution drift detected: %.3f", score),
			})
		}
	}
	if delta := current.NegativeRatio - base.NegativeRatio; delta > m.spikeThreshold {
		anomalies = append(anomalies, models.Anomaly{
			Type:    models.AnomalyNegativeSpike,
			Score:   delta,
			Message: fmt.Sprintf("Negative sentiment spike: +%.1f%%", delta*100),
		})
	}
	return anomalies
}

// DeriveKPIs flattens current into the metric map goals are evaluated on.
// Deltas and drift scores are only present when a baseline exists.
func (m *Monitor) DeriveKPIs(current models.MetricsSnapshot) map[string]float64 {
	kpis := make(map[string]float64, len(current.Extra)+4)
	for k, v := range current.Extra {
		kpis[k] = v
	}
	kpis[KPINegativeRatio] = current.NegativeRatio

	bl, ok := m.Baseline()
	if !ok {
		return kpis
	}
	base := bl.Metrics
	kpis[KPINegativeRatioDelta] = current.NegativeRatio - base.NegativeRatio
	if len(base.SentimentDistribution) > 0 && len(current.SentimentDistribution) > 0 {
		kpis[KPISentimentDriftScore] = DriftScore(base.SentimentDistribution, current.SentimentDistribution)
	}
	if len(base.TopicDistribution) > 0 && len(current.TopicDistribution) > 0 {
		kpis[KPITopicDriftScore] = DriftScore(base.TopicDistribution, current.TopicDistribution)
	}
	return kpis
}

// TopicShift is the change in one topic's share between two snapshots.
type TopicShift struct {
	Topic  string  `json:"topic"`
	Before float64 `json:"before"`
	After  float64 `json:"after"`
	Delta  float64 `json:"delta"`
}

// AnalyzeSpike reports the topics whose share of comments grew the most
// between the previous baseline and the current one.
func (m *Monitor) AnalyzeSpike(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.RLock()
	cur, prev := m.baseline, m.previous
	m.mu.RUnlock()
	if cur == nil || prev == nil {
		return "", fmt.Errorf("analyze spike: %w", ErrNoBaseline)
	}

	shifts := TopicShifts(prev.Metrics.TopicDistribution, cur.Metrics.TopicDistribution)
	var grown []string
	for _, s := range shifts {
		if s.Delta <= 0 || len(grown) == 3 {
			break
		}
		grown = append(grown, fmt.Sprintf("%s +%.1f%%", s.Topic, s.Delta*100))
	}
	negDelta := cur.Metrics.NegativeRatio - prev.Metrics.NegativeRatio
	if len(grown) == 0 {
		return fmt.Sprintf("negative ratio %+.1f%%, no topic grew", negDelta*100), nil
	}
	return fmt.Sprintf("negative ratio %+.1f%%, top growing topics: %s", negDelta*100, strings.Join(grown, ", ")), nil
}

// TopicShifts returns the per-topic change in share, largest growth first.
func TopicShifts(before, after map[string]float64) []TopicShift {
	b, a := normalize(before), normalize(after)
	labels := unionLabels(b, a)
	shifts := make([]TopicShift, 0, len(labels))
	for _, l := range labels {
		shifts = append(shifts, TopicShift{Topic: l, Before: b[l], After: a[l], Delta: a[l] - b[l]})
	}
	sort.SliceStable(shifts, func(i, j int) bool { return shifts[i].Delta > shifts[j].Delta })
	return shifts
}

// DriftScore is half the L1 distance between the normalized distributions,
// aligned by label. It ranges from 0 (identical) to 1 (disjoint).
func DriftScore(baseline, current map[string]float64) float64 {
	b, c := normalize(baseline), normalize(current)
	var sum float64
	for _, l := range unionLabels(b, c) {
		sum += math.Abs(b[l] - c[l])
	}
	return sum / 2
}

func normalize(dist map[string]float64) map[string]float64 {
	var total float64
	for _, v := range dist {
		total += v
	}
	out := make(map[string]float64, len(dist))
	for k, v := range dist {
		if total > 0 {
			out[k] = v / total
		} else {
			out[k] = v
		}
	}
	return out
}

func unionLabels(a, b map[string]float64) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	labels := make([]string, 0, len(seen))
	for k := range seen {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	return labels
}

// Register subscribes the monitor's request handlers on the bus.
func (m *Monitor) Register() {
	m.bus.Subscribe(TopicCheckAnomalies, m.handleCheckAnomalies)
	m.bus.Subscribe(TopicSaveBaseline, m.handleSaveBaseline)
}

func (m *Monitor) handleCheckAnomalies(msg bus.Message) error {
	var req struct {
		Current models.MetricsSnapshot `json:"current_metrics"`
	}
	if err := msg.DecodePayload(&req); err != nil {
		m.bus.Respond(msg, map[string]any{"status": "error", "error": err.Error()})
		return err
	}

	anomalies := m.DetectAnomalies(req.Current)
	if anomalies == nil {
		anomalies = []models.Anomaly{}
	}
	m.bus.Respond(msg, map[string]any{"anomalies": anomalies})

	if len(anomalies) > 0 {
		m.bus.Publish(bus.Message{
			Type:     bus.TypeEvent,
			Priority: bus.PriorityHigh,
			Sender:   AgentID,
			Topic:    TopicAnomaliesDetected,
			Payload:  map[string]any{"anomalies": anomalies, "count": len(anomalies)},
		})
	}
	return nil
}

func (m *Monitor) handleSaveBaseline(msg bus.Message) error {
	var req struct {
		Metrics models.MetricsSnapshot `json:"metrics"`
	}
	err := msg.DecodePayload(&req)
	if err == nil {
		err = m.StoreBaseline(req.Metrics)
	}
	if err != nil {
		m.bus.Respond(msg, map[string]any{"status": "error", "error": err.Error()})
		return err
	}
	m.bus.Respond(msg, map[string]any{"status": "success"})
	return nil
}
