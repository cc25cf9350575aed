package goals

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/commentops/internal/bus"
	"github.com/fentz26/commentops/internal/config"
	"github.com/fentz26/commentops/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *bus.Bus, string) {
	t.Helper()
	b := bus.New(nil)
	path := filepath.Join(t.TempDir(), "goals.json")
	m, err := New(path, config.DefaultConfig().KPI, b, nil)
	require.NoError(t, err)
	return m, b, path
}

func TestDefaults(t *testing.T) {
	m, _, _ := newTestManager(t)
	goals := m.Goals()
	require.Len(t, goals, 3)

	spike := goals["negative_spike"]
	assert.Equal(t, "negative_ratio_delta", spike.Metric)
	assert.Equal(t, 0.2, spike.Threshold)
	assert.Equal(t, models.OpGreater, spike.Operator)
	assert.Equal(t, models.ActionAlertOps, spike.Action)
	assert.Equal(t, models.LevelCritical, spike.Priority)
}

func TestNegativeSpikeViolation(t *testing.T) {
	m, b, _ := newTestManager(t)

	var events []bus.Message
	b.Subscribe(TopicViolationsDetected, func(msg bus.Message) error {
		events = append(events, msg)
		return nil
	})

	violations := m.Check(map[string]float64{"negative_ratio_delta": 0.35})
	require.Len(t, violations, 1)
	assert.Equal(t, "negative_spike", violations[0].Goal)
	assert.Equal(t, models.ActionAlertOps, violations[0].Action)
	assert.Equal(t, 0.35, violations[0].Value)

	require.Len(t, events, 1)
	assert.Equal(t, bus.PriorityHigh, events[0].Priority)
	assert.Equal(t, 1, events[0].Payload["count"])
}

func TestCheckViolationsOperators(t *testing.T) {
	m, b, _ := newTestManager(t)

	published := 0
	b.Subscribe(TopicViolationsDetected, func(bus.Message) error {
		published++
		return nil
	})

	violations := m.CheckViolations(map[string]float64{
		"sentiment_accuracy":   0.80,
		"negative_ratio_delta": 0.2,
		"topic_drift_score":    0.3,
	})
	require.Len(t, violations, 2)
	assert.Equal(t, "sentiment_accuracy", violations[0].Goal)
	assert.Equal(t, "topic_drift", violations[1].Goal)
	assert.Zero(t, published, "CheckViolations must not publish")

	assert.Empty(t, m.Check(map[string]float64{"sentiment_accuracy": 0.88}))
	assert.Empty(t, m.Check(map[string]float64{"unrelated": 1}))
}

func TestUpdatePersists(t *testing.T) {
	m, _, path := newTestManager(t)

	err := m.Update(map[string]models.Goal{
		"volume_floor": {
			Metric:    "total_count",
			Threshold: 100,
			Operator:  models.OpLess,
			Priority:  models.LevelLow,
			Action:    models.ActionAnalyzeSpike,
		},
	})
	require.NoError(t, err)

	reloaded, err := New(path, config.KPIConfig{}, nil, nil)
	require.NoError(t, err)
	goals := reloaded.Goals()
	assert.Len(t, goals, 4)
	assert.Equal(t, models.OpLess, goals["volume_floor"].Operator)
	assert.Equal(t, 0.88, goals["sentiment_accuracy"].Threshold)

	v := reloaded.CheckViolations(map[string]float64{"total_count": 40})
	require.Len(t, v, 1)
	assert.Equal(t, "volume_floor", v[0].Goal)
}

func TestUpdateRejectsInvalid(t *testing.T) {
	m, _, path := newTestManager(t)

	err := m.Update(map[string]models.Goal{
		"bad": {Metric: "x", Operator: "!=", Action: models.ActionAlertOps},
	})
	assert.Error(t, err)
	assert.Error(t, m.Update(nil))

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	assert.Len(t, m.Goals(), 3)
}

func TestLoadRejectsUnknownAction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goals.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "g": {"metric": "m", "threshold": 1, "operator": ">", "priority": "high", "action": "reboot"}
}`), 0o644))

	_, err := New(path, config.KPIConfig{}, nil, nil)
	assert.Error(t, err)
}

func TestBusHandlers(t *testing.T) {
	m, b, _ := newTestManager(t)
	m.Register()

	resp, err := b.Request(context.Background(), "tester", AgentID, TopicCheck,
		map[string]any{"metrics": map[string]any{"negative_ratio_delta": 0.5}}, time.Second)
	require.NoError(t, err)

	var out struct {
		Violations []models.Violation `json:"violations"`
	}
	require.NoError(t, resp.DecodePayload(&out))
	require.Len(t, out.Violations, 1)
	assert.Equal(t, models.ActionAlertOps, out.Violations[0].Action)

	resp, err = b.Request(context.Background(), "tester", AgentID, TopicUpdate, map[string]any{
		"goals": map[string]any{
			"topic_drift": map[string]any{
				"metric": "topic_drift_score", "threshold": 0.3, "operator": ">",
				"priority": "medium", "action": "retrain_topic",
			},
		},
	}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Payload["status"])
	assert.Equal(t, 0.3, m.Goals()["topic_drift"].Threshold)
}
