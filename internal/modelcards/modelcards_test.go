package modelcards

import (
	"context"
	"testing"
	"time"

	"github.com/fentz26/commentops/internal/artifacts"
	"github.com/fentz26/commentops/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *bus.Bus, *artifacts.Store) {
	t.Helper()
	a, err := artifacts.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	b := bus.New(nil)
	r, err := New(context.Background(), a, b, nil)
	require.NoError(t, err)
	r.now = func() time.Time { return time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC) }
	return r, b, a
}

func TestCreate(t *testing.T) {
	r, b, a := newTestRegistry(t)
	ctx := context.Background()

	created := 0
	b.Subscribe(TopicCardCreated, func(bus.Message) error {
		created++
		return nil
	})

	card, err := r.Create(ctx, TrainedModel{
		ModelName: "phobert",
		ModelType: "sentiment",
		Metrics:   map[string]float64{"accuracy": 0.91, "f1_weighted": 0.9},
	})
	require.NoError(t, err)
	assert.Equal(t, "sentiment_phobert_20260402_093000", card.ModelID)
	assert.Equal(t, 0.9, card.Metrics.F1Score)
	assert.Equal(t, DeploymentStaging, card.DeploymentStatus)
	assert.Len(t, card.History, 1)
	assert.Equal(t, 1, created)

	second, err := r.Create(ctx, TrainedModel{ModelName: "phobert", ModelType: "sentiment"})
	require.NoError(t, err)
	assert.Equal(t, "sentiment_phobert_20260402_093000_2", second.ModelID)

	reloaded, err := New(ctx, a, nil, nil)
	require.NoError(t, err)
	assert.Len(t, reloaded.All(), 2)
}

func TestDegradationDetected(t *testing.T) {
	r, b, _ := newTestRegistry(t)
	ctx := context.Background()

	var events []bus.Message
	b.Subscribe(TopicDegradationDetected, func(m bus.Message) error {
		events = append(events, m)
		return nil
	})

	card, err := r.Create(ctx, TrainedModel{ModelName: "lda", ModelType: "topic", Metrics: map[string]float64{"accuracy": 0.80}})
	require.NoError(t, err)

	degraded, err := r.UpdateMetrics(ctx, card.ModelID, map[string]float64{"accuracy": 0.75})
	require.NoError(t, err)
	assert.False(t, degraded, "0.75 is within 90% of 0.80")

	degraded, err = r.UpdateMetrics(ctx, card.ModelID, map[string]float64{"accuracy": 0.60})
	require.NoError(t, err)
	assert.True(t, degraded)

	degraded, err = r.UpdateMetrics(ctx, card.ModelID, map[string]float64{"accuracy": 0.40})
	require.NoError(t, err)
	assert.True(t, degraded)

	require.Len(t, events, 2)
	assert.Equal(t, bus.PriorityHigh, events[0].Priority)
	assert.Equal(t, "medium", events[0].Payload["severity"])
	assert.Equal(t, "high", events[1].Payload["severity"])
	assert.Equal(t, card.ModelID, events[1].Payload["model_id"])

	got, ok := r.Get(card.ModelID)
	require.True(t, ok)
	assert.Len(t, got.History, 4)
	assert.Equal(t, 0.40, got.Metrics.Accuracy)

	_, err = r.UpdateMetrics(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrCardNotFound)
}

func TestPerformanceSummary(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	card, err := r.Create(ctx, TrainedModel{ModelName: "phobert", ModelType: "sentiment", Metrics: map[string]float64{"accuracy": 0.9}})
	require.NoError(t, err)
	_, err = r.Create(ctx, TrainedModel{ModelName: "lda", ModelType: "topic"})
	require.NoError(t, err)
	require.NoError(t, r.MarkDeployed(ctx, card.ModelID))

	s := r.PerformanceSummary()
	assert.Equal(t, 2, s.TotalModels)
	assert.Equal(t, 2, s.ActiveModels)
	assert.Equal(t, 1, s.ProductionModels)

	byName, ok := r.ByName("phobert")
	require.True(t, ok)
	assert.Equal(t, DeploymentProduction, byName.DeploymentStatus)
}

func TestBusHandlers(t *testing.T) {
	r, b, _ := newTestRegistry(t)
	r.Register()

	b.Publish(bus.Message{Sender: "trainer", Topic: TopicTrained, Payload: map[string]any{
		"model_name": "phobert", "model_type": "sentiment",
		"metrics":            map[string]any{"accuracy": 0.9},
		"training_data_size": 1200,
	}})
	cards := r.All()
	require.Len(t, cards, 1)
	id := cards[0].ModelID
	assert.Equal(t, 1200, cards[0].TrainingDataSize)

	b.Publish(bus.Message{Sender: "trainer", Topic: TopicEvaluated, Payload: map[string]any{
		"model_id": id, "metrics": map[string]any{"accuracy": 0.92},
	}})
	b.Publish(bus.Message{Sender: "deployer", Topic: TopicDeployed, Payload: map[string]any{"model_id": id}})

	resp, err := b.Request(context.Background(), "tester", AgentID, TopicGetCard, map[string]any{"model_id": id}, time.Second)
	require.NoError(t, err)
	var out struct {
		Card struct {
			Deployment string                     `json:"deployment_status"`
			History    []any                      `json:"performance_history"`
			Metrics    struct{ Accuracy float64 } `json:"metrics"`
		} `json:"card"`
	}
	require.NoError(t, resp.DecodePayload(&out))
	assert.Equal(t, DeploymentProduction, out.Card.Deployment)
	assert.Len(t, out.Card.History, 2)
	assert.Equal(t, 0.92, out.Card.Metrics.Accuracy)

	resp, err = b.Request(context.Background(), "tester", AgentID, TopicGetCard, map[string]any{"model_id": "nope"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Model card not found", resp.Payload["error"])
}
