package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/commentops/internal/models"
	"github.com/fentz26/commentops/internal/store"
)

func TestEnqueueIdempotent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	req := EnqueueRequest{
		Topic:   "training.retrain",
		Sender:  "Coordinator",
		Payload: map[string]any{"model": "sentiment", "reason": "degradation"},
	}
	id, created, err := q.Enqueue(ctx, req)
	if err != nil || !created || id == "" {
		t.Fatalf("First enqueue: id=%q created=%v err=%v", id, created, err)
	}

	// Same payload with keys in another order must collapse onto the same row.
	req.Payload = map[string]any{"reason": "degradation", "model": "sentiment"}
	id2, created, err := q.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("Second enqueue failed: %v", err)
	}
	if created || id2 != "" {
		t.Errorf("Duplicate enqueue should be a no-op, got id=%q created=%v", id2, created)
	}

	stats, _ := q.Statistics(ctx)
	if stats.Total != 1 {
		t.Errorf("Expected exactly one stored message, got %d", stats.Total)
	}
}

func TestEnqueueDifferentSenderIsNotDuplicate(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	payload := map[string]any{"model": "topic"}
	q.Enqueue(ctx, EnqueueRequest{Topic: "t", Sender: "a", Payload: payload})
	_, created, err := q.Enqueue(ctx, EnqueueRequest{Topic: "t", Sender: "b", Payload: payload})
	if err != nil || !created {
		t.Errorf("Different sender should create a new message: created=%v err=%v", created, err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := newTestQueue(t)
	if _, _, err := q.Enqueue(context.Background(), EnqueueRequest{Sender: "x"}); err == nil {
		t.Error("Expected error for missing topic")
	}
	if _, _, err := q.Enqueue(context.Background(), EnqueueRequest{Topic: "x"}); err == nil {
		t.Error("Expected error for missing sender")
	}
	trailing := EnqueueRequest{Topic: "x", Sender: "y", Payload: json.RawMessage(`{"a":1} {"a":2}`)}
	if _, _, err := q.Enqueue(context.Background(), trailing); err == nil {
		t.Error("Expected error for payload with trailing data")
	}
	if _, err := IdempotencyKey("x", "y", json.RawMessage(`{"a":1}{"a":2}`)); err == nil {
		t.Error("Expected IdempotencyKey to reject trailing data")
	}
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	a, err := IdempotencyKey("t", "s", map[string]any{"b": 2, "a": map[string]any{"y": 1, "x": 0}})
	if err != nil {
		t.Fatalf("IdempotencyKey failed: %v", err)
	}
	b, _ := IdempotencyKey("t", "s", []byte(`{"a":{"x":0,"y":1},"b":2}`))
	if a != b {
		t.Errorf("Expected equal keys for equal payloads, got %s and %s", a, b)
	}
	c, _ := IdempotencyKey("t", "s", map[string]any{"b": 3})
	if a == c {
		t.Error("Different payloads must produce different keys")
	}
}

func TestMarkFailedDeadLettersAtMax(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, _, err := q.Enqueue(ctx, EnqueueRequest{Topic: "t", Sender: "s", Payload: map[string]any{"n": 1}, MaxRetries: 2})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	msgs, _ := q.Dequeue(ctx, 1)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}

	status, err := q.MarkFailed(ctx, id, "first")
	if err != nil || status != models.MessageStatusPending {
		t.Fatalf("First failure: status=%s err=%v", status, err)
	}

	msgs, _ = q.Dequeue(ctx, 1)
	if len(msgs) != 1 || msgs[0].RetryCount != 1 {
		t.Fatalf("Expected retried message with retry_count 1, got %+v", msgs)
	}

	status, err = q.MarkFailed(ctx, id, "second")
	if err != nil || status != models.MessageStatusDeadLetter {
		t.Fatalf("Second failure: status=%s err=%v", status, err)
	}

	dead, _ := q.DeadLetters(ctx)
	if len(dead) != 1 || dead[0].ErrorMessage != "second" {
		t.Errorf("Expected one dead letter with last error, got %+v", dead)
	}

	if _, err := q.MarkFailed(ctx, id, "third"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition on dead letter, got %v", err)
	}
}

func TestDequeueConcurrentConsumers(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		if _, _, err := q.Enqueue(ctx, EnqueueRequest{Topic: "t", Sender: "s", Payload: map[string]any{"i": i}}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msgs, err := q.Dequeue(ctx, 4)
				if err != nil {
					t.Errorf("Dequeue failed: %v", err)
					return
				}
				if len(msgs) == 0 {
					return
				}
				mu.Lock()
				for _, m := range msgs {
					seen[m.ID]++
				}
				mu.Unlock()
				for _, m := range msgs {
					q.MarkCompleted(ctx, m.ID)
				}
			}
		}()
	}
	wg.Wait()

	if len(seen) != 30 {
		t.Errorf("Expected 30 distinct messages, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("Message %s delivered %d times", id, n)
		}
	}

	again, _ := q.Dequeue(ctx, 10)
	if len(again) != 0 {
		t.Errorf("Completed messages must not be dequeued again, got %d", len(again))
	}
}

func TestReplayAndStatistics(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		q.Enqueue(ctx, EnqueueRequest{Topic: fmt.Sprintf("topic-%d", i%2), Sender: "s", Payload: map[string]any{"i": i}})
	}
	msgs, _ := q.Dequeue(ctx, 3)
	for _, m := range msgs {
		if err := q.MarkCompleted(ctx, m.ID); err != nil {
			t.Fatalf("MarkCompleted failed: %v", err)
		}
	}

	all, err := q.Replay(ctx, "", time.Time{})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 replayed messages, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
			t.Error("Replay should return oldest first")
		}
	}

	only, _ := q.Replay(ctx, "topic-0", time.Time{})
	if len(only) != 2 {
		t.Errorf("Expected 2 messages on topic-0, got %d", len(only))
	}

	future, _ := q.Replay(ctx, "", time.Now().Add(time.Hour))
	if len(future) != 0 {
		t.Errorf("Expected nothing after a future timestamp, got %d", len(future))
	}

	stats, _ := q.Statistics(ctx)
	if stats.Counts[models.MessageStatusCompleted] != 3 || stats.AvgRetries != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestRejectAndLog(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, _, _ := q.Enqueue(ctx, EnqueueRequest{Topic: "unknown", Sender: "s"})
	q.Dequeue(ctx, 1)
	if err := q.Reject(ctx, id, "no handler for topic unknown"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	m, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if m.Status != models.MessageStatusFailed || m.RetryCount != 0 {
		t.Errorf("Expected failed status without retries, got %s/%d", m.Status, m.RetryCount)
	}

	entries, _ := q.Log(ctx, id)
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	want := []string{store.LogEnqueued, store.LogProcessing, store.LogRejected}
	if fmt.Sprint(actions) != fmt.Sprint(want) {
		t.Errorf("Expected log %v, got %v", want, actions)
	}
}

func TestPurge(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, _, _ := q.Enqueue(ctx, EnqueueRequest{Topic: "t", Sender: "s"})
	q.Dequeue(ctx, 1)
	q.MarkCompleted(ctx, id)

	n, err := q.Purge(ctx, 30)
	if err != nil || n != 0 {
		t.Errorf("Recent messages should survive: n=%d err=%v", n, err)
	}

	q.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	n, err = q.Purge(ctx, 30)
	if err != nil || n != 1 {
		t.Errorf("Expected 1 purged message, got n=%d err=%v", n, err)
	}
	if _, err := q.Purge(ctx, -1); err == nil {
		t.Error("Expected error for negative days")
	}
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, nil)
}

func TestRecoverAfterRestart(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	q := New(s, nil)
	id, _, err := q.Enqueue(ctx, EnqueueRequest{Topic: "training.retrain", Sender: "c", Payload: map[string]any{"model": "topic"}})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if msgs, _ := q.Dequeue(ctx, 1); len(msgs) != 1 {
		t.Fatalf("Expected to claim the message, got %d", len(msgs))
	}
	// The consumer dies before settling the message.
	s.Close()

	s, err = store.New(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer s.Close()
	q = New(s, nil)

	if msgs, _ := q.Dequeue(ctx, 1); len(msgs) != 0 {
		t.Fatalf("Processing message must not be claimed twice, got %d", len(msgs))
	}

	n, err := q.Recover(ctx, 0)
	if err != nil || n != 1 {
		t.Fatalf("Expected 1 recovered message, got n=%d err=%v", n, err)
	}

	msgs, err := q.Dequeue(ctx, 1)
	if err != nil || len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("Expected the recovered message to be claimable, got %v err=%v", msgs, err)
	}
	if msgs[0].RetryCount != 0 {
		t.Errorf("Recovery must not consume retries, got %d", msgs[0].RetryCount)
	}

	entries, _ := q.Log(ctx, id)
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	want := []string{store.LogEnqueued, store.LogProcessing, store.LogRecovered, store.LogProcessing}
	if fmt.Sprint(actions) != fmt.Sprint(want) {
		t.Errorf("Expected log %v, got %v", want, actions)
	}
}

func TestRecoverHonoursVisibilityTimeout(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, EnqueueRequest{Topic: "t", Sender: "s", Payload: 1})
	q.Dequeue(ctx, 1)

	n, err := q.Recover(ctx, time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("Fresh claim must stay processing, got n=%d err=%v", n, err)
	}

	q.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = q.Recover(ctx, time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("Expected the stale claim to be recovered, got n=%d err=%v", n, err)
	}
	pending, _ := q.Pending(ctx, "t")
	if len(pending) != 1 {
		t.Errorf("Expected 1 pending message, got %d", len(pending))
	}

	if _, err := q.Recover(ctx, -time.Second); err == nil {
		t.Error("Expected error for negative stale window")
	}
}
