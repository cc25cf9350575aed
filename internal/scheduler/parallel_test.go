package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/commentops/internal/audit"
	"github.com/fentz26/commentops/internal/models"
	"github.com/fentz26/commentops/internal/queue"
)

// Test10ParallelWorkers verifies that the scheduler runs 10 handlers at once
// without dispatching any message twice.
func Test10ParallelWorkers(t *testing.T) {
	s, q := newTestQueue(t)

	cfg := &Config{GlobalMax: 10, BatchSize: 10, PollInterval: 20 * time.Millisecond}
	sch := New(q, audit.NewPDRWriter(s, nil), cfg, nil)

	release := make(chan struct{})
	var mu sync.Mutex
	seen := make(map[string]int)
	sch.Register("parallel", func(ctx context.Context, msg models.PersistentMessage) error {
		mu.Lock()
		seen[msg.ID]++
		mu.Unlock()
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	for i := 0; i < 10; i++ {
		if _, _, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
			Topic: "parallel", Sender: "test", Payload: map[string]any{"i": i},
		}); err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
	}

	sch.Start()
	defer sch.Stop()

	waitFor(t, 10*time.Second, func() bool {
		return sch.Stats().TopicCounts["parallel"] == 10
	})
	close(release)

	waitFor(t, 10*time.Second, func() bool {
		return sch.Stats().Processed == 10
	})

	mu.Lock()
	defer mu.Unlock()
	for id, n := range seen {
		if n != 1 {
			t.Errorf("Message %s handled %d times", id, n)
		}
	}
}

func TestSchedulerConcurrencyLimits(t *testing.T) {
	s, q := newTestQueue(t)

	cfg := &Config{
		GlobalMax:    3,
		ByTopic:      map[string]int{"limited": 2},
		PollInterval: 20 * time.Millisecond,
		BatchSize:    10,
	}
	sch := New(q, audit.NewPDRWriter(s, nil), cfg, nil)

	var mu sync.Mutex
	running, peak := 0, 0
	sch.Register("limited", func(ctx context.Context, msg models.PersistentMessage) error {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	})

	for i := 0; i < 8; i++ {
		q.Enqueue(context.Background(), queue.EnqueueRequest{
			Topic: "limited", Sender: "test", Payload: map[string]any{"i": fmt.Sprint(i)},
		})
	}

	sch.Start()
	defer sch.Stop()

	waitFor(t, 10*time.Second, func() bool {
		stats := sch.Stats()
		if stats.ActiveWorkers > cfg.GlobalMax {
			t.Errorf("Active workers %d exceeds global max %d", stats.ActiveWorkers, cfg.GlobalMax)
		}
		return stats.Processed == 8
	})

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("Topic workers peaked at %d, limit is 2", peak)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("Timeout waiting for condition")
		case <-ticker.C:
		}
	}
}
