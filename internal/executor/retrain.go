package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/fentz26/commentops/internal/queue"
	"github.com/fentz26/commentops/internal/scheduler"
)

// QueueRetrainer schedules retrains as training.retrain tasks on the
// persistent queue. Requests for the same model within one window collapse
// into a single task through the queue's idempotency key.
type QueueRetrainer struct {
	queue  *queue.Queue
	sender string
	window time.Duration
	now    func() time.Time
}

// NewQueueRetrainer creates a retrainer that enqueues as sender. A window of
// zero or less defaults to one hour.
func NewQueueRetrainer(q *queue.Queue, sender string, window time.Duration) *QueueRetrainer {
	if window <= 0 {
		window = time.Hour
	}
	return &QueueRetrainer{queue: q, sender: sender, window: window, now: time.Now}
}

// ScheduleRetrain enqueues a retrain task for model. It returns an empty job
// id when an identical task was already queued in the current window.
func (r *QueueRetrainer) ScheduleRetrain(ctx context.Context, model string) (string, error) {
	return r.Schedule(ctx, model, nil)
}

// Schedule enqueues a retrain task with extra payload fields.
func (r *QueueRetrainer) Schedule(ctx context.Context, model string, extra map[string]any) (string, error) {
	payload := map[string]any{
		"model":  model,
		"window": r.now().UTC().Truncate(r.window).Format(time.RFC3339),
	}
	for k, v := range extra {
		payload[k] = v
	}
	id, _, err := r.queue.Enqueue(ctx, queue.EnqueueRequest{
		Topic:    scheduler.TopicRetrain,
		Payload:  payload,
		Sender:   r.sender,
		Priority: queue.PriorityHigh,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue retrain: %w", err)
	}
	return id, nil
}
