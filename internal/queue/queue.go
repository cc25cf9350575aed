// Package queue implements the durable task queue on top of the SQLite store.
//
// Producers call Enqueue; identical (topic, sender, payload) submissions
// collapse onto a single row through a deterministic idempotency key.
// Consumers call Dequeue, which claims rows atomically, and then report the
// outcome with MarkCompleted, MarkFailed or Reject.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/commentops/internal/logging"
	"github.com/fentz26/commentops/internal/models"
	"github.com/fentz26/commentops/internal/store"
	"github.com/google/uuid"
)

// Priorities for queued work. Higher values dequeue first.
const (
	PriorityLow      = 0
	PriorityNormal   = 1
	PriorityHigh     = 2
	PriorityCritical = 3
)

// DefaultMaxRetries applies when neither the request nor the queue sets one.
const DefaultMaxRetries = 3

// EnqueueRequest describes a task to submit.
type EnqueueRequest struct {
	Topic     string `json:"topic"`
	Payload   any    `json:"payload"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient,omitempty"`
	Priority  int    `json:"priority"`
	// IdempotencyKey overrides the key derived from topic, sender and payload.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty"`
}

// Queue is the persistent task queue.
type Queue struct {
	store      *store.Store
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxRetries sets the default retry budget for new messages.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// New creates a queue over s.
func New(s *store.Store, logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		store:      s,
		maxRetries: DefaultMaxRetries,
		logger:     logging.Component(logger, "queue"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue stores a new pending message and returns its id. When a message
// with the same idempotency key already exists nothing is written and it
// returns an empty id with created=false.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, bool, error) {
	if req.Topic == "" {
		return "", false, fmt.Errorf("topic is required")
	}
	if req.Sender == "" {
		return "", false, fmt.Errorf("sender is required")
	}

	payload, err := models.CanonicalJSON(req.Payload)
	if err != nil {
		return "", false, fmt.Errorf("encode payload: %w", err)
	}

	key := req.IdempotencyKey
	if key == "" {
		key = keyFor(req.Topic, req.Sender, payload)
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.maxRetries
	}

	msg := &models.PersistentMessage{
		ID:             uuid.New().String(),
		Topic:          req.Topic,
		Payload:        payload,
		Priority:       req.Priority,
		Sender:         req.Sender,
		Recipient:      req.Recipient,
		IdempotencyKey: key,
		MaxRetries:     maxRetries,
		CreatedAt:      q.now().UTC(),
	}

	created, err := q.store.InsertMessage(ctx, msg)
	if err != nil {
		return "", false, fmt.Errorf("enqueue %s: %w", req.Topic, err)
	}
	if !created {
		q.logger.Debug("duplicate message suppressed", "topic", req.Topic, "idempotency_key", key)
		return "", false, nil
	}

	q.logger.Info("message enqueued", "id", msg.ID, "topic", req.Topic, "priority", req.Priority)
	return msg.ID, true, nil
}

// Dequeue claims up to limit pending messages for processing.
func (q *Queue) Dequeue(ctx context.Context, limit int) ([]models.PersistentMessage, error) {
	msgs, err := q.store.ClaimMessages(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return msgs, nil
}

// MarkCompleted records successful processing.
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	if err := q.store.CompleteMessage(ctx, id); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt and returns the message's new status.
func (q *Queue) MarkFailed(ctx context.Context, id, errMsg string) (models.MessageStatus, error) {
	status, attempts, err := q.store.FailMessage(ctx, id, errMsg)
	if err != nil {
		return "", fmt.Errorf("mark failed: %w", err)
	}
	if status == models.MessageStatusDeadLetter {
		q.logger.Error("message moved to dead letter", "id", id, "attempts", attempts, "error", errMsg)
	} else {
		q.logger.Warn("message will be retried", "id", id, "attempts", attempts, "error", errMsg)
	}
	return status, nil
}

// Reject fails a message permanently without consuming its retries.
func (q *Queue) Reject(ctx context.Context, id, reason string) error {
	if err := q.store.RejectMessage(ctx, id, reason); err != nil {
		return fmt.Errorf("reject: %w", err)
	}
	q.logger.Warn("message rejected", "id", id, "reason", reason)
	return nil
}

// Recover returns messages claimed more than staleAfter ago and never settled
// to pending. A zero staleAfter recovers every processing message, which is
// only safe while no consumer is running.
func (q *Queue) Recover(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter < 0 {
		return 0, fmt.Errorf("stale window must not be negative")
	}
	ids, err := q.store.RecoverMessages(ctx, q.now().Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	for _, id := range ids {
		q.logger.Warn("recovered stale message", "id", id, "stale_after", staleAfter)
	}
	return len(ids), nil
}

// Replay returns completed messages, oldest first, optionally filtered by
// topic and by a lower bound on creation time.
func (q *Queue) Replay(ctx context.Context, topic string, from time.Time) ([]models.PersistentMessage, error) {
	msgs, err := q.store.ListMessages(ctx, store.MessageFilter{
		Status: models.MessageStatusCompleted,
		Topic:  topic,
		Since:  from,
	})
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	return msgs, nil
}

// DeadLetters returns every dead-lettered message, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]models.PersistentMessage, error) {
	msgs, err := q.store.ListMessages(ctx, store.MessageFilter{Status: models.MessageStatusDeadLetter})
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return msgs, nil
}

// Pending returns messages waiting for a consumer, optionally for one topic.
func (q *Queue) Pending(ctx context.Context, topic string) ([]models.PersistentMessage, error) {
	msgs, err := q.store.ListMessages(ctx, store.MessageFilter{Status: models.MessageStatusPending, Topic: topic})
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return msgs, nil
}

// Statistics returns counts per status and the average retries of completed messages.
func (q *Queue) Statistics(ctx context.Context) (*models.QueueStats, error) {
	return q.store.MessageStats(ctx)
}

// Purge deletes completed messages processed more than days ago.
func (q *Queue) Purge(ctx context.Context, days int) (int64, error) {
	if days < 0 {
		return 0, fmt.Errorf("days must not be negative")
	}
	cutoff := q.now().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := q.store.PurgeMessages(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("purged completed messages", "count", n, "older_than_days", days)
	}
	return n, nil
}

// Get returns a message by id.
func (q *Queue) Get(ctx context.Context, id string) (*models.PersistentMessage, error) {
	return q.store.GetMessage(ctx, id)
}

// Log returns the audit trail of a message.
func (q *Queue) Log(ctx context.Context, id string) ([]models.MessageLogEntry, error) {
	return q.store.MessageLog(ctx, id)
}

// IdempotencyKey derives the deduplication key of a submission.
func IdempotencyKey(topic, sender string, payload any) (string, error) {
	canonical, err := models.CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return keyFor(topic, sender, canonical), nil
}

func keyFor(topic, sender string, canonical []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%s:", topic, sender)
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}
