package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/commentops/internal/audit"
	"github.com/fentz26/commentops/internal/logging"
	"github.com/fentz26/commentops/internal/models"
	"github.com/fentz26/commentops/internal/queue"
	"github.com/google/uuid"
)

// TopicRetrain is the queue topic for model retraining jobs.
const TopicRetrain = "training.retrain"

// TaskHandler processes one queued message. A returned error (or a panic)
// counts as a failed attempt.
type TaskHandler func(ctx context.Context, msg models.PersistentMessage) error

// Stats is a snapshot of scheduler counters.
type Stats struct {
	ActiveWorkers int            `json:"active_workers"`
	GlobalMax     int            `json:"global_max"`
	TopicCounts   map[string]int `json:"topic_counts"`
	Processed     int            `json:"processed"`
	Failed        int            `json:"failed"`
	Rejected      int            `json:"rejected"`
	Topics        []string       `json:"topics"`
}

// Scheduler dequeues persistent messages and dispatches them to handlers.
type Scheduler struct {
	queue  *queue.Queue
	pdr    *audit.PDRWriter
	config *Config
	logger *slog.Logger

	handlersMu sync.RWMutex
	handlers   map[string]TaskHandler

	// Worker pool state
	mu            sync.Mutex
	activeWorkers int
	topicCounts   map[string]int
	topicSlots    map[string]chan struct{}
	processed     int
	failed        int
	rejected      int

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a new scheduler.
func New(q *queue.Queue, pdr *audit.PDRWriter, cfg *Config, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.GlobalMax <= 0 {
		cfg.GlobalMax = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.GlobalMax
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		queue:       q,
		pdr:         pdr,
		config:      cfg,
		logger:      logging.Component(logger, "scheduler"),
		handlers:    make(map[string]TaskHandler),
		topicCounts: make(map[string]int),
		topicSlots:  make(map[string]chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Register sets the handler for a topic, replacing any previous one.
func (sch *Scheduler) Register(topic string, h TaskHandler) {
	sch.handlersMu.Lock()
	defer sch.handlersMu.Unlock()
	sch.handlers[topic] = h
}

// Start begins the scheduler loop.
func (sch *Scheduler) Start() {
	sch.mu.Lock()
	if sch.started {
		sch.mu.Unlock()
		return
	}
	sch.started = true
	sch.mu.Unlock()

	sch.wg.Add(1)
	go sch.schedulerLoop()
	sch.logger.Info("scheduler started", "global_max", sch.config.GlobalMax, "poll_interval", sch.config.PollInterval)
}

// Stop gracefully stops the scheduler and waits for running workers.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.wg.Wait()
	sch.logger.Info("scheduler stopped")
}

// schedulerLoop polls for pending messages and dispatches them to workers.
func (sch *Scheduler) schedulerLoop() {
	defer sch.wg.Done()

	ticker := time.NewTicker(sch.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-ticker.C:
			sch.pollAndDispatch()
		}
	}
}

// pollAndDispatch claims as many messages as there is worker capacity for and
// starts a worker for each.
func (sch *Scheduler) pollAndDispatch() {
	sch.mu.Lock()
	capacity := sch.config.GlobalMax - sch.activeWorkers
	sch.mu.Unlock()
	if capacity <= 0 {
		return
	}
	if capacity > sch.config.BatchSize {
		capacity = sch.config.BatchSize
	}

	msgs, err := sch.queue.Dequeue(sch.ctx, capacity)
	if err != nil {
		if sch.ctx.Err() == nil {
			sch.logger.Error("error claiming messages", "error", err)
		}
		return
	}

	for _, msg := range msgs {
		workerID := uuid.New().String()

		sch.mu.Lock()
		sch.activeWorkers++
		sch.mu.Unlock()

		sch.logger.Debug("dispatched message", "id", msg.ID, "topic", msg.Topic, "worker_id", workerID)

		sch.wg.Add(1)
		go sch.runWorker(msg, workerID)
	}
}

// runWorker waits for a slot on the message's topic, then processes it.
func (sch *Scheduler) runWorker(msg models.PersistentMessage, workerID string) {
	defer sch.wg.Done()
	defer func() {
		sch.mu.Lock()
		sch.activeWorkers--
		sch.mu.Unlock()
	}()

	slot := sch.slotFor(msg.Topic)
	select {
	case slot <- struct{}{}:
	case <-sch.ctx.Done():
		// Shutting down before the topic had room; give the attempt back as
		// a failure so the message returns to pending.
		sch.settleFailure(context.Background(), msg, workerID, fmt.Errorf("scheduler stopped before dispatch"))
		return
	}

	sch.mu.Lock()
	sch.topicCounts[msg.Topic]++
	sch.mu.Unlock()
	defer func() {
		<-slot
		sch.mu.Lock()
		sch.topicCounts[msg.Topic]--
		sch.mu.Unlock()
	}()

	// Settle with a context that outlives Stop so the row never stays in
	// processing after the handler returned.
	sch.dispatch(sch.ctx, context.Background(), msg, workerID)
}

// ProcessBatch synchronously claims up to BatchSize messages and processes
// them one at a time on the calling goroutine. It returns how many were
// claimed.
func (sch *Scheduler) ProcessBatch(ctx context.Context) (int, error) {
	msgs, err := sch.queue.Dequeue(ctx, sch.config.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		sch.dispatch(ctx, ctx, msg, "inline")
	}
	return len(msgs), nil
}

func (sch *Scheduler) dispatch(runCtx, settleCtx context.Context, msg models.PersistentMessage, workerID string) {
	sch.handlersMu.RLock()
	handler, ok := sch.handlers[msg.Topic]
	sch.handlersMu.RUnlock()

	inputs := map[string]interface{}{
		"message_id": msg.ID,
		"topic":      msg.Topic,
		"worker_id":  workerID,
		"attempt":    msg.RetryCount + 1,
	}

	if !ok {
		reason := fmt.Sprintf("no handler registered for topic %s", msg.Topic)
		if err := sch.queue.Reject(settleCtx, msg.ID, reason); err != nil {
			sch.logger.Error("error rejecting message", "id", msg.ID, "error", err)
		}
		sch.mu.Lock()
		sch.rejected++
		sch.mu.Unlock()
		sch.pdr.RecordQuietly("task.dispatch", inputs, audit.OutcomeRejected, msg.ID, reason)
		return
	}

	if err := runHandler(runCtx, handler, msg); err != nil {
		sch.settleFailure(settleCtx, msg, workerID, err)
		return
	}

	if err := sch.queue.MarkCompleted(settleCtx, msg.ID); err != nil {
		sch.logger.Error("error completing message", "id", msg.ID, "error", err)
		return
	}
	sch.mu.Lock()
	sch.processed++
	sch.mu.Unlock()
	sch.pdr.RecordQuietly("task.dispatch", inputs, audit.OutcomeSuccess, msg.ID,
		fmt.Sprintf("Completed by worker %s", workerID))
}

func (sch *Scheduler) settleFailure(ctx context.Context, msg models.PersistentMessage, workerID string, cause error) {
	status, err := sch.queue.MarkFailed(ctx, msg.ID, cause.Error())
	if err != nil {
		sch.logger.Error("error failing message", "id", msg.ID, "error", err)
		return
	}
	sch.mu.Lock()
	sch.failed++
	sch.mu.Unlock()
	sch.pdr.RecordQuietly("task.dispatch", map[string]interface{}{
		"message_id": msg.ID,
		"topic":      msg.Topic,
		"worker_id":  workerID,
		"attempt":    msg.RetryCount + 1,
	}, audit.OutcomeFailure, msg.ID, fmt.Sprintf("%s: %v", status, cause))
}

func runHandler(ctx context.Context, h TaskHandler, msg models.PersistentMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, msg)
}

func (sch *Scheduler) slotFor(topic string) chan struct{} {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	slot, ok := sch.topicSlots[topic]
	if !ok {
		slot = make(chan struct{}, sch.config.GetTopicLimit(topic))
		sch.topicSlots[topic] = slot
	}
	return slot
}

// Stats returns current scheduler statistics.
func (sch *Scheduler) Stats() Stats {
	sch.handlersMu.RLock()
	topics := make([]string, 0, len(sch.handlers))
	for t := range sch.handlers {
		topics = append(topics, t)
	}
	sch.handlersMu.RUnlock()
	sort.Strings(topics)

	sch.mu.Lock()
	defer sch.mu.Unlock()

	topicCounts := make(map[string]int)
	for k, v := range sch.topicCounts {
		topicCounts[k] = v
	}

	return Stats{
		ActiveWorkers: sch.activeWorkers,
		GlobalMax:     sch.config.GlobalMax,
		TopicCounts:   topicCounts,
		Processed:     sch.processed,
		Failed:        sch.failed,
		Rejected:      sch.rejected,
		Topics:        topics,
	}
}
