// Package bus provides the in-process message bus that agents use to talk to
// each other.
//
// A Bus is constructed explicitly and handed to every component that needs
// it. Publish delivers synchronously on the calling goroutine when the bus is
// idle; messages published while a drain is in progress (including from
// inside handlers) are queued and delivered by the draining goroutine in
// priority order, FIFO within a priority.
package bus

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/commentops/internal/logging"
	"github.com/google/uuid"
)

// ErrRequestTimeout is returned by Request when no response arrives in time.
var ErrRequestTimeout = errors.New("request timed out")

// DefaultHistoryLimit is the number of messages retained when no limit is configured.
const DefaultHistoryLimit = 10000

// Handler processes a delivered message. Returned errors are logged.
type Handler func(Message) error

// Subscription identifies a registered handler.
type Subscription struct {
	id    uint64
	topic string
	all   bool
}

// Topic returns the subscribed topic, or "" for SubscribeAll taps.
func (s Subscription) Topic() string { return s.topic }

type subscriber struct {
	id      uint64
	handler Handler
}

// Stats describes the bus at a point in time.
type Stats struct {
	HistorySize   int      `json:"history_size"`
	Subscriptions int      `json:"subscriptions"`
	Topics        []string `json:"topics"`
	Pending       int      `json:"pending"`
}

// Bus is an in-process publish/subscribe router.
type Bus struct {
	logger       *slog.Logger
	historyLimit int

	subMu   sync.RWMutex
	subs    map[string][]subscriber
	taps    []subscriber
	nextSub uint64

	queueMu  sync.Mutex
	pending  messageHeap
	seq      uint64
	draining bool

	historyMu sync.RWMutex
	history   []Message
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistoryLimit caps the number of retained messages. Zero or less keeps
// the default.
func WithHistoryLimit(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.historyLimit = n
		}
	}
}

// New creates a bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		logger:       logging.Component(logger, "bus"),
		historyLimit: DefaultHistoryLimit,
		subs:         make(map[string][]subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for topic. The same handler may be registered more
// than once; every registration is called.
func (b *Bus) Subscribe(topic string, h Handler) Subscription {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.nextSub++
	b.subs[topic] = append(b.subs[topic], subscriber{id: b.nextSub, handler: h})
	b.logger.Debug("subscribed", "topic", topic)
	return Subscription{id: b.nextSub, topic: topic}
}

// SubscribeAll registers h for every published message.
func (b *Bus) SubscribeAll(h Handler) Subscription {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.nextSub++
	b.taps = append(b.taps, subscriber{id: b.nextSub, handler: h})
	return Subscription{id: b.nextSub, all: true}
}

// Unsubscribe removes a registration. Unknown subscriptions are ignored.
func (b *Bus) Unsubscribe(s Subscription) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	if s.all {
		b.taps = removeSubscriber(b.taps, s.id)
		return
	}
	remaining := removeSubscriber(b.subs[s.topic], s.id)
	if len(remaining) == 0 {
		delete(b.subs, s.topic)
		return
	}
	b.subs[s.topic] = remaining
}

func removeSubscriber(list []subscriber, id uint64) []subscriber {
	for i, sub := range list {
		if sub.id == id {
			out := make([]subscriber, 0, len(list)-1)
			out = append(out, list[:i]...)
			return append(out, list[i+1:]...)
		}
	}
	return list
}

// Publish records msg in the history and delivers it. Missing id, timestamp,
// type and priority are filled in. It returns the message id.
func (b *Bus) Publish(msg Message) string {
	msg = b.prepare(msg)
	b.record(msg)

	b.queueMu.Lock()
	b.push(msg)
	b.queueMu.Unlock()

	b.drain()
	return msg.ID
}

// PublishBatch enqueues every message before delivering any of them, so the
// batch is delivered strictly by priority.
func (b *Bus) PublishBatch(msgs ...Message) []string {
	ids := make([]string, len(msgs))
	b.queueMu.Lock()
	for i, msg := range msgs {
		msg = b.prepare(msg)
		b.record(msg)
		b.push(msg)
		ids[i] = msg.ID
	}
	b.queueMu.Unlock()

	b.drain()
	return ids
}

// Request publishes a request and waits for the matching response on the
// topic's response channel. It returns ErrRequestTimeout when timeout elapses
// and ctx.Err() when ctx ends first.
//
// Handlers must not call Request: the request would be queued behind the
// handler that is waiting for it.
func (b *Bus) Request(ctx context.Context, sender, recipient, topic string, payload map[string]any, timeout time.Duration) (*Message, error) {
	id := uuid.New().String()
	responses := make(chan Message, 1)

	sub := b.Subscribe(ResponseTopic(topic), func(m Message) error {
		if m.CorrelationID != id {
			return nil
		}
		select {
		case responses <- m:
		default:
		}
		return nil
	})
	defer b.Unsubscribe(sub)

	b.Publish(Message{
		ID:        id,
		Type:      TypeRequest,
		Priority:  PriorityHigh,
		Sender:    sender,
		Recipient: recipient,
		Topic:     topic,
		Payload:   payload,
		ReplyTo:   ResponseTopic(topic),
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-responses:
		return &resp, nil
	case <-timer.C:
		b.logger.Warn("request timeout", "topic", topic, "sender", sender, "recipient", recipient)
		return nil, fmt.Errorf("%s from %s to %s: %w", topic, sender, recipient, ErrRequestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond publishes a response to original addressed back to its sender.
func (b *Bus) Respond(original Message, payload map[string]any) string {
	return b.Publish(Message{
		Type:          TypeResponse,
		Priority:      PriorityHigh,
		Sender:        original.Recipient,
		Recipient:     original.Sender,
		Topic:         ResponseTopic(original.Topic),
		Payload:       payload,
		CorrelationID: original.ID,
	})
}

// History returns up to limit of the most recent messages, oldest first,
// optionally restricted to one topic. A limit of zero or less returns all.
func (b *Bus) History(topic string, limit int) []Message {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	var filtered []Message
	if topic == "" {
		filtered = b.history
	} else {
		for _, m := range b.history {
			if m.Topic == topic {
				filtered = append(filtered, m)
			}
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	out := make([]Message, len(filtered))
	copy(out, filtered)
	return out
}

// ClearHistory empties the message history.
func (b *Bus) ClearHistory() {
	b.historyMu.Lock()
	b.history = nil
	b.historyMu.Unlock()
	b.logger.Info("message history cleared")
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	var st Stats

	b.historyMu.RLock()
	st.HistorySize = len(b.history)
	b.historyMu.RUnlock()

	b.subMu.RLock()
	st.Subscriptions = len(b.taps)
	for topic, list := range b.subs {
		st.Subscriptions += len(list)
		st.Topics = append(st.Topics, topic)
	}
	b.subMu.RUnlock()
	sort.Strings(st.Topics)

	b.queueMu.Lock()
	st.Pending = b.pending.Len()
	b.queueMu.Unlock()
	return st
}

func (b *Bus) prepare(msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Type == "" {
		msg.Type = TypeEvent
	}
	if msg.Priority == 0 {
		msg.Priority = PriorityMedium
	}
	return msg
}

func (b *Bus) record(msg Message) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	b.history = append(b.history, msg)
	if over := len(b.history) - b.historyLimit; over > 0 {
		b.history = b.history[over:]
	}
}

// push must be called with queueMu held.
func (b *Bus) push(msg Message) {
	b.seq++
	heap.Push(&b.pending, queued{msg: msg, seq: b.seq})
}

// drain delivers queued messages until the queue is empty. Only one
// goroutine drains at a time; others return immediately and leave their
// messages to the active drainer.
func (b *Bus) drain() {
	b.queueMu.Lock()
	if b.draining {
		b.queueMu.Unlock()
		return
	}
	b.draining = true
	b.queueMu.Unlock()

	for {
		b.queueMu.Lock()
		if b.pending.Len() == 0 {
			b.draining = false
			b.queueMu.Unlock()
			return
		}
		next := heap.Pop(&b.pending).(queued)
		b.queueMu.Unlock()

		b.deliver(next.msg)
	}
}

func (b *Bus) deliver(msg Message) {
	b.subMu.RLock()
	var targets []subscriber
	// Recipient handlers run first. A recipient equal to the topic reaches
	// its handlers through both lists.
	if msg.Recipient != "" {
		targets = append(targets, b.subs[msg.Recipient]...)
	}
	targets = append(targets, b.subs[msg.Topic]...)
	targets = append(targets, b.taps...)
	b.subMu.RUnlock()

	for _, sub := range targets {
		b.invoke(sub, msg)
	}
}

func (b *Bus) invoke(sub subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked", "topic", msg.Topic, "message_id", msg.ID, "panic", r)
		}
	}()
	if err := sub.handler(msg); err != nil {
		b.logger.Error("handler failed", "topic", msg.Topic, "message_id", msg.ID, "error", err)
	}
}

type queued struct {
	msg Message
	seq uint64
}

// messageHeap orders by priority descending, then publish order.
type messageHeap []queued

func (h messageHeap) Len() int { return len(h) }
func (h messageHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}
func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *messageHeap) Push(x any)   { *h = append(*h, x.(queued)) }
func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
