package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MessageType classifies a bus message.
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
	TypeEvent    MessageType = "event"
	TypeCommand  MessageType = "command"
)

// Priority orders delivery; higher values are delivered first.
// The zero value means "unset" and is published as PriorityMedium.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityMedium   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "low":
		*p = PriorityLow
	case "medium":
		*p = PriorityMedium
	case "high":
		*p = PriorityHigh
	case "critical":
		*p = PriorityCritical
	default:
		return fmt.Errorf("unknown priority %q", string(b))
	}
	return nil
}

// Message is the unit of communication between agents.
type Message struct {
	ID            string         `json:"id"`
	Type          MessageType    `json:"type"`
	Priority      Priority       `json:"priority"`
	Sender        string         `json:"sender"`
	Recipient     string         `json:"recipient,omitempty"`
	Topic         string         `json:"topic"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	ReplyTo       string         `json:"reply_to,omitempty"`
}

// ResponseTopic returns the topic on which responses to topic are published.
func ResponseTopic(topic string) string {
	return topic + "_response"
}

// DecodePayload copies the payload into out through JSON, so a handler reads
// the same typed fields whether the publisher used Go values or decoded JSON.
func (m Message) DecodePayload(out any) error {
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Topic, err)
	}
	return nil
}
