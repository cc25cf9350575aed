// Package models defines the core domain types for commentops.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a status change is not allowed from the current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// MessageStatus represents the lifecycle state of a persistent queue message.
type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusProcessing MessageStatus = "processing"
	MessageStatusCompleted  MessageStatus = "completed"
	MessageStatusFailed     MessageStatus = "failed"
	MessageStatusDeadLetter MessageStatus = "dead_letter"
)

// MessageStatuses lists every status in display order.
var MessageStatuses = []MessageStatus{
	MessageStatusPending,
	MessageStatusProcessing,
	MessageStatusCompleted,
	MessageStatusFailed,
	MessageStatusDeadLetter,
}

// ParseMessageStatus converts a stored string into a MessageStatus.
func ParseMessageStatus(s string) (MessageStatus, error) {
	for _, st := range MessageStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown message status %q", s)
}

// IsTerminal reports whether no further transition is possible.
func (s MessageStatus) IsTerminal() bool {
	switch s {
	case MessageStatusCompleted, MessageStatusFailed, MessageStatusDeadLetter:
		return true
	}
	return false
}

// Claim moves a pending message into processing.
func (s MessageStatus) Claim() (MessageStatus, error) {
	if s != MessageStatusPending {
		return s, fmt.Errorf("%w: claim from %s", ErrInvalidTransition, s)
	}
	return MessageStatusProcessing, nil
}

// Complete marks a processing message as done.
func (s MessageStatus) Complete() (MessageStatus, error) {
	if s != MessageStatusProcessing {
		return s, fmt.Errorf("%w: complete from %s", ErrInvalidTransition, s)
	}
	return MessageStatusCompleted, nil
}

// Fail records a failed attempt. newRetryCount is the count after this attempt;
// reaching maxRetries dead-letters the message, anything below returns it to pending.
func (s MessageStatus) Fail(newRetryCount, maxRetries int) (MessageStatus, error) {
	if s != MessageStatusPending && s != MessageStatusProcessing {
		return s, fmt.Errorf("%w: fail from %s", ErrInvalidTransition, s)
	}
	if newRetryCount >= maxRetries {
		return MessageStatusDeadLetter, nil
	}
	return MessageStatusPending, nil
}

// Release returns an abandoned processing message to pending.
func (s MessageStatus) Release() (MessageStatus, error) {
	if s != MessageStatusProcessing {
		return s, fmt.Errorf("%w: release from %s", ErrInvalidTransition, s)
	}
	return MessageStatusPending, nil
}

// Reject marks a message as permanently failed without consuming retries.
func (s MessageStatus) Reject() (MessageStatus, error) {
	if s != MessageStatusPending && s != MessageStatusProcessing {
		return s, fmt.Errorf("%w: reject from %s", ErrInvalidTransition, s)
	}
	return MessageStatusFailed, nil
}

// PersistentMessage is a durable queue entry.
type PersistentMessage struct {
	ID             string          `json:"id"`
	Topic          string          `json:"topic"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	Sender         string          `json:"sender"`
	Recipient      string          `json:"recipient,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         MessageStatus   `json:"status"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	CreatedAt      time.Time       `json:"created_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// DecodePayload unmarshals the stored payload into out.
func (m *PersistentMessage) DecodePayload(out any) error {
	return json.Unmarshal(m.Payload, out)
}

// MessageLogEntry is one row of the queue audit log.
type MessageLogEntry struct {
	ID        int64     `json:"id"`
	MessageID string    `json:"message_id"`
	Action    string    `json:"action"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// QueueStats summarizes queue contents.
type QueueStats struct {
	Counts     map[MessageStatus]int `json:"counts"`
	Total      int                   `json:"total"`
	AvgRetries float64               `json:"avg_retries"`
}

// AgentState is one immutable version of an agent's state.
type AgentState struct {
	AgentID   string          `json:"agent_id"`
	Version   int             `json:"version"`
	Payload   json.RawMessage `json:"state_data"`
	Checksum  string          `json:"checksum"`
	Timestamp time.Time       `json:"timestamp"`
}

// TransitionType labels entries in the state transition log.
type TransitionType string

const (
	TransitionSave    TransitionType = "SAVE"
	TransitionRestore TransitionType = "RESTORE"
)

// StateTransition is an audit entry for a state change or restore.
type StateTransition struct {
	ID          int64          `json:"id"`
	AgentID     string         `json:"agent_id"`
	FromVersion *int           `json:"from_version,omitempty"`
	ToVersion   int            `json:"to_version"`
	Type        TransitionType `json:"transition_type"`
	Timestamp   time.Time      `json:"timestamp"`
}

// StateStats summarizes the state store.
type StateStats struct {
	TotalAgents   int            `json:"total_agents"`
	TotalStates   int            `json:"total_states"`
	AgentVersions map[string]int `json:"agent_versions"`
	TotalRestores int            `json:"total_restores"`
}

// SnapshotEntry is one agent's state inside a snapshot.
type SnapshotEntry struct {
	Version  int             `json:"version"`
	Payload  json.RawMessage `json:"state_data"`
	Checksum string          `json:"checksum"`
}

// Snapshot bundles the current state of several agents.
type Snapshot struct {
	ID        string                   `json:"snapshot_id"`
	Name      string                   `json:"snapshot_name"`
	CreatedAt time.Time                `json:"timestamp"`
	Agents    map[string]SnapshotEntry `json:"agents"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	Subject    string    `json:"subject,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
