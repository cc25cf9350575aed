// Package controlplane provides the HTTP API and service layer of the
// commentops daemon.
package controlplane

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/commentops/internal/audit"
	"github.com/fentz26/commentops/internal/coordinator"
	"github.com/fentz26/commentops/internal/models"
	"github.com/fentz26/commentops/internal/queue"
	"github.com/fentz26/commentops/internal/state"
)

// Service provides the control plane business logic over a coordinator.
type Service struct {
	coord  *coordinator.Coordinator
	dryRun bool
}

// NewService creates a new control plane service. dryRun is the default for
// workflow runs that do not choose one.
func NewService(c *coordinator.Coordinator, dryRun bool) *Service {
	return &Service{coord: c, dryRun: dryRun}
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	if s.coord.Store == nil {
		return nil
	}
	return s.coord.Store.Ping(ctx)
}

// --- Coordinator Operations ---

// Status returns the system status.
func (s *Service) Status(ctx context.Context) (*coordinator.SystemStatus, error) {
	return s.coord.SystemStatus(ctx)
}

// WorkflowRequest starts a workflow run.
type WorkflowRequest struct {
	Metrics models.MetricsSnapshot `json:"metrics"`
	DryRun  *bool                  `json:"dry_run,omitempty"`
}

// RunWorkflow runs the full workflow on the posted metrics.
func (s *Service) RunWorkflow(ctx context.Context, req WorkflowRequest) (*coordinator.WorkflowResult, error) {
	if !s.coord.Active() {
		return nil, ErrShuttingDown
	}
	dryRun := s.dryRun
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}
	return s.coord.RunFullAgenticWorkflow(ctx, req.Metrics, coordinator.WorkflowOptions{DryRun: dryRun}), nil
}

// TriggerImprovement forces a learning cycle.
func (s *Service) TriggerImprovement(ctx context.Context) (*coordinator.ImprovementResult, error) {
	return s.coord.TriggerContinuousImprovement(ctx)
}

// Communications returns recent bus messages.
func (s *Service) Communications(limit int) []coordinator.Communication {
	return s.coord.AgentCommunications(limit)
}

// History returns recent coordination history.
func (s *Service) History(limit int) []coordinator.HistoryEntry {
	return s.coord.CoordinationHistory(limit)
}

// AuditTrail returns recent decision records, optionally for one action.
func (s *Service) AuditTrail(ctx context.Context, action string, limit int) ([]models.PDREntry, error) {
	return s.coord.PDR.Recent(ctx, action, limit)
}

// --- Queue Operations ---

// QueueStats returns queue statistics.
func (s *Service) QueueStats(ctx context.Context) (*models.QueueStats, error) {
	return s.coord.Queue.Statistics(ctx)
}

// DeadLetters lists dead-lettered messages.
func (s *Service) DeadLetters(ctx context.Context) ([]models.PersistentMessage, error) {
	return s.coord.Queue.DeadLetters(ctx)
}

// Replay lists completed messages, optionally for one topic and created at
// or after from.
func (s *Service) Replay(ctx context.Context, topic string, from time.Time) ([]models.PersistentMessage, error) {
	return s.coord.Queue.Replay(ctx, topic, from)
}

// EnqueueResult reports an enqueue.
type EnqueueResult struct {
	ID      string `json:"message_id,omitempty"`
	Created bool   `json:"created"`
}

// Enqueue adds a persistent message. Duplicates are not an error.
func (s *Service) Enqueue(ctx context.Context, req queue.EnqueueRequest) (*EnqueueResult, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return nil, fmt.Errorf("topic is required: %w", ErrInvalidRequest)
	}
	if req.Sender == "" {
		req.Sender = "api"
	}
	id, created, err := s.coord.Queue.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	return &EnqueueResult{ID: id, Created: created}, nil
}

// Purge deletes completed messages older than days.
func (s *Service) Purge(ctx context.Context, days int) (int64, error) {
	if days < 0 {
		return 0, fmt.Errorf("days must not be negative: %w", ErrInvalidRequest)
	}
	return s.coord.Queue.Purge(ctx, days)
}

// --- State Operations ---

// AgentState loads one version of an agent's state; version 0 is the latest.
func (s *Service) AgentState(ctx context.Context, agentID string, version int) (*models.AgentState, error) {
	return s.coord.States.LoadState(ctx, agentID, version)
}

// StateHistory lists an agent's versions, newest first.
func (s *Service) StateHistory(ctx context.Context, agentID string, limit int) ([]models.AgentState, error) {
	return s.coord.States.History(ctx, agentID, limit)
}

// RestoreState reads back an earlier version of an agent's state and logs the
// restore. The latest version is unchanged.
func (s *Service) RestoreState(ctx context.Context, agentID string, version int) (*models.AgentState, error) {
	if version <= 0 {
		return nil, fmt.Errorf("version must be positive: %w", ErrInvalidRequest)
	}
	st, err := s.coord.States.RestoreState(ctx, agentID, version)
	target := fmt.Sprintf("%s@%d", agentID, version)
	if err != nil {
		s.coord.PDR.RecordQuietly("state.restore", target, audit.OutcomeFailure, agentID, err.Error())
		return nil, err
	}
	s.coord.PDR.RecordQuietly("state.restore", target, audit.OutcomeSuccess, agentID, "")
	return st, nil
}

// SnapshotRequest creates a snapshot.
type SnapshotRequest struct {
	Name   string   `json:"name"`
	Agents []string `json:"agents,omitempty"`
}

// CreateSnapshot bundles the requested agents, or every known agent.
func (s *Service) CreateSnapshot(ctx context.Context, req SnapshotRequest) (string, error) {
	agents := req.Agents
	if len(agents) == 0 {
		stats, err := s.coord.States.Statistics(ctx)
		if err != nil {
			return "", err
		}
		for id := range stats.AgentVersions {
			agents = append(agents, id)
		}
	}
	if req.Name == "" {
		req.Name = "manual"
	}
	return s.coord.States.CreateSnapshot(ctx, agents, req.Name)
}

// Snapshots lists stored snapshots.
func (s *Service) Snapshots(ctx context.Context) ([]state.SnapshotInfo, error) {
	return s.coord.States.ListSnapshots(ctx)
}

// RestoreSnapshot restores every agent in a snapshot.
func (s *Service) RestoreSnapshot(ctx context.Context, id string) (map[string]state.RestoreResult, error) {
	res, err := s.coord.States.RestoreSnapshot(ctx, id)
	if err != nil {
		s.coord.PDR.RecordQuietly("snapshot.restore", id, audit.OutcomeFailure, id, err.Error())
		return nil, err
	}
	s.coord.PDR.RecordQuietly("snapshot.restore", id, audit.OutcomeSuccess, id, fmt.Sprintf("%d agents", len(res)))
	return res, nil
}
