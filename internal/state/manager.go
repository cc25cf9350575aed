// Package state manages versioned, checksummed agent state.
//
// Every save appends a new version; nothing is overwritten. Restoring a
// version is a logged read: callers that want the restored payload to become
// current save it again. Snapshots bundle the latest state of several agents
// into one content-addressed artifact.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fentz26/commentops/internal/artifacts"
	"github.com/fentz26/commentops/internal/logging"
	"github.com/fentz26/commentops/internal/models"
	"github.com/fentz26/commentops/internal/store"
)

var (
	// ErrStateNotFound is returned when an agent has no state at the requested version.
	ErrStateNotFound = errors.New("state not found")
	// ErrSnapshotNotFound is returned when no snapshot has the given id.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrInvalidPayload is returned when a payload is not a JSON object.
	ErrInvalidPayload = errors.New("state payload must be a JSON object")
)

// RestoreResult reports the outcome of restoring one agent from a snapshot.
type RestoreResult struct {
	Success bool   `json:"success"`
	Version int    `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SnapshotInfo summarizes a stored snapshot.
type SnapshotInfo struct {
	ID        string    `json:"snapshot_id"`
	Name      string    `json:"snapshot_name"`
	CreatedAt time.Time `json:"timestamp"`
	Agents    []string  `json:"agents"`
}

// Manager is the state manager.
type Manager struct {
	store     *store.Store
	artifacts *artifacts.Store
	logger    *slog.Logger
}

// NewManager creates a state manager. Snapshots are kept in a.
func NewManager(s *store.Store, a *artifacts.Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:     s,
		artifacts: a,
		logger:    logging.Component(logger, "state"),
	}
}

// SaveState stores payload as the agent's next version and returns it.
// payload must encode to a JSON object.
func (m *Manager) SaveState(ctx context.Context, agentID string, payload any) (int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode state for %s: %w", agentID, err)
	}
	return m.SaveStateJSON(ctx, agentID, raw)
}

// SaveStateJSON is SaveState for an already encoded payload.
func (m *Manager) SaveStateJSON(ctx context.Context, agentID string, raw json.RawMessage) (int, error) {
	if agentID == "" {
		return 0, fmt.Errorf("agent id is required")
	}
	canonical, err := canonicalObject(raw)
	if err != nil {
		return 0, fmt.Errorf("save state for %s: %w", agentID, err)
	}

	st, err := m.store.InsertStateVersion(ctx, agentID, string(canonical), models.Checksum(canonical))
	if err != nil {
		return 0, fmt.Errorf("save state for %s: %w", agentID, err)
	}
	m.logger.Info("state saved", "agent", agentID, "version", st.Version)
	return st.Version, nil
}

// LoadState returns the given version, or the latest when version is 0. A
// payload that no longer matches its stored checksum is still returned and
// logged as a warning.
func (m *Manager) LoadState(ctx context.Context, agentID string, version int) (*models.AgentState, error) {
	st, err := m.load(ctx, agentID, version)
	if err != nil {
		return nil, err
	}
	if !checksumMatches(st) {
		m.logger.Warn("state checksum mismatch", "agent", agentID, "version", st.Version)
	}
	return st, nil
}

func (m *Manager) load(ctx context.Context, agentID string, version int) (*models.AgentState, error) {
	st, err := m.store.GetState(ctx, agentID, version)
	if err != nil {
		return nil, err
	}
	if st == nil {
		if version > 0 {
			return nil, fmt.Errorf("%s version %d: %w", agentID, version, ErrStateNotFound)
		}
		return nil, fmt.Errorf("%s: %w", agentID, ErrStateNotFound)
	}
	return st, nil
}

// LoadInto decodes the agent's latest state into out. It reports false when
// the agent has no state yet.
func (m *Manager) LoadInto(ctx context.Context, agentID string, out any) (bool, error) {
	st, err := m.LoadState(ctx, agentID, 0)
	if errors.Is(err, ErrStateNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(st.Payload, out); err != nil {
		return false, fmt.Errorf("decode state for %s: %w", agentID, err)
	}
	return true, nil
}

// RestoreState loads a historical version and logs a RESTORE transition from
// the current latest version. No new version is written.
func (m *Manager) RestoreState(ctx context.Context, agentID string, version int) (*models.AgentState, error) {
	if version <= 0 {
		return nil, fmt.Errorf("restore %s: version must be positive", agentID)
	}
	st, err := m.LoadState(ctx, agentID, version)
	if err != nil {
		return nil, err
	}

	latest, err := m.store.LatestVersion(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := m.store.InsertTransition(ctx, agentID, &latest, version, models.TransitionRestore); err != nil {
		return nil, fmt.Errorf("log restore for %s: %w", agentID, err)
	}
	m.logger.Info("state restored", "agent", agentID, "from_version", latest, "to_version", version)
	return st, nil
}

// VerifyIntegrity recomputes the checksum of a stored version and compares it
// with the stored checksum.
func (m *Manager) VerifyIntegrity(ctx context.Context, agentID string, version int) (bool, error) {
	st, err := m.load(ctx, agentID, version)
	if err != nil {
		return false, err
	}

	valid := checksumMatches(st)
	if !valid {
		m.logger.Warn("state integrity check failed", "agent", agentID, "version", st.Version)
	}
	return valid, nil
}

// History returns up to limit versions, newest first.
func (m *Manager) History(ctx context.Context, agentID string, limit int) ([]models.AgentState, error) {
	return m.store.ListStates(ctx, agentID, limit)
}

// Transitions returns the agent's SAVE and RESTORE log in order.
func (m *Manager) Transitions(ctx context.Context, agentID string) ([]models.StateTransition, error) {
	return m.store.ListTransitions(ctx, agentID)
}

// Statistics summarizes stored state.
func (m *Manager) Statistics(ctx context.Context) (*models.StateStats, error) {
	return m.store.StateStats(ctx)
}

// CreateSnapshot bundles the latest state of each listed agent. Agents without
// state are skipped. The id is derived from the bundle's content.
func (m *Manager) CreateSnapshot(ctx context.Context, agentIDs []string, name string) (string, error) {
	agents := make(map[string]models.SnapshotEntry)
	for _, id := range agentIDs {
		st, err := m.store.GetState(ctx, id, 0)
		if err != nil {
			return "", fmt.Errorf("snapshot %s: %w", id, err)
		}
		if st == nil {
			m.logger.Debug("agent has no state, skipping", "agent", id)
			continue
		}
		agents[id] = models.SnapshotEntry{Version: st.Version, Payload: st.Payload, Checksum: st.Checksum}
	}

	content, err := models.CanonicalJSON(map[string]any{"name": name, "agents": agents})
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	snap := models.Snapshot{
		ID:        models.Checksum(content)[:16],
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Agents:    agents,
	}

	if err := m.artifacts.Put(ctx, artifacts.PrefixSnapshot+snap.ID, snap); err != nil {
		return "", fmt.Errorf("store snapshot: %w", err)
	}
	m.logger.Info("snapshot created", "snapshot_id", snap.ID, "agents", len(agents))
	return snap.ID, nil
}

// GetSnapshot loads a snapshot by id.
func (m *Manager) GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	var snap models.Snapshot
	err := m.artifacts.Get(ctx, artifacts.PrefixSnapshot+id, &snap)
	if errors.Is(err, artifacts.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrSnapshotNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListSnapshots returns every stored snapshot, newest first.
func (m *Manager) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	var out []SnapshotInfo
	err := m.artifacts.Each(ctx, artifacts.PrefixSnapshot, func(key string, value []byte) error {
		var snap models.Snapshot
		if err := json.Unmarshal(value, &snap); err != nil {
			m.logger.Warn("skipping unreadable snapshot", "key", key, "error", err)
			return nil
		}
		info := SnapshotInfo{ID: snap.ID, Name: snap.Name, CreatedAt: snap.CreatedAt}
		for agent := range snap.Agents {
			info.Agents = append(info.Agents, agent)
		}
		sort.Strings(info.Agents)
		out = append(out, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// RestoreSnapshot saves each agent's snapshotted payload as a new version.
// Agents are restored independently: one failure does not stop the others.
func (m *Manager) RestoreSnapshot(ctx context.Context, id string) (map[string]RestoreResult, error) {
	snap, err := m.GetSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}

	results := make(map[string]RestoreResult, len(snap.Agents))
	for agentID, entry := range snap.Agents {
		version, err := m.SaveStateJSON(ctx, agentID, entry.Payload)
		if err != nil {
			m.logger.Warn("agent restore failed", "snapshot_id", id, "agent", agentID, "error", err)
			results[agentID] = RestoreResult{Success: false, Error: err.Error()}
			continue
		}
		results[agentID] = RestoreResult{Success: true, Version: version}
	}
	m.logger.Info("snapshot restored", "snapshot_id", id, "agents", len(results))
	return results, nil
}

func checksumMatches(st *models.AgentState) bool {
	canonical, err := models.CanonicalJSON(st.Payload)
	return err == nil && models.Checksum(canonical) == st.Checksum
}

func canonicalObject(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		return nil, ErrInvalidPayload
	}
	canonical, err := models.CanonicalJSON(json.RawMessage(trimmed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return canonical, nil
}
