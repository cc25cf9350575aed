package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/commentops/internal/models"
)

// InsertStateVersion appends the next version of an agent's state and logs a
// SAVE transition. Reading the current maximum and inserting max+1 happen in one
// transaction, so concurrent writers cannot produce duplicate versions.
func (s *Store) InsertStateVersion(ctx context.Context, agentID, payload, checksum string) (*models.AgentState, error) {
	state := &models.AgentState{
		AgentID:  agentID,
		Payload:  []byte(payload),
		Checksum: checksum,
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM agent_states WHERE agent_id = ?`, agentID,
		).Scan(&current); err != nil {
			return fmt.Errorf("query current version: %w", err)
		}

		now := time.Now().UTC()
		state.Version = current + 1
		state.Timestamp = now
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_states (agent_id, version, state_data, checksum, timestamp) VALUES (?, ?, ?, ?, ?)`,
			agentID, state.Version, payload, checksum, now,
		); err != nil {
			return fmt.Errorf("insert state: %w", err)
		}

		var from *int
		if current > 0 {
			from = &current
		}
		return insertTransitionTx(ctx, tx, agentID, from, state.Version, models.TransitionSave, now)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// GetState returns a specific version, or the latest when version is 0.
// It returns nil without error when no such state exists.
func (s *Store) GetState(ctx context.Context, agentID string, version int) (*models.AgentState, error) {
	var row *sql.Row
	if version > 0 {
		row = s.db.QueryRowContext(ctx,
			`SELECT agent_id, version, state_data, checksum, timestamp FROM agent_states WHERE agent_id = ? AND version = ?`,
			agentID, version,
		)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT agent_id, version, state_data, checksum, timestamp FROM agent_states WHERE agent_id = ? ORDER BY version DESC LIMIT 1`,
			agentID,
		)
	}

	state := &models.AgentState{}
	var payload string
	err := row.Scan(&state.AgentID, &state.Version, &payload, &state.Checksum, &state.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}
	state.Payload = []byte(payload)
	return state, nil
}

// LatestVersion returns the highest version stored for an agent, or 0.
func (s *Store) LatestVersion(ctx context.Context, agentID string) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM agent_states WHERE agent_id = ?`, agentID,
	).Scan(&v); err != nil {
		return 0, fmt.Errorf("query latest version: %w", err)
	}
	return v, nil
}

// InsertTransition appends an entry to the state transition log.
func (s *Store) InsertTransition(ctx context.Context, agentID string, from *int, to int, typ models.TransitionType) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertTransitionTx(ctx, tx, agentID, from, to, typ, time.Now().UTC())
	})
}

// ListStates returns an agent's versions, newest first.
func (s *Store) ListStates(ctx context.Context, agentID string, limit int) ([]models.AgentState, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, version, state_data, checksum, timestamp FROM agent_states
		 WHERE agent_id = ? ORDER BY version DESC LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query states: %w", err)
	}
	defer rows.Close()

	var states []models.AgentState
	for rows.Next() {
		var st models.AgentState
		var payload string
		if err := rows.Scan(&st.AgentID, &st.Version, &payload, &st.Checksum, &st.Timestamp); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		st.Payload = []byte(payload)
		states = append(states, st)
	}
	return states, rows.Err()
}

// ListTransitions returns an agent's transition log in insertion order.
func (s *Store) ListTransitions(ctx context.Context, agentID string) ([]models.StateTransition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, from_version, to_version, transition_type, timestamp FROM state_transitions
		 WHERE agent_id = ? ORDER BY id ASC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []models.StateTransition
	for rows.Next() {
		var tr models.StateTransition
		var from sql.NullInt64
		var typ string
		if err := rows.Scan(&tr.ID, &tr.AgentID, &from, &tr.ToVersion, &typ, &tr.Timestamp); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if from.Valid {
			v := int(from.Int64)
			tr.FromVersion = &v
		}
		tr.Type = models.TransitionType(typ)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// StateStats summarizes stored agent state.
func (s *Store) StateStats(ctx context.Context) (*models.StateStats, error) {
	stats := &models.StateStats{AgentVersions: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT agent_id, MAX(version), COUNT(*) FROM agent_states GROUP BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("query state stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var agentID string
		var latest, count int
		if err := rows.Scan(&agentID, &latest, &count); err != nil {
			return nil, fmt.Errorf("scan state stats: %w", err)
		}
		stats.AgentVersions[agentID] = latest
		stats.TotalAgents++
		stats.TotalStates += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM state_transitions WHERE transition_type = ?`, models.TransitionRestore,
	).Scan(&stats.TotalRestores); err != nil {
		return nil, fmt.Errorf("count restores: %w", err)
	}
	return stats, nil
}

func insertTransitionTx(ctx context.Context, tx *sql.Tx, agentID string, from *int, to int, typ models.TransitionType, at time.Time) error {
	var fromVal sql.NullInt64
	if from != nil {
		fromVal = sql.NullInt64{Int64: int64(*from), Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO state_transitions (agent_id, from_version, to_version, transition_type, timestamp) VALUES (?, ?, ?, ?, ?)`,
		agentID, fromVal, to, typ, at,
	); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}
