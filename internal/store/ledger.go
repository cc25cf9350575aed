package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fentz26/commentops/internal/models"
)

// --- Action Ledger ---

// InsertAction appends an executed action to the ledger and sets rec.ID.
func (s *Store) InsertAction(ctx context.Context, rec *models.ActionRecord) error {
	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO action_ledger (action, result, success, timestamp) VALUES (?, ?, ?, ?)`,
			rec.Action, string(resultJSON), rec.Success, rec.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert action: %w", err)
		}
		rec.ID, err = res.LastInsertId()
		return err
	})
}

// RecentActions returns the last n actions in chronological order.
func (s *Store) RecentActions(ctx context.Context, n int) ([]models.ActionRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, result, success, timestamp FROM action_ledger ORDER BY id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var records []models.ActionRecord
	for rows.Next() {
		var rec models.ActionRecord
		var action, resultJSON string
		if err := rows.Scan(&rec.ID, &action, &resultJSON, &rec.Success, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		rec.Action = models.ActionKind(action)
		if err := json.Unmarshal([]byte(resultJSON), &rec.Result); err != nil {
			return nil, fmt.Errorf("decode action result %d: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// ActionCounts returns how many actions were recorded and how many succeeded,
// optionally restricted to one action kind.
func (s *Store) ActionCounts(ctx context.Context, kind models.ActionKind) (total, successes int, err error) {
	query := `SELECT COUNT(*), COALESCE(SUM(success), 0) FROM action_ledger`
	var args []interface{}
	if kind != "" {
		query += ` WHERE action = ?`
		args = append(args, kind)
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total, &successes); err != nil {
		return 0, 0, fmt.Errorf("count actions: %w", err)
	}
	return total, successes, nil
}

// --- Outcomes ---

// InsertOutcome records the metric movement attributed to an action and sets o.ID.
func (s *Store) InsertOutcome(ctx context.Context, o *models.Outcome) error {
	before, err := json.Marshal(o.MetricsBefore)
	if err != nil {
		return fmt.Errorf("marshal metrics before: %w", err)
	}
	after, err := json.Marshal(o.MetricsAfter)
	if err != nil {
		return fmt.Errorf("marshal metrics after: %w", err)
	}
	improvement, err := json.Marshal(o.Improvement)
	if err != nil {
		return fmt.Errorf("marshal improvement: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO action_outcomes (action_id, metrics_before, metrics_after, improvement, timestamp) VALUES (?, ?, ?, ?, ?)`,
			o.ActionID, string(before), string(after), string(improvement), o.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert outcome: %w", err)
		}
		o.ID, err = res.LastInsertId()
		return err
	})
}

// ListOutcomes returns the outcomes recorded for an action, oldest first.
func (s *Store) ListOutcomes(ctx context.Context, actionID int64) ([]models.Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action_id, metrics_before, metrics_after, improvement, timestamp FROM action_outcomes
		 WHERE action_id = ? ORDER BY id ASC`, actionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []models.Outcome
	for rows.Next() {
		var o models.Outcome
		var before, after, improvement string
		if err := rows.Scan(&o.ID, &o.ActionID, &before, &after, &improvement, &o.Timestamp); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		json.Unmarshal([]byte(before), &o.MetricsBefore)
		json.Unmarshal([]byte(after), &o.MetricsAfter)
		json.Unmarshal([]byte(improvement), &o.Improvement)
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountOutcomes returns the number of recorded outcomes.
func (s *Store) CountOutcomes(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM action_outcomes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outcomes: %w", err)
	}
	return n, nil
}
