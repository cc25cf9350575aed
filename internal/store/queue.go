package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/commentops/internal/models"
)

// ErrMessageNotFound indicates no queue message has the given id.
var ErrMessageNotFound = errors.New("message not found")

// ErrInvalidTransition indicates a status change the message's current status forbids.
var ErrInvalidTransition = models.ErrInvalidTransition

// Queue audit log actions.
const (
	LogEnqueued   = "ENQUEUED"
	LogProcessing = "PROCESSING"
	LogCompleted  = "COMPLETED"
	LogRetry      = "RETRY"
	LogDeadLetter = "DEAD_LETTER"
	LogRejected   = "REJECTED"
	LogRecovered  = "RECOVERED"
)

const messageColumns = `id, topic, payload, priority, sender, recipient, idempotency_key, status,
	retry_count, max_retries, created_at, processed_at, error_message`

// InsertMessage stores a new pending message. It reports false without error
// when a message with the same idempotency key already exists.
func (s *Store) InsertMessage(ctx context.Context, m *models.PersistentMessage) (bool, error) {
	inserted := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, topic, payload, priority, sender, recipient, idempotency_key, status, retry_count, max_retries, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
			 ON CONFLICT(idempotency_key) DO NOTHING`,
			m.ID, m.Topic, string(m.Payload), m.Priority, m.Sender, nullString(m.Recipient),
			m.IdempotencyKey, models.MessageStatusPending, m.MaxRetries, m.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}
		inserted = true
		return insertLogTx(ctx, tx, m.ID, LogEnqueued, fmt.Sprintf("topic=%s priority=%d", m.Topic, m.Priority))
	})
	if err != nil {
		return false, err
	}
	if inserted {
		m.Status = models.MessageStatusPending
		m.RetryCount = 0
	}
	return inserted, nil
}

// ClaimMessages atomically selects up to limit eligible pending messages, highest
// priority first and oldest first within a priority, and marks them processing.
// Selection and update share one transaction, so concurrent callers never
// receive the same message.
func (s *Store) ClaimMessages(ctx context.Context, limit int) ([]models.PersistentMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []models.PersistentMessage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		claimed = claimed[:0]
		rows, err := tx.QueryContext(ctx,
			`SELECT `+messageColumns+` FROM messages
			 WHERE status = ? AND retry_count < max_retries
			 ORDER BY priority DESC, created_at ASC, rowid ASC
			 LIMIT ?`,
			models.MessageStatusPending, limit,
		)
		if err != nil {
			return fmt.Errorf("select pending messages: %w", err)
		}
		var candidates []models.PersistentMessage
		for rows.Next() {
			var m models.PersistentMessage
			if err := scanMessage(rows.Scan, &m); err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, m)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate pending messages: %w", err)
		}
		rows.Close()

		now := time.Now().UTC()
		for _, m := range candidates {
			next, err := m.Status.Claim()
			if err != nil {
				continue
			}
			result, err := tx.ExecContext(ctx,
				`UPDATE messages SET status = ?, processed_at = ? WHERE id = ? AND status = ?`,
				next, now, m.ID, m.Status,
			)
			if err != nil {
				return fmt.Errorf("claim message %s: %w", m.ID, err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("check rows affected: %w", err)
			}
			if n == 0 {
				continue
			}
			if err := insertLogTx(ctx, tx, m.ID, LogProcessing, ""); err != nil {
				return err
			}
			m.Status = next
			processedAt := now
			m.ProcessedAt = &processedAt
			claimed = append(claimed, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// GetMessage retrieves a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*models.PersistentMessage, error) {
	var m models.PersistentMessage
	err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id,
	).Scan, &m)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CompleteMessage marks a processing message completed.
func (s *Store) CompleteMessage(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, _, _, err := messageStatusTx(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := current.Complete()
		if err != nil {
			return fmt.Errorf("message %s: %w", id, err)
		}
		if err := guardedUpdateTx(ctx, tx, id, current,
			`UPDATE messages SET status = ?, processed_at = ? WHERE id = ? AND status = ?`,
			next, time.Now().UTC(), id, current,
		); err != nil {
			return err
		}
		return insertLogTx(ctx, tx, id, LogCompleted, "")
	})
}

// FailMessage records a failed attempt. The retry count grows by exactly one;
// the message returns to pending, or becomes dead_letter once the count reaches
// max_retries. It returns the resulting status and retry count.
func (s *Store) FailMessage(ctx context.Context, id, errMsg string) (models.MessageStatus, int, error) {
	var next models.MessageStatus
	var newCount int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, retryCount, maxRetries, err := messageStatusTx(ctx, tx, id)
		if err != nil {
			return err
		}
		newCount = retryCount + 1
		next, err = current.Fail(newCount, maxRetries)
		if err != nil {
			return fmt.Errorf("message %s: %w", id, err)
		}
		if err := guardedUpdateTx(ctx, tx, id, current,
			`UPDATE messages SET status = ?, retry_count = ?, error_message = ? WHERE id = ? AND status = ?`,
			next, newCount, errMsg, id, current,
		); err != nil {
			return err
		}
		if next == models.MessageStatusDeadLetter {
			return insertLogTx(ctx, tx, id, LogDeadLetter, fmt.Sprintf("max retries exceeded: %s", errMsg))
		}
		return insertLogTx(ctx, tx, id, LogRetry, fmt.Sprintf("attempt %d/%d: %s", newCount, maxRetries, errMsg))
	})
	if err != nil {
		return "", 0, err
	}
	return next, newCount, nil
}

// RejectMessage marks a message permanently failed without consuming retries.
func (s *Store) RejectMessage(ctx context.Context, id, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, _, _, err := messageStatusTx(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := current.Reject()
		if err != nil {
			return fmt.Errorf("message %s: %w", id, err)
		}
		if err := guardedUpdateTx(ctx, tx, id, current,
			`UPDATE messages SET status = ?, error_message = ? WHERE id = ? AND status = ?`,
			next, reason, id, current,
		); err != nil {
			return err
		}
		return insertLogTx(ctx, tx, id, LogRejected, reason)
	})
}

// RecoverMessages returns processing messages claimed before cutoff to pending
// so a consumer can claim them again. Retry counts are left untouched. It
// returns the ids of the recovered messages.
func (s *Store) RecoverMessages(ctx context.Context, cutoff time.Time) ([]string, error) {
	var recovered []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		recovered = recovered[:0]
		rows, err := tx.QueryContext(ctx,
			`SELECT id, processed_at FROM messages
			 WHERE status = ? AND (processed_at IS NULL OR processed_at < ?)
			 ORDER BY rowid ASC`,
			models.MessageStatusProcessing, cutoff.UTC(),
		)
		if err != nil {
			return fmt.Errorf("select stale messages: %w", err)
		}
		type stale struct {
			id        string
			claimedAt sql.NullTime
		}
		var candidates []stale
		for rows.Next() {
			var c stale
			if err := rows.Scan(&c.id, &c.claimedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale message: %w", err)
			}
			candidates = append(candidates, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate stale messages: %w", err)
		}
		rows.Close()

		for _, c := range candidates {
			current := models.MessageStatusProcessing
			next, err := current.Release()
			if err != nil {
				return err
			}
			if err := guardedUpdateTx(ctx, tx, c.id, current,
				`UPDATE messages SET status = ? WHERE id = ? AND status = ?`,
				next, c.id, current,
			); err != nil {
				return err
			}
			details := "claim abandoned"
			if c.claimedAt.Valid {
				details = fmt.Sprintf("claimed at %s", c.claimedAt.Time.UTC().Format(time.RFC3339))
			}
			if err := insertLogTx(ctx, tx, c.id, LogRecovered, details); err != nil {
				return err
			}
			recovered = append(recovered, c.id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recovered, nil
}

// MessageFilter narrows ListMessages.
type MessageFilter struct {
	Status models.MessageStatus
	Topic  string
	Since  time.Time
}

// ListMessages returns messages matching the filter, oldest first.
func (s *Store) ListMessages(ctx context.Context, f MessageFilter) ([]models.PersistentMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE 1 = 1`
	var args []interface{}

	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Topic != "" {
		query += ` AND topic = ?`
		args = append(args, f.Topic)
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UTC())
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []models.PersistentMessage
	for rows.Next() {
		var m models.PersistentMessage
		if err := scanMessage(rows.Scan, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MessageStats returns counts per status and the average retries of completed messages.
func (s *Store) MessageStats(ctx context.Context) (*models.QueueStats, error) {
	stats := &models.QueueStats{Counts: make(map[models.MessageStatus]int)}
	for _, st := range models.MessageStatuses {
		stats.Counts[st] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		stats.Counts[models.MessageStatus(status)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		`SELECT AVG(retry_count) FROM messages WHERE status = ?`, models.MessageStatusCompleted,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average retries: %w", err)
	}
	if avg.Valid {
		stats.AvgRetries = avg.Float64
	}
	return stats, nil
}

// PurgeMessages deletes completed messages processed before cutoff.
func (s *Store) PurgeMessages(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE status = ? AND processed_at < ?`,
			models.MessageStatusCompleted, cutoff.UTC(),
		)
		if err != nil {
			return fmt.Errorf("purge messages: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// MessageLog returns the audit entries of a message in insertion order.
func (s *Store) MessageLog(ctx context.Context, messageID string) ([]models.MessageLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, action, details, timestamp FROM message_log WHERE message_id = ? ORDER BY id ASC`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("query message log: %w", err)
	}
	defer rows.Close()

	var entries []models.MessageLogEntry
	for rows.Next() {
		var e models.MessageLogEntry
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.MessageID, &e.Action, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message log: %w", err)
		}
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func messageStatusTx(ctx context.Context, tx *sql.Tx, id string) (models.MessageStatus, int, int, error) {
	var status string
	var retryCount, maxRetries int
	err := tx.QueryRowContext(ctx,
		`SELECT status, retry_count, max_retries FROM messages WHERE id = ?`, id,
	).Scan(&status, &retryCount, &maxRetries)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, 0, ErrMessageNotFound
	}
	if err != nil {
		return "", 0, 0, fmt.Errorf("query message status: %w", err)
	}
	st, err := models.ParseMessageStatus(status)
	if err != nil {
		return "", 0, 0, err
	}
	return st, retryCount, maxRetries, nil
}

// guardedUpdateTx runs an UPDATE whose WHERE clause pins the expected status and
// fails when another writer changed the row first.
func guardedUpdateTx(ctx context.Context, tx *sql.Tx, id string, expected models.MessageStatus, query string, args ...interface{}) error {
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("message %s changed from %s concurrently: %w", id, expected, ErrInvalidTransition)
	}
	return nil
}

func insertLogTx(ctx context.Context, tx *sql.Tx, messageID, action, details string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO message_log (message_id, action, details, timestamp) VALUES (?, ?, ?, ?)`,
		messageID, action, nullString(details), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert message log: %w", err)
	}
	return nil
}

func scanMessage(scanFn func(dest ...any) error, m *models.PersistentMessage) error {
	var payload, status string
	var recipient, errMsg sql.NullString
	var processedAt sql.NullTime
	if err := scanFn(&m.ID, &m.Topic, &payload, &m.Priority, &m.Sender, &recipient, &m.IdempotencyKey,
		&status, &m.RetryCount, &m.MaxRetries, &m.CreatedAt, &processedAt, &errMsg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("scan message: %w", err)
	}
	m.Payload = []byte(payload)
	m.Status = models.MessageStatus(status)
	m.Recipient = recipient.String
	m.ErrorMessage = errMsg.String
	if processedAt.Valid {
		t := processedAt.Time
		m.ProcessedAt = &t
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
