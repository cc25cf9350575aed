// Package audit provides PDR (Process Decision Record) writing for commentops.
//
// Every decision that changes system state (a scheduled task dispatch, an
// executed remediation action, a state restore) leaves one record whose
// inputs are identified by a SHA-256 hash.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/fentz26/commentops/internal/logging"
	"github.com/fentz26/commentops/internal/models"
	"github.com/fentz26/commentops/internal/store"
)

// Outcome values used across the system.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
	OutcomeDryRun   = "dry_run"
)

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	store  *store.Store
	logger *slog.Logger
}

// NewPDRWriter creates a new PDR writer. A nil logger discards write failures.
func NewPDRWriter(s *store.Store, logger *slog.Logger) *PDRWriter {
	return &PDRWriter{store: s, logger: logging.Component(logger, "audit")}
}

// Record writes a PDR entry for a state-mutating decision.
func (w *PDRWriter) Record(action string, inputs interface{}, outcome, subject, details string) (*models.PDREntry, error) {
	return w.store.WritePDR(action, HashInputs(inputs), outcome, subject, details)
}

// RecordQuietly writes a PDR entry and logs instead of returning a failure.
// Callers use it where the audit trail must never abort the decision itself.
func (w *PDRWriter) RecordQuietly(action string, inputs interface{}, outcome, subject, details string) {
	if w == nil {
		return
	}
	if _, err := w.Record(action, inputs, outcome, subject, details); err != nil {
		w.logger.Warn("failed to write PDR", "action", action, "subject", subject, "error", err)
	}
}

// Recent returns the latest records, optionally filtered by action.
func (w *PDRWriter) Recent(ctx context.Context, action string, limit int) ([]models.PDREntry, error) {
	return w.store.ListPDR(ctx, action, limit)
}

// HashInputs creates a SHA256 hash of the inputs for reproducibility.
func HashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
