// Package connectors defines how commentops reaches external training tools.
package connectors

import (
	"context"
	"time"
)

// ExecResult is the outcome of one training run.
type ExecResult struct {
	Model    string        `json:"model,omitempty"`
	Command  string        `json:"command"`
	Args     []string      `json:"args"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Trainer retrains a model by its type name (for example "sentiment").
// Implementations return the result even when the run fails so callers can
// log its output.
type Trainer interface {
	Train(ctx context.Context, model string) (*ExecResult, error)
}
