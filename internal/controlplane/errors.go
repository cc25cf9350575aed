package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/commentops/internal/state"
)

// Sentinel errors for control plane operations.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("resource not found")
	ErrShuttingDown   = errors.New("coordinator is shutting down")
)

// statusFor maps a service error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound),
		errors.Is(err, state.ErrStateNotFound),
		errors.Is(err, state.ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
