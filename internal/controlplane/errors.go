package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/conductor/internal/orchestrator"
	"github.com/fentz26/conductor/internal/store"
	"github.com/fentz26/conductor/internal/supervisor"
)

// Sentinel errors for control plane operations.
var (
	ErrInvalidPrompt  = errors.New("prompt must be between 20 and 2000 characters")
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidEvent   = errors.New("invalid event")
)

// httpStatus maps an error to the response status.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidPrompt),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInvalidEvent),
		errors.Is(err, orchestrator.ErrInvalidPlan),
		errors.Is(err, store.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrSessionTerminal),
		errors.Is(err, store.ErrSessionClosed),
		errors.Is(err, store.ErrSequenceConflict),
		errors.Is(err, store.ErrDuplicate),
		errors.Is(err, store.ErrDependencyIncomplete),
		errors.Is(err, supervisor.ErrNotRunning),
		errors.Is(err, supervisor.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, errors.ErrUnsupported):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}
