package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"mcp-forge/backend/internal/tenant"
)

var (
	// ErrValidation marks bad or missing input to a transition. Never retried.
	ErrValidation = errors.New("invalid transition input")
	// ErrIllegalTransition marks a transition the instance's current step
	// does not allow.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrTenantMismatch marks an instance owned by a tenant other than the
	// active one. Fatal for the operation.
	ErrTenantMismatch = errors.New("workflow instance belongs to another tenant")
	// ErrNoActiveTenant is returned when no tenant scope is set.
	ErrNoActiveTenant = tenant.ErrNoActiveTenant
)

// BackendError is a failure reported by the generation backend.
type BackendError struct {
	Status    int
	Code      string
	Message   string
	Retryable bool
}

func (e *BackendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend error %d: %s", e.Status, e.Message)
}

// TransportError wraps a network-level failure talking to the backend.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying on the next poll.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Status == http.StatusTooManyRequests || be.Status >= http.StatusInternalServerError
	}
	return false
}

// IsOwnership reports whether err is a tenant or identity ownership failure.
func IsOwnership(err error) bool {
	return errors.Is(err, ErrTenantMismatch) || errors.Is(err, ErrNoActiveTenant)
}
