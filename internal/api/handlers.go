// Package api contains the HTTP handlers for the wizard service.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"pkt.systems/pslog"

	"mcp-forge/backend/internal/tenant"
	"mcp-forge/backend/internal/workflow"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains the unauthenticated operational endpoints.
type Handler struct {
	db      Pinger
	version string
}

// NewHandler creates a new Handler. db may be nil when no database is used.
func NewHandler(db Pinger, version string) *Handler {
	return &Handler{db: db, version: version}
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Database  string    `json:"database,omitempty"`
}

// HandleHealth reports liveness and, when configured, database reachability.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "mcp-forge",
		Version:   h.version,
	}
	code := http.StatusOK
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			pslog.Ctx(ctx).Warn("health check: database unreachable", "err", err)
			status.Status = "degraded"
			status.Database = "unreachable"
			code = http.StatusServiceUnavailable
		} else {
			status.Database = "ok"
		}
	}
	return c.JSON(code, status)
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	Instance  string `json:"instance,omitempty"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// writeError writes an RFC 7807 Problem Details JSON error response
func writeError(c echo.Context, status int, title, detail string) error {
	problem := ProblemDetails{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	}
	return c.JSON(status, problem)
}

// writeDomainError maps an orchestrator error onto a problem response.
func writeDomainError(c echo.Context, err error) error {
	status := statusFor(err)
	problem := ProblemDetails{
		Type:     "about:blank",
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   err.Error(),
		Instance: c.Request().URL.Path,
	}
	var be *workflow.BackendError
	if errors.As(err, &be) {
		problem.Code = be.Code
		problem.Retryable = be.Retryable
	}
	if status >= http.StatusInternalServerError {
		pslog.Ctx(c.Request().Context()).Error("request failed", "path", c.Path(), "status", status, "err", err)
	}
	return c.JSON(status, problem)
}

func statusFor(err error) int {
	var be *workflow.BackendError
	var te *workflow.TransportError
	switch {
	case errors.Is(err, workflow.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrIllegalTransition), errors.Is(err, tenant.ErrStaleScope):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrTenantMismatch):
		return http.StatusForbidden
	case errors.Is(err, workflow.ErrNoActiveTenant):
		return http.StatusUnauthorized
	case errors.As(err, &be):
		switch be.Status {
		case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict:
			return be.Status
		case http.StatusTooManyRequests:
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case errors.As(err, &te):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
