// Package logging wires the structured logger used across the service.
package logging

import (
	"context"
	"io"
	"log"
	"os"

	"pkt.systems/pslog"
)

type contextKey int

const (
	tenantKey contextKey = iota
	instanceKey
)

// NewLogger builds the process logger. Level and format can be overridden
// through the PSLOG_* environment variables.
func NewLogger() pslog.Logger {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stdout),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured}),
	)
	// route stray log.Printf calls (echo, pgx) through the same sink
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)
	return logger
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true})
}

// WithTenant annotates the context logger with the tenant id unless it is
// already present.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	if tenantID == "" {
		return ctx
	}
	if current, ok := ctx.Value(tenantKey).(string); ok && current == tenantID {
		return ctx
	}
	ctx = pslog.ContextWithLogger(ctx, pslog.Ctx(ctx).With("tenant", tenantID))
	return context.WithValue(ctx, tenantKey, tenantID)
}

// WithInstance annotates the context logger with a workflow instance id.
func WithInstance(ctx context.Context, instanceID string) context.Context {
	if instanceID == "" {
		return ctx
	}
	if current, ok := ctx.Value(instanceKey).(string); ok && current == instanceID {
		return ctx
	}
	ctx = pslog.ContextWithLogger(ctx, pslog.Ctx(ctx).With("instance", instanceID))
	return context.WithValue(ctx, instanceKey, instanceID)
}
