// Package observability exposes the OpenTelemetry instruments recorded by the
// wizard orchestrator.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "mcp-forge/backend"

// Metrics groups the counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	transitions   metric.Int64Counter
	pollReads     metric.Int64Counter
	pollFailures  metric.Int64Counter
	staleDiscards metric.Int64Counter
	cacheLookups  metric.Int64Counter
	evictions     metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.transitions, err = meter.Int64Counter("wizard.transitions",
		metric.WithDescription("Workflow transitions issued, by transition and outcome")); err != nil {
		return nil, err
	}
	if m.pollReads, err = meter.Int64Counter("wizard.poll.reads",
		metric.WithDescription("State reads issued by the polling engine")); err != nil {
		return nil, err
	}
	if m.pollFailures, err = meter.Int64Counter("wizard.poll.failures",
		metric.WithDescription("Failed polling reads")); err != nil {
		return nil, err
	}
	if m.staleDiscards, err = meter.Int64Counter("wizard.stale_discards",
		metric.WithDescription("Responses dropped because a newer sequence or scope superseded them")); err != nil {
		return nil, err
	}
	if m.cacheLookups, err = meter.Int64Counter("wizard.cache.lookups",
		metric.WithDescription("Tenant cache lookups, by result")); err != nil {
		return nil, err
	}
	if m.evictions, err = meter.Int64Counter("wizard.cache.evictions",
		metric.WithDescription("Entries evicted on tenant switch")); err != nil {
		return nil, err
	}
	return &m, nil
}

// Default builds metrics on the global meter provider.
func Default() *Metrics {
	m, err := NewMetrics(otel.Meter(instrumentationName))
	if err != nil {
		otel.Handle(err)
		return nil
	}
	return m
}

func (m *Metrics) Transition(ctx context.Context, name, outcome string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transition", name),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) PollRead(ctx context.Context) {
	if m == nil {
		return
	}
	m.pollReads.Add(ctx, 1)
}

func (m *Metrics) PollFailure(ctx context.Context, transient bool) {
	if m == nil {
		return
	}
	m.pollFailures.Add(ctx, 1, metric.WithAttributes(attribute.Bool("transient", transient)))
}

func (m *Metrics) StaleDiscard(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.staleDiscards.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) CacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) Evicted(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.evictions.Add(ctx, int64(n))
}
