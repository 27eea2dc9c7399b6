package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "warden"

// Metrics holds all Warden metric instruments. A nil *Metrics records nothing.
type Metrics struct {
	DecisionsRecorded  metric.Int64Counter
	DecisionsResolved  metric.Int64Counter
	LeasesRevoked      metric.Int64Counter
	StepsConsumed      metric.Int64Counter
	ExecutionsBlocked  metric.Int64Counter
	Executions         metric.Int64Counter
	CoordinatorResults metric.Int64Counter
	ExecutionDuration  metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWith(otel.Meter(meterName))
}

// NewMetricsWith creates all metric instruments on meter.
func NewMetricsWith(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.DecisionsRecorded, "warden.decisions.recorded", "Decisions recorded, by outcome"},
		{&m.DecisionsResolved, "warden.decisions.resolved", "Decisions resolved, by status"},
		{&m.LeasesRevoked, "warden.leases.revoked", "Leases revoked, by reason"},
		{&m.StepsConsumed, "warden.lease.steps", "Lease steps consumed"},
		{&m.ExecutionsBlocked, "warden.executions.blocked", "Executions blocked by an invalid lease, by reason"},
		{&m.Executions, "warden.executions", "Executions run under a lease, by status"},
		{&m.CoordinatorResults, "warden.coordinator.results", "Coordinator results, by status"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", c.name, err)
		}
		*c.dst = counter
	}

	var err error
	m.ExecutionDuration, err = meter.Float64Histogram("warden.execution.duration_seconds",
		metric.WithDescription("Execution callback duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("metric warden.execution.duration_seconds: %w", err)
	}

	return m, nil
}

func (m *Metrics) DecisionRecorded(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.DecisionsRecorded.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) DecisionResolved(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.DecisionsResolved.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) LeaseRevoked(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.LeasesRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) StepConsumed(ctx context.Context) {
	if m == nil {
		return
	}
	m.StepsConsumed.Add(ctx, 1)
}

func (m *Metrics) ExecutionBlocked(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.ExecutionsBlocked.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) ExecutionFinished(ctx context.Context, status string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Executions.Add(ctx, 1, attrs)
	m.ExecutionDuration.Record(ctx, seconds, attrs)
}

func (m *Metrics) CoordinatorResult(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.CoordinatorResults.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
