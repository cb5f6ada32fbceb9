// Package metrics exposes OpenTelemetry instruments for the retention engine.
//
// Instruments are created from a metric.Meter so the binary decides where they
// go. Without an SDK installed otel.Meter returns a no-op meter and every
// recording is free. All methods are safe on a nil *Metrics.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the meter and tracer name used across the module.
const InstrumentationName = "github.com/thebtf/retention"

// Metrics holds the engine's counters and histograms.
type Metrics struct {
	clientsRecomputed metric.Int64Counter
	recomputeFailures metric.Int64Counter
	alertsOpened      metric.Int64Counter
	alertTransitions  metric.Int64Counter
	outcomesApplied   metric.Int64Counter
	conflicts         metric.Int64Counter
	runDuration       metric.Float64Histogram
	eventsDropped     metric.Int64Counter
}

// New creates the instruments on the given meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.clientsRecomputed, err = meter.Int64Counter("retention.recompute.clients",
		metric.WithDescription("Clients rescored by the recomputation job"),
		metric.WithUnit("{client}")); err != nil {
		return nil, fmt.Errorf("recompute clients counter: %w", err)
	}
	if m.recomputeFailures, err = meter.Int64Counter("retention.recompute.failures",
		metric.WithDescription("Clients skipped because their recomputation failed"),
		metric.WithUnit("{client}")); err != nil {
		return nil, fmt.Errorf("recompute failures counter: %w", err)
	}
	if m.alertsOpened, err = meter.Int64Counter("retention.alerts.opened",
		metric.WithDescription("Risk alerts opened on upward tier crossings"),
		metric.WithUnit("{alert}")); err != nil {
		return nil, fmt.Errorf("alerts opened counter: %w", err)
	}
	if m.alertTransitions, err = meter.Int64Counter("retention.alerts.transitions",
		metric.WithDescription("Alert lifecycle transitions that changed state"),
		metric.WithUnit("{transition}")); err != nil {
		return nil, fmt.Errorf("alert transitions counter: %w", err)
	}
	if m.outcomesApplied, err = meter.Int64Counter("retention.outcomes.applied",
		metric.WithDescription("Call outcomes and manual overrides written to the ledger"),
		metric.WithUnit("{outcome}")); err != nil {
		return nil, fmt.Errorf("outcomes counter: %w", err)
	}
	if m.conflicts, err = meter.Int64Counter("retention.state.conflicts",
		metric.WithDescription("Optimistic concurrency conflicts on client risk state"),
		metric.WithUnit("{conflict}")); err != nil {
		return nil, fmt.Errorf("conflicts counter: %w", err)
	}
	if m.runDuration, err = meter.Float64Histogram("retention.recompute.duration",
		metric.WithDescription("Wall time of a full recomputation run"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("run duration histogram: %w", err)
	}
	if m.eventsDropped, err = meter.Int64Counter("retention.events.dropped",
		metric.WithDescription("Outbound events dropped because the bus was full"),
		metric.WithUnit("{event}")); err != nil {
		return nil, fmt.Errorf("events dropped counter: %w", err)
	}
	return m, nil
}

// NewGlobal creates the instruments on the globally registered meter provider.
func NewGlobal() (*Metrics, error) {
	return New(otel.Meter(InstrumentationName))
}

// ClientRecomputed records one rescored client.
func (m *Metrics) ClientRecomputed(ctx context.Context, changed bool) {
	if m == nil {
		return
	}
	m.clientsRecomputed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("changed", changed)))
}

// RecomputeFailed records one client skipped by a run.
func (m *Metrics) RecomputeFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.recomputeFailures.Add(ctx, 1)
}

// AlertOpened records a new alert in the given tier.
func (m *Metrics) AlertOpened(ctx context.Context, category string) {
	if m == nil {
		return
	}
	m.alertsOpened.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// AlertTransition records an alert moving to status.
func (m *Metrics) AlertTransition(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.alertTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// OutcomeApplied records a ledger write for an outcome category.
func (m *Metrics) OutcomeApplied(ctx context.Context, category string) {
	if m == nil {
		return
	}
	m.outcomesApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// Conflict records a lost compare-and-swap.
func (m *Metrics) Conflict(ctx context.Context) {
	if m == nil {
		return
	}
	m.conflicts.Add(ctx, 1)
}

// RunFinished records the duration of a recomputation run.
func (m *Metrics) RunFinished(ctx context.Context, elapsed time.Duration, interrupted bool) {
	if m == nil {
		return
	}
	m.runDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.Bool("interrupted", interrupted)))
}

// EventDropped records an outbound event lost to backpressure.
func (m *Metrics) EventDropped(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}
