package listener

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ListenerMetrics defines metrics operations needed by the registry and the
// reconciliation manager.
type ListenerMetrics interface {
	IncContainersCreated(ctx context.Context)
	IncContainerCreateErrors(ctx context.Context)
	IncContainersRetired(ctx context.Context)
	IncContainerTeardownErrors(ctx context.Context)
	SetActiveContainers(ctx context.Context, n int)
	IncConsumerErrors(ctx context.Context)

	IncTicks(ctx context.Context)
	IncTicksSkipped(ctx context.Context, reason string)
	ObserveTickDuration(ctx context.Context, d time.Duration)
}

type listenerMetrics struct {
	containersCreated metric.Int64Counter
	createErrors      metric.Int64Counter
	containersRetired metric.Int64Counter
	teardownErrors    metric.Int64Counter
	activeContainers  metric.Int64Gauge
	consumerErrors    metric.Int64Counter
	ticks             metric.Int64Counter
	ticksSkipped      metric.Int64Counter
	tickDuration      metric.Float64Histogram
}

const namespace = "listener_manager"

// NewListenerMetrics creates the listener instruments on mp.
func NewListenerMetrics(mp metric.MeterProvider) (*listenerMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(listenerMetrics)
	var err error

	if m.containersCreated, err = meter.Int64Counter(
		"containers_created_total",
		metric.WithDescription("Total number of listener containers created and started"),
	); err != nil {
		return nil, err
	}

	if m.createErrors, err = meter.Int64Counter(
		"container_create_errors_total",
		metric.WithDescription("Total number of listener containers that failed to create or start"),
	); err != nil {
		return nil, err
	}

	if m.containersRetired, err = meter.Int64Counter(
		"containers_retired_total",
		metric.WithDescription("Total number of listener containers stopped and removed"),
	); err != nil {
		return nil, err
	}

	if m.teardownErrors, err = meter.Int64Counter(
		"container_teardown_errors_total",
		metric.WithDescription("Total number of failed stop or shutdown calls"),
	); err != nil {
		return nil, err
	}

	if m.activeContainers, err = meter.Int64Gauge(
		"active_containers",
		metric.WithDescription("Listener containers currently registered"),
	); err != nil {
		return nil, err
	}

	if m.consumerErrors, err = meter.Int64Counter(
		"consumer_errors_total",
		metric.WithDescription("Total number of errors raised by running consumers"),
	); err != nil {
		return nil, err
	}

	if m.ticks, err = meter.Int64Counter(
		"reconciliation_ticks_total",
		metric.WithDescription("Total number of completed reconciliation ticks"),
	); err != nil {
		return nil, err
	}

	if m.ticksSkipped, err = meter.Int64Counter(
		"reconciliation_ticks_skipped_total",
		metric.WithDescription("Total number of reconciliation ticks skipped"),
	); err != nil {
		return nil, err
	}

	if m.tickDuration, err = meter.Float64Histogram(
		"reconciliation_tick_duration_seconds",
		metric.WithDescription("Time taken by one reconciliation tick"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *listenerMetrics) IncContainersCreated(ctx context.Context) { m.containersCreated.Add(ctx, 1) }
func (m *listenerMetrics) IncContainerCreateErrors(ctx context.Context) {
	m.createErrors.Add(ctx, 1)
}
func (m *listenerMetrics) IncContainersRetired(ctx context.Context) { m.containersRetired.Add(ctx, 1) }
func (m *listenerMetrics) IncContainerTeardownErrors(ctx context.Context) {
	m.teardownErrors.Add(ctx, 1)
}
func (m *listenerMetrics) SetActiveContainers(ctx context.Context, n int) {
	m.activeContainers.Record(ctx, int64(n))
}
func (m *listenerMetrics) IncConsumerErrors(ctx context.Context) { m.consumerErrors.Add(ctx, 1) }
func (m *listenerMetrics) IncTicks(ctx context.Context)          { m.ticks.Add(ctx, 1) }

func (m *listenerMetrics) IncTicksSkipped(ctx context.Context, reason string) {
	m.ticksSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *listenerMetrics) ObserveTickDuration(ctx context.Context, d time.Duration) {
	m.tickDuration.Record(ctx, d.Seconds())
}
