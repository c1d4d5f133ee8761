package producer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// ProducerMetrics defines metrics operations needed by the looping producer.
type ProducerMetrics interface {
	IncTasksPushed(ctx context.Context)
	IncPushErrors(ctx context.Context)
	IncThrottled(ctx context.Context)
	IncMorselsCompleted(ctx context.Context)
	IncMorselsSkipped(ctx context.Context)
	IncPassesStarted(ctx context.Context)
	ObservePassDuration(ctx context.Context, d time.Duration)
	SetPendingMorsels(ctx context.Context, n int)
}

type producerMetrics struct {
	tasksPushed      metric.Int64Counter
	pushErrors       metric.Int64Counter
	throttled        metric.Int64Counter
	morselsCompleted metric.Int64Counter
	morselsSkipped   metric.Int64Counter
	passesStarted    metric.Int64Counter
	passDuration     metric.Float64Histogram
	pendingMorsels   metric.Int64Gauge
}

const namespace = "producer"

// NewProducerMetrics creates the producer's instruments on mp.
func NewProducerMetrics(mp metric.MeterProvider) (*producerMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(producerMetrics)
	var err error

	if m.tasksPushed, err = meter.Int64Counter(
		"tasks_pushed_total",
		metric.WithDescription("Total number of tasks accepted by the task queue"),
	); err != nil {
		return nil, err
	}

	if m.pushErrors, err = meter.Int64Counter(
		"task_push_errors_total",
		metric.WithDescription("Total number of task pushes rejected by the task queue"),
	); err != nil {
		return nil, err
	}

	if m.throttled, err = meter.Int64Counter(
		"throttled_total",
		metric.WithDescription("Total number of times production paused on a full queue"),
	); err != nil {
		return nil, err
	}

	if m.morselsCompleted, err = meter.Int64Counter(
		"morsels_completed_total",
		metric.WithDescription("Total number of morsels drained and checkpointed"),
	); err != nil {
		return nil, err
	}

	if m.morselsSkipped, err = meter.Int64Counter(
		"morsels_skipped_total",
		metric.WithDescription("Total number of morsels skipped after an expansion failure"),
	); err != nil {
		return nil, err
	}

	if m.passesStarted, err = meter.Int64Counter(
		"passes_started_total",
		metric.WithDescription("Total number of scan passes started"),
	); err != nil {
		return nil, err
	}

	if m.passDuration, err = meter.Float64Histogram(
		"pass_duration_seconds",
		metric.WithDescription("Time from pass start to its last morsel being drained"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.pendingMorsels, err = meter.Int64Gauge(
		"pending_morsels",
		metric.WithDescription("Morsels remaining in the current pass"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *producerMetrics) IncTasksPushed(ctx context.Context)      { m.tasksPushed.Add(ctx, 1) }
func (m *producerMetrics) IncPushErrors(ctx context.Context)       { m.pushErrors.Add(ctx, 1) }
func (m *producerMetrics) IncThrottled(ctx context.Context)        { m.throttled.Add(ctx, 1) }
func (m *producerMetrics) IncMorselsCompleted(ctx context.Context) { m.morselsCompleted.Add(ctx, 1) }
func (m *producerMetrics) IncMorselsSkipped(ctx context.Context)   { m.morselsSkipped.Add(ctx, 1) }
func (m *producerMetrics) IncPassesStarted(ctx context.Context)    { m.passesStarted.Add(ctx, 1) }

func (m *producerMetrics) ObservePassDuration(ctx context.Context, d time.Duration) {
	m.passDuration.Record(ctx, d.Seconds())
}

func (m *producerMetrics) SetPendingMorsels(ctx context.Context, n int) {
	m.pendingMorsels.Record(ctx, int64(n))
}
