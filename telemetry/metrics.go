package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Task outcome labels
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
	StatusRetry  = "retry"
)

// Metrics holds the operational instruments. A nil *Metrics records nothing.
type Metrics struct {
	tasksExecuted     metric.Int64Counter
	taskDuration      metric.Float64Histogram
	stateTransitions  metric.Int64Counter
	throttleDecisions metric.Int64Counter
	usagePushes       metric.Int64Counter
	dispatched        metric.Int64Counter
	queueDepth        metric.Int64Gauge
}

// NewMetrics creates instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	if err := m.initCounters(meter); err != nil {
		return nil, err
	}

	var err error
	m.taskDuration, err = meter.Float64Histogram(
		"conductor.task.duration",
		metric.WithDescription("Duration of background task executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.queueDepth, err = meter.Int64Gauge(
		"conductor.queue.depth",
		metric.WithDescription("Jobs waiting in the queue"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) initCounters(meter metric.Meter) error {
	var err error

	m.tasksExecuted, err = meter.Int64Counter(
		"conductor.tasks.executed.total",
		metric.WithDescription("Background task executions by outcome"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return err
	}

	m.stateTransitions, err = meter.Int64Counter(
		"conductor.state.transitions.total",
		metric.WithDescription("Resource state transitions applied"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return err
	}

	m.throttleDecisions, err = meter.Int64Counter(
		"conductor.throttle.decisions.total",
		metric.WithDescription("Provisioning admission decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}

	m.usagePushes, err = meter.Int64Counter(
		"conductor.usage.pushes.total",
		metric.WithDescription("Usage pushes to the billing backend"),
		metric.WithUnit("{push}"),
	)
	if err != nil {
		return err
	}

	m.dispatched, err = meter.Int64Counter(
		"conductor.reconcile.dispatched.total",
		metric.WithDescription("Pull tasks dispatched by the scheduler"),
		metric.WithUnit("{task}"),
	)
	return err
}

// RecordTask records one task execution
func (m *Metrics) RecordTask(ctx context.Context, task, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("task", task),
		attribute.String("status", status),
	)
	m.tasksExecuted.Add(ctx, 1, attrs)
	m.taskDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordTransition records a resource state change
func (m *Metrics) RecordTransition(ctx context.Context, kind, from, to string) {
	if m == nil {
		return
	}
	m.stateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource.kind", kind),
		attribute.String("state.from", from),
		attribute.String("state.to", to),
	))
}

// RecordThrottle records an admission decision for a scope
func (m *Metrics) RecordThrottle(ctx context.Context, scope string, admitted bool) {
	if m == nil {
		return
	}
	decision := "throttled"
	if admitted {
		decision = "admitted"
	}
	m.throttleDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("decision", decision),
	))
}

// RecordUsagePush records a usage push outcome
func (m *Metrics) RecordUsagePush(ctx context.Context, kind, status string) {
	if m == nil {
		return
	}
	m.usagePushes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource.kind", kind),
		attribute.String("status", status),
	))
}

// RecordDispatched records pull tasks dispatched for a group
func (m *Metrics) RecordDispatched(ctx context.Context, group string, count int) {
	if m == nil {
		return
	}
	m.dispatched.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("group", group),
	))
}

// RecordQueueDepth records the current queue length
func (m *Metrics) RecordQueueDepth(ctx context.Context, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Record(ctx, int64(depth))
}
