// Package telemetry holds the OpenTelemetry metric instruments, tracing setup
// and Server-Timing helpers used across gapscout.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope for gapscout metrics.
const MeterName = "github.com/kiranshivaraju/gapscout"

// QueueObserver reports the current queue depth for the observable gauges.
type QueueObserver func(ctx context.Context) (queued, processing int64, err error)

// Metrics holds the job lifecycle instruments.
type Metrics struct {
	meter         metric.Meter
	admitted      metric.Int64Counter
	rejected      metric.Int64Counter
	finished      metric.Int64Counter
	taskDuration  metric.Float64Histogram
	recovered     metric.Int64Counter
	quotaReleased metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with the given MeterProvider.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	meter := mp.Meter(MeterName)
	m := &Metrics{meter: meter}

	// Instrument creation only fails on invalid parameters; fall back to bare
	// instruments so recording never has to nil-check.
	var err error

	m.admitted, err = meter.Int64Counter(
		"gapscout.jobs.admitted",
		metric.WithDescription("Jobs accepted into the queue"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.admitted, _ = meter.Int64Counter("gapscout.jobs.admitted")
	}

	m.rejected, err = meter.Int64Counter(
		"gapscout.jobs.rejected",
		metric.WithDescription("Submissions refused at admission"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.rejected, _ = meter.Int64Counter("gapscout.jobs.rejected")
	}

	m.finished, err = meter.Int64Counter(
		"gapscout.jobs.finished",
		metric.WithDescription("Jobs that reached a terminal status"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.finished, _ = meter.Int64Counter("gapscout.jobs.finished")
	}

	m.taskDuration, err = meter.Float64Histogram(
		"gapscout.task.duration",
		metric.WithDescription("Wall-clock duration of task attempts in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.taskDuration, _ = meter.Float64Histogram("gapscout.task.duration")
	}

	m.recovered, err = meter.Int64Counter(
		"gapscout.recovery.jobs",
		metric.WithDescription("Stale jobs handled by the recovery sweep"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.recovered, _ = meter.Int64Counter("gapscout.recovery.jobs")
	}

	m.quotaReleased, err = meter.Int64Counter(
		"gapscout.quota.released",
		metric.WithDescription("Quota units returned for failed jobs"),
		metric.WithUnit("{analysis}"),
	)
	if err != nil {
		m.quotaReleased, _ = meter.Int64Counter("gapscout.quota.released")
	}

	return m
}

// NewNoopMetrics returns Metrics backed by a no-op provider.
func NewNoopMetrics() *Metrics {
	return NewMetrics(noop.NewMeterProvider())
}

// ObserveQueue registers gauges for queue length and active jobs, read from
// fn on every collection.
func (m *Metrics) ObserveQueue(fn QueueObserver) error {
	queued, err := m.meter.Int64ObservableGauge(
		"gapscout.queue.length",
		metric.WithDescription("Jobs waiting in the queue"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}
	active, err := m.meter.Int64ObservableGauge(
		"gapscout.queue.active",
		metric.WithDescription("Jobs currently processing"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}

	_, err = m.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		q, p, err := fn(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(queued, q)
		o.ObserveInt64(active, p)
		return nil
	}, queued, active)
	return err
}

// RecordAdmitted records an accepted submission.
func (m *Metrics) RecordAdmitted(ctx context.Context, tier string) {
	m.admitted.Add(ctx, 1, metric.WithAttributes(attribute.String("quota.tier", tier)))
}

// RecordRejected records a refused submission. reason is a stable error code.
func (m *Metrics) RecordRejected(ctx context.Context, reason string) {
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordFinished records a terminal transition applied by the scheduler.
func (m *Metrics) RecordFinished(ctx context.Context, task, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("task", task),
		attribute.String("outcome", outcome),
	)
	m.finished.Add(ctx, 1, attrs)
	m.taskDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordRecovered records jobs handled by a recovery sweep. action is
// "requeued" or "failed".
func (m *Metrics) RecordRecovered(ctx context.Context, action string, n int) {
	if n <= 0 {
		return
	}
	m.recovered.Add(ctx, int64(n), metric.WithAttributes(attribute.String("action", action)))
}

// RecordQuotaReleased records quota units handed back to users.
func (m *Metrics) RecordQuotaReleased(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	m.quotaReleased.Add(ctx, int64(n))
}
