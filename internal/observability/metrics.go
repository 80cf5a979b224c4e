package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests, runs, steps and lock waits take
// - Traffic: Request/run throughput
// - Errors: Rate of failures
// - Saturation: Concurrent runs, held locks, queued events
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Run metrics (Latency, Traffic, Errors, Saturation)
	RunDuration    metric.Float64Histogram
	RunsTotal      metric.Int64Counter
	RunsFinished   metric.Int64Counter
	RunErrorsTotal metric.Int64Counter
	RunsActive     metric.Int64UpDownCounter

	// Step metrics
	StepDuration    metric.Float64Histogram
	StepErrorsTotal metric.Int64Counter

	// Lock metrics
	LockWaitDuration metric.Float64Histogram
	LockTimeouts     metric.Int64Counter

	// Trigger metrics
	TriggerEvents metric.Int64Counter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration   metric.Float64Histogram
	DispatcherDelivered  metric.Int64Counter
	DispatcherFailed     metric.Int64Counter
	DispatcherDropped    metric.Int64Counter
	DispatcherRequeued   metric.Int64Counter
	DispatcherQueueSize  metric.Int64Gauge
	DispatcherBufferSize int64 // config value for saturation calculation
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("ciengine")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Run metrics
	m.RunDuration, err = meter.Float64Histogram(
		"run_duration_seconds",
		metric.WithDescription("Run execution duration in seconds, from start to terminal state"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RunsTotal, err = meter.Int64Counter(
		"runs_total",
		metric.WithDescription("Total number of runs enqueued"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RunsFinished, err = meter.Int64Counter(
		"runs_finished_total",
		metric.WithDescription("Total number of runs reaching a terminal state"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RunErrorsTotal, err = meter.Int64Counter(
		"run_errors_total",
		metric.WithDescription("Total number of failed runs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RunsActive, err = meter.Int64UpDownCounter(
		"runs_active",
		metric.WithDescription("Number of currently running runs (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Step metrics
	m.StepDuration, err = meter.Float64Histogram(
		"step_duration_seconds",
		metric.WithDescription("Step execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 300, 900),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StepErrorsTotal, err = meter.Int64Counter(
		"step_errors_total",
		metric.WithDescription("Total number of failed steps"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Lock metrics
	m.LockWaitDuration, err = meter.Float64Histogram(
		"lock_wait_duration_seconds",
		metric.WithDescription("Time runs waited for resource locks"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 1, 10, 60, 300, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.LockTimeouts, err = meter.Int64Counter(
		"lock_timeouts_total",
		metric.WithDescription("Total number of lock waits that timed out"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trigger metrics
	m.TriggerEvents, err = meter.Int64Counter(
		"trigger_events_total",
		metric.WithDescription("VCS changes evaluated by triggers, by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordRunQueued records a run being enqueued.
func (m *Metrics) RecordRunQueued(ctx context.Context, definitionID string) {
	m.RunsTotal.Add(ctx, 1, metric.WithAttributes(definitionAttr(definitionID)))
}

// RecordRunStarted records a run leaving the queue.
func (m *Metrics) RecordRunStarted(ctx context.Context, definitionID string) {
	m.RunsActive.Add(ctx, 1, metric.WithAttributes(definitionAttr(definitionID)))
}

// RecordRunFinished records a run reaching a terminal state. Runs that never
// started have a zero duration and did not count as active.
func (m *Metrics) RecordRunFinished(ctx context.Context, definitionID, state string, durationSeconds float64) {
	attrs := metric.WithAttributes(definitionAttr(definitionID), stateAttr(state))
	m.RunsFinished.Add(ctx, 1, attrs)
	if durationSeconds > 0 {
		m.RunDuration.Record(ctx, durationSeconds, attrs)
		m.RunsActive.Add(ctx, -1, metric.WithAttributes(definitionAttr(definitionID)))
	}
	if state == "failed" {
		m.RunErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordStep records one executed step.
func (m *Metrics) RecordStep(ctx context.Context, stepType, status string, durationSeconds float64) {
	attrs := metric.WithAttributes(stepTypeAttr(stepType), statusNameAttr(status))
	m.StepDuration.Record(ctx, durationSeconds, attrs)
	if status == "failed" {
		m.StepErrorsTotal.Add(ctx, 1, metric.WithAttributes(stepTypeAttr(stepType)))
	}
}

// RecordLockAcquired records a granted lock and how long it was waited for.
func (m *Metrics) RecordLockAcquired(ctx context.Context, name, mode string, waitSeconds float64) {
	m.LockWaitDuration.Record(ctx, waitSeconds, metric.WithAttributes(lockAttr(name), modeAttr(mode)))
}

// RecordLockTimeout records a lock wait that timed out.
func (m *Metrics) RecordLockTimeout(ctx context.Context, name, mode string) {
	m.LockTimeouts.Add(ctx, 1, metric.WithAttributes(lockAttr(name), modeAttr(mode)))
}

// RecordTriggerEvent records the outcome of a trigger evaluating a change.
func (m *Metrics) RecordTriggerEvent(ctx context.Context, definitionID, outcome string) {
	m.TriggerEvents.Add(ctx, 1, metric.WithAttributes(definitionAttr(definitionID), outcomeAttr(outcome)))
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
