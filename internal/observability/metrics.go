package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics. One instance is created per process
// and passed to every component that reports; nothing is registered globally.
type Metrics struct {
	meter    metric.Meter
	registry *prometheus.Registry
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
	role     string

	submitted *submittedSet

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics
	JobsSubmitted metric.Int64Counter
	JobsCompleted metric.Int64Counter
	JobsProcessed metric.Int64Counter
	JobEndToEnd   metric.Float64Histogram
	JobCompute    metric.Float64Histogram
	JobsActive    metric.Int64UpDownCounter
	JobsInStore   metric.Int64Gauge

	// Queue and worker metrics
	WorkerClaimed     metric.Int64Counter
	WorkerAcked       metric.Int64Counter
	WorkerReleased    metric.Int64Counter
	WorkerRedelivered metric.Int64Counter
	EnqueueFailed     metric.Int64Counter
	QueueDepth        metric.Int64Gauge
}

// NewMetrics creates all instruments and a Prometheus handler serving them.
func NewMetrics(ctx context.Context, cfg Config) (*Metrics, http.Handler, error) {
	cfg = cfg.withDefaults()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithoutTargetInfo(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithReader(reader),
	)

	meter := provider.Meter("tilemath")
	m := &Metrics{
		meter:    meter,
		registry: registry,
		reader:   reader,
		provider: provider,
		role:     cfg.Role,

		submitted: newSubmittedSet(cfg.TrackedSubmissions),
	}

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

	// Job metrics. Histograms carry no unit so the exported names stay *_ms.
	m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted",
		metric.WithDescription("Total jobs submitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsCompleted, err = meter.Int64Counter(
		"jobs_completed",
		metric.WithDescription("Total jobs submitted through this process that reached a terminal state"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsProcessed, err = meter.Int64Counter(
		"jobs_processed",
		metric.WithDescription("Total jobs finished here that were submitted through another process"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobEndToEnd, err = meter.Float64Histogram(
		"job_end_to_end_ms",
		metric.WithDescription("Time from submission to terminal state in milliseconds"),
		metric.WithExplicitBucketBoundaries(cfg.LatencyBucketsMs...),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobCompute, err = meter.Float64Histogram(
		"job_compute_ms",
		metric.WithDescription("Executor compute time in milliseconds"),
		metric.WithExplicitBucketBoundaries(cfg.LatencyBucketsMs...),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of jobs executing in this process (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsInStore, err = meter.Int64Gauge(
		"jobs_in_memory",
		metric.WithDescription("Number of job records held by the store"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Queue and worker metrics
	m.WorkerClaimed, err = meter.Int64Counter(
		"worker_claimed",
		metric.WithDescription("Total queue messages claimed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WorkerAcked, err = meter.Int64Counter(
		"worker_acked",
		metric.WithDescription("Total queue messages acknowledged"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WorkerReleased, err = meter.Int64Counter(
		"worker_released",
		metric.WithDescription("Total claims released for redelivery"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WorkerRedelivered, err = meter.Int64Counter(
		"worker_redelivered",
		metric.WithDescription("Total messages claimed more than once"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.EnqueueFailed, err = meter.Int64Counter(
		"queue_enqueue_failed",
		metric.WithDescription("Total jobs that could not be enqueued after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.QueueDepth, err = meter.Int64Gauge(
		"queue_depth",
		metric.WithDescription("Messages waiting in the queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m, handler, nil
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// WriteText writes the Prometheus text exposition of all metrics to w.
func (m *Metrics) WriteText(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Completion describes a job that reached a terminal state.
type Completion struct {
	JobID      string
	Op         string
	Dtype      string
	Simulate   bool
	State      string // DONE or FAILED
	EndToEndMs float64
	ComputeMs  *float64
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

// RecordJobSubmitted records an accepted submission of jobID.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, jobID, op, dtype string, simulate bool) {
	if m.role != RoleWorker {
		m.submitted.add(jobID)
	}
	m.JobsSubmitted.Add(ctx, 1, metric.WithAttributes(opAttr(op), dtypeAttr(dtype), simulateAttr(simulate)))
}

// RecordJobStarted records a job beginning execution in this process.
func (m *Metrics) RecordJobStarted(ctx context.Context, op, dtype string) {
	m.JobsActive.Add(ctx, 1, metric.WithAttributes(opAttr(op), dtypeAttr(dtype)))
}

// RecordJobStopped records a job leaving execution in this process.
func (m *Metrics) RecordJobStopped(ctx context.Context, op, dtype string) {
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(opAttr(op), dtypeAttr(dtype)))
}

// RecordJobCompleted records a terminal transition with its latencies.
// Jobs this process did not submit, such as those drained by a worker
// pool or failed by the reaper, count as jobs_processed.
func (m *Metrics) RecordJobCompleted(ctx context.Context, c Completion) {
	counter := m.JobsProcessed
	if m.submitted.take(c.JobID) {
		counter = m.JobsCompleted
	}
	counter.Add(ctx, 1, metric.WithAttributes(opAttr(c.Op), dtypeAttr(c.Dtype), stateAttr(c.State)))

	latency := metric.WithAttributes(opAttr(c.Op), dtypeAttr(c.Dtype), simulateAttr(c.Simulate))
	m.JobEndToEnd.Record(ctx, c.EndToEndMs, latency)
	if c.ComputeMs != nil {
		m.JobCompute.Record(ctx, *c.ComputeMs, latency)
	}
}

// RecordJobsInStore records the number of stored job records.
func (m *Metrics) RecordJobsInStore(ctx context.Context, n int64) {
	m.JobsInStore.Record(ctx, n)
}

// RecordClaimed records a claimed message; redelivered is true past the first delivery.
func (m *Metrics) RecordClaimed(ctx context.Context, redelivered bool) {
	m.WorkerClaimed.Add(ctx, 1)
	if redelivered {
		m.WorkerRedelivered.Add(ctx, 1)
	}
}

// RecordAcked records an acknowledged message.
func (m *Metrics) RecordAcked(ctx context.Context) {
	m.WorkerAcked.Add(ctx, 1)
}

// RecordReleased records a claim released for redelivery.
func (m *Metrics) RecordReleased(ctx context.Context) {
	m.WorkerReleased.Add(ctx, 1)
}

// RecordEnqueueFailed records a job that exhausted its enqueue attempts.
func (m *Metrics) RecordEnqueueFailed(ctx context.Context) {
	m.EnqueueFailed.Add(ctx, 1)
}

// RecordQueueDepth records the current queue length.
func (m *Metrics) RecordQueueDepth(ctx context.Context, depth int64) {
	m.QueueDepth.Record(ctx, depth)
}
