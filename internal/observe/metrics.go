// Package observe wires Lectern into OpenTelemetry: the metric instruments
// for jobs, provider calls and HTTP, span helpers, a trace-aware logger and
// the HTTP middleware.
//
// Metrics reach Prometheus through the exporter bridge set up by
// [InitProvider]. Components fall back to [DefaultMetrics] when none is
// injected; tests build their own with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Lectern metrics.
const meterName = "github.com/MrWong99/lectern"

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// JobDuration tracks wall time of a transcription pipeline run, from
	// start (or resume) to a terminal status. Use with attribute:
	//   attribute.String("status", ...)
	JobDuration metric.Float64Histogram

	// ProviderDuration tracks latency of single provider API calls. Use with
	// attributes:
	//   attribute.String("provider", ...), attribute.String("op", ...)
	ProviderDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("op", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("op", ...)
	ProviderErrors metric.Int64Counter

	// JobsStarted, JobsCompleted and JobsFailed count pipeline outcomes.
	JobsStarted   metric.Int64Counter
	JobsCompleted metric.Int64Counter
	JobsFailed    metric.Int64Counter

	// Retries counts accepted retry attempts.
	Retries metric.Int64Counter

	// Polls counts status polls. Use with attribute:
	//   attribute.String("remote_status", ...)
	Polls metric.Int64Counter

	// --- Distributions ---

	// SegmentsPerTranscript records how many segments each saved transcript
	// contains.
	SegmentsPerTranscript metric.Int64Histogram

	// --- Gauges ---

	// ActiveJobs tracks the number of pipelines currently being driven.
	ActiveJobs metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// jobBuckets are histogram boundaries (in seconds) for whole transcription
// runs, which take minutes for long tracks.
var jobBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600,
}

// latencyBuckets are histogram boundaries (in seconds) for single API calls.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.JobDuration, err = m.Float64Histogram("lectern.job.duration",
		metric.WithDescription("Wall time of a transcription pipeline run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(jobBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("lectern.provider.duration",
		metric.WithDescription("Latency of speech-to-text provider API calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentsPerTranscript, err = m.Int64Histogram("lectern.transcript.segments",
		metric.WithDescription("Number of segments per saved transcript."),
		metric.WithExplicitBucketBoundaries(10, 50, 100, 250, 500, 1000, 2500, 5000),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("lectern.provider.requests",
		metric.WithDescription("Total provider API requests by provider, operation, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("lectern.provider.errors",
		metric.WithDescription("Total provider errors by provider and operation."),
	); err != nil {
		return nil, err
	}
	if met.JobsStarted, err = m.Int64Counter("lectern.jobs.started",
		metric.WithDescription("Transcription pipelines started or resumed."),
	); err != nil {
		return nil, err
	}
	if met.JobsCompleted, err = m.Int64Counter("lectern.jobs.completed",
		metric.WithDescription("Transcription jobs that reached completed."),
	); err != nil {
		return nil, err
	}
	if met.JobsFailed, err = m.Int64Counter("lectern.jobs.failed",
		metric.WithDescription("Transcription jobs that reached failed."),
	); err != nil {
		return nil, err
	}
	if met.Retries, err = m.Int64Counter("lectern.jobs.retries",
		metric.WithDescription("Accepted retry attempts."),
	); err != nil {
		return nil, err
	}
	if met.Polls, err = m.Int64Counter("lectern.jobs.polls",
		metric.WithDescription("Remote status polls by reported status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveJobs, err = m.Int64UpDownCounter("lectern.jobs.active",
		metric.WithDescription("Number of transcription pipelines currently running."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lectern.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordProviderCall records one provider API call: its latency, the request
// counter and, when err is non-nil, the error counter.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, op string, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("op", op),
		))
	}
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("op", op),
		attribute.String("status", status),
	))
	m.ProviderDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("op", op),
	))
}

// RecordJobOutcome records the terminal outcome of one pipeline run.
func (m *Metrics) RecordJobOutcome(ctx context.Context, status string, seconds float64) {
	switch status {
	case "completed":
		m.JobsCompleted.Add(ctx, 1)
	case "failed":
		m.JobsFailed.Add(ctx, 1)
	}
	m.JobDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("status", status)))
}

// RecordPoll records one remote status poll.
func (m *Metrics) RecordPoll(ctx context.Context, remoteStatus string) {
	m.Polls.Add(ctx, 1, metric.WithAttributes(attribute.String("remote_status", remoteStatus)))
}
