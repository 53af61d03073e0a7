package observability

import (
	"context"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the stager's instruments. A nil *Metrics records nothing.
type Metrics struct {
	meter metric.Meter

	// Fetch metrics (Latency, Traffic, Errors, Saturation)
	FetchDuration metric.Float64Histogram
	FetchTotal    metric.Int64Counter
	FetchRetries  metric.Int64Counter
	FetchActive   metric.Int64UpDownCounter

	// Stage metrics
	StageTotal  metric.Int64Counter
	StageErrors metric.Int64Counter
	GCRemoved   metric.Int64Counter

	// Pipeline metrics
	PipelineRuns     metric.Int64Counter
	PipelineDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on a Prometheus exporter backed by its
// own registry and returns the handler serving that registry.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("pluginstager")
	m := &Metrics{meter: meter}

	m.FetchDuration, err = meter.Float64Histogram(
		"fetch_duration_seconds",
		metric.WithDescription("Artifact fetch latency in seconds, retries included"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, nil, err
	}

	m.FetchTotal, err = meter.Int64Counter(
		"fetch_total",
		metric.WithDescription("Total number of artifact fetches by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.FetchRetries, err = meter.Int64Counter(
		"fetch_retries_total",
		metric.WithDescription("Total number of retried fetch attempts"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.FetchActive, err = meter.Int64UpDownCounter(
		"fetch_active",
		metric.WithDescription("Number of fetches in flight (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StageTotal, err = meter.Int64Counter(
		"stage_total",
		metric.WithDescription("Total number of staged artifacts"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StageErrors, err = meter.Int64Counter(
		"stage_errors_total",
		metric.WithDescription("Total number of artifacts that failed to stage"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.GCRemoved, err = meter.Int64Counter(
		"gc_removed_total",
		metric.WithDescription("Total number of stale entries removed from the destination"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PipelineRuns, err = meter.Int64Counter(
		"pipeline_runs_total",
		metric.WithDescription("Total number of pipeline runs by terminal state"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PipelineDuration, err = meter.Float64Histogram(
		"pipeline_duration_seconds",
		metric.WithDescription("Pipeline run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// RecordFetchStarted records a fetch entering flight.
func (m *Metrics) RecordFetchStarted(ctx context.Context, class string) {
	if m == nil {
		return
	}
	m.FetchActive.Add(ctx, 1, WithClass(class))
}

// RecordFetch records a finished fetch with its outcome and duration.
func (m *Metrics) RecordFetch(ctx context.Context, class, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(classAttr(class), statusAttr(status))
	m.FetchDuration.Record(ctx, durationSeconds, attrs)
	m.FetchTotal.Add(ctx, 1, attrs)
	m.FetchActive.Add(ctx, -1, WithClass(class))
}

// RecordFetchRetry records one retried attempt.
func (m *Metrics) RecordFetchRetry(ctx context.Context, class string) {
	if m == nil {
		return
	}
	m.FetchRetries.Add(ctx, 1, WithClass(class))
}

// RecordStage records a staged artifact.
func (m *Metrics) RecordStage(ctx context.Context, class string, changed bool) {
	if m == nil {
		return
	}
	m.StageTotal.Add(ctx, 1, metric.WithAttributes(classAttr(class), changedAttr(changed)))
}

// RecordStageError records an artifact that could not be staged.
func (m *Metrics) RecordStageError(ctx context.Context, class string) {
	if m == nil {
		return
	}
	m.StageErrors.Add(ctx, 1, WithClass(class))
}

// RecordGCRemoved records entries removed by destination garbage collection.
func (m *Metrics) RecordGCRemoved(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.GCRemoved.Add(ctx, int64(n))
}

// RecordPipelineRun records a finished run.
func (m *Metrics) RecordPipelineRun(ctx context.Context, state string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.PipelineRuns.Add(ctx, 1, WithState(state))
	m.PipelineDuration.Record(ctx, durationSeconds, WithState(state))
}
