// Package observe provides application-wide observability primitives for
// ChartFlow: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all ChartFlow metrics.
const meterName = "github.com/chartflow/chartflow"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ExtractionDuration tracks structured-note extraction latency.
	ExtractionDuration metric.Float64Histogram

	// ImprovementDuration tracks the CDI improvement pass latency.
	ImprovementDuration metric.Float64Histogram

	// PersistDuration tracks chart and CDI record upsert latency.
	PersistDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts completion-service calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("stage", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts completion-service failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("stage", ...)
	ProviderErrors metric.Int64Counter

	// TokensConsumed counts prompt and completion tokens reported by the
	// completion service. Use with attribute.String("direction", "prompt"|"completion").
	TokensConsumed metric.Int64Counter

	// CDIConfirmations counts confirmed improvement reviews.
	CDIConfirmations metric.Int64Counter

	// RevealSteps counts completed reveal sequencer steps. Use with
	// attribute.String("field", ...).
	RevealSteps metric.Int64Counter

	// --- Gauges ---

	// ActiveCaptures tracks the number of live transcription capture sessions.
	ActiveCaptures metric.Int64UpDownCounter

	// OpenReviews tracks the number of improvement reviews awaiting
	// confirm or cancel.
	OpenReviews metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). The span
// covers both fast store writes and multi-second completion calls.
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
	if met.ExtractionDuration, err = m.Float64Histogram("chartflow.extraction.duration",
		metric.WithDescription("Latency of structured-note extraction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ImprovementDuration, err = m.Float64Histogram("chartflow.improvement.duration",
		metric.WithDescription("Latency of the CDI improvement pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PersistDuration, err = m.Float64Histogram("chartflow.persist.duration",
		metric.WithDescription("Latency of chart and CDI record upserts."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("chartflow.provider.requests",
		metric.WithDescription("Total completion-service requests by provider, stage, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("chartflow.provider.errors",
		metric.WithDescription("Total completion-service errors by provider and stage."),
	); err != nil {
		return nil, err
	}
	if met.TokensConsumed, err = m.Int64Counter("chartflow.provider.tokens",
		metric.WithDescription("Total tokens consumed by direction (prompt or completion)."),
	); err != nil {
		return nil, err
	}
	if met.CDIConfirmations, err = m.Int64Counter("chartflow.cdi.confirmations",
		metric.WithDescription("Total confirmed improvement reviews."),
	); err != nil {
		return nil, err
	}
	if met.RevealSteps, err = m.Int64Counter("chartflow.reveal.steps",
		metric.WithDescription("Total completed reveal sequencer steps by field."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCaptures, err = m.Int64UpDownCounter("chartflow.active_captures",
		metric.WithDescription("Number of live transcription capture sessions."),
	); err != nil {
		return nil, err
	}
	if met.OpenReviews, err = m.Int64UpDownCounter("chartflow.open_reviews",
		metric.WithDescription("Number of improvement reviews awaiting confirm or cancel."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("chartflow.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a completion-service request with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, stage, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("stage", stage),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a completion-service failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, stage string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("stage", stage),
		),
	)
}

// RecordTokens records the token usage reported for one completion call.
func (m *Metrics) RecordTokens(ctx context.Context, prompt, completion int64) {
	m.TokensConsumed.Add(ctx, prompt,
		metric.WithAttributes(attribute.String("direction", "prompt")),
	)
	m.TokensConsumed.Add(ctx, completion,
		metric.WithAttributes(attribute.String("direction", "completion")),
	)
}
