// Package observe provides application-wide observability primitives for
// CallGuard: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all CallGuard metrics.
const meterName = "github.com/callguard/callguard"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// AnalysisDuration tracks end-to-end analysis latency. Use with attribute:
	//   attribute.String("type", "text"|"audio")
	AnalysisDuration metric.Float64Histogram

	// ModelDuration tracks inference-endpoint call latency. Use with attribute:
	//   attribute.String("service", "text"|"audio")
	ModelDuration metric.Float64Histogram

	// NormalizeDuration tracks audio normalization latency.
	NormalizeDuration metric.Float64Histogram

	// ModelRequests counts inference calls. Use with attributes:
	//   attribute.String("service", ...), attribute.String("status", "ok"|"degraded")
	ModelRequests metric.Int64Counter

	// ModelErrors counts transport/timeout failures by service.
	ModelErrors metric.Int64Counter

	// AlertsTriggered counts fired alerts. Use with attributes:
	//   attribute.String("type", ...), attribute.String("severity", ...)
	AlertsTriggered metric.Int64Counter

	// PendingDebounce tracks the number of armed debounce timers.
	PendingDebounce metric.Int64UpDownCounter

	// RelaySubscribers tracks connected alert-relay subscribers.
	RelaySubscribers metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// inference round-trips: sub-second normalization up to the 30s call timeout.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.AnalysisDuration, err = m.Float64Histogram("callguard.analysis.duration",
		metric.WithDescription("End-to-end fraud analysis latency by type."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModelDuration, err = m.Float64Histogram("callguard.model.duration",
		metric.WithDescription("Inference endpoint call latency by service."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.NormalizeDuration, err = m.Float64Histogram("callguard.normalize.duration",
		metric.WithDescription("Audio normalization latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ModelRequests, err = m.Int64Counter("callguard.model.requests",
		metric.WithDescription("Total inference calls by service and status."),
	); err != nil {
		return nil, err
	}
	if met.ModelErrors, err = m.Int64Counter("callguard.model.errors",
		metric.WithDescription("Total inference transport/timeout failures by service."),
	); err != nil {
		return nil, err
	}
	if met.AlertsTriggered, err = m.Int64Counter("callguard.alerts.triggered",
		metric.WithDescription("Total fraud alerts fired by type and severity."),
	); err != nil {
		return nil, err
	}

	if met.PendingDebounce, err = m.Int64UpDownCounter("callguard.debounce.pending",
		metric.WithDescription("Number of currently armed debounce timers."),
	); err != nil {
		return nil, err
	}
	if met.RelaySubscribers, err = m.Int64UpDownCounter("callguard.relay.subscribers",
		metric.WithDescription("Number of connected alert-relay subscribers."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("callguard.http.request.duration",
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
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordModelCall records request count, latency and error accounting for a
// single inference call in one place so callers cannot drift apart.
func (m *Metrics) RecordModelCall(ctx context.Context, service string, seconds float64, degraded bool) {
	if m == nil {
		return
	}
	status := "ok"
	if degraded {
		status = "degraded"
	}
	m.ModelRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("status", status),
	))
	m.ModelDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("service", service)))
	if degraded {
		m.ModelErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("service", service)))
	}
}
