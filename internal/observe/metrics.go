// Package observe provides application-wide observability primitives for
// chorus: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all chorus metrics.
const meterName = "github.com/MrWong99/chorus"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Sessions ---

	// ActiveSessions tracks the number of recording sessions in flight.
	ActiveSessions metric.Int64UpDownCounter

	// ConnectAttempts counts voice connection attempts. Use with attribute:
	//   attribute.String("status", "ready"|"timeout"|"disconnected"|"destroyed"|"error")
	ConnectAttempts metric.Int64Counter

	// ConnectionsLost counts voice connections dropped after becoming ready.
	ConnectionsLost metric.Int64Counter

	// --- Capture ---

	// CaptureBytes counts decoded PCM bytes written to participant files.
	CaptureBytes metric.Int64Counter

	// CaptureErrors counts isolated capture pipeline failures. Use with attribute:
	//   attribute.String("stage", "subscribe"|"decode"|"write"|"close")
	CaptureErrors metric.Int64Counter

	// SpeakingEvents counts speaking notifications. Use with attribute:
	//   attribute.String("kind", "start"|"end")
	SpeakingEvents metric.Int64Counter

	// --- Post-processing ---

	// SegmentsEmitted counts consolidated segments produced at stop.
	SegmentsEmitted metric.Int64Counter

	// MixdownDuration tracks mixdown wall time. Use with attributes:
	//   attribute.String("path", "single"|"multi"|"timeline"), attribute.String("status", ...)
	MixdownDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("route", "/healthz"|"/readyz"|"/metrics"|"other"),
	//   attribute.String("method", ...), attribute.String("status", "2xx"|...)
	HTTPRequestDuration metric.Float64Histogram
}

// mixdownBuckets defines histogram bucket boundaries (in seconds) for
// offline audio processing, which runs from sub-second to minutes.
var mixdownBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("chorus.sessions.active",
		metric.WithDescription("Number of recording sessions in flight."),
	); err != nil {
		return nil, err
	}
	if met.ConnectAttempts, err = m.Int64Counter("chorus.connect.attempts",
		metric.WithDescription("Voice connection attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ConnectionsLost, err = m.Int64Counter("chorus.connect.lost",
		metric.WithDescription("Voice connections lost after becoming ready."),
	); err != nil {
		return nil, err
	}

	if met.CaptureBytes, err = m.Int64Counter("chorus.capture.bytes",
		metric.WithDescription("Decoded PCM bytes written to participant files."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.CaptureErrors, err = m.Int64Counter("chorus.capture.errors",
		metric.WithDescription("Capture pipeline failures by stage."),
	); err != nil {
		return nil, err
	}
	if met.SpeakingEvents, err = m.Int64Counter("chorus.speaking.events",
		metric.WithDescription("Speaking notifications by kind."),
	); err != nil {
		return nil, err
	}

	if met.SegmentsEmitted, err = m.Int64Counter("chorus.segments.emitted",
		metric.WithDescription("Consolidated speech segments produced at session stop."),
	); err != nil {
		return nil, err
	}
	if met.MixdownDuration, err = m.Float64Histogram("chorus.mixdown.duration",
		metric.WithDescription("Wall time of mixdown runs by path and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(mixdownBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("chorus.http.request.duration",
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

// RecordConnectAttempt records one connection attempt outcome.
func (m *Metrics) RecordConnectAttempt(ctx context.Context, status string) {
	m.ConnectAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordCaptureError records an isolated capture failure at stage.
func (m *Metrics) RecordCaptureError(ctx context.Context, stage string) {
	m.CaptureErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordSpeakingEvent records one speaking notification of the given kind.
func (m *Metrics) RecordSpeakingEvent(ctx context.Context, kind string) {
	m.SpeakingEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordMixdown records the wall time of a mixdown run.
func (m *Metrics) RecordMixdown(ctx context.Context, path, status string, d time.Duration) {
	m.MixdownDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("path", path),
			attribute.String("status", status),
		),
	)
}
