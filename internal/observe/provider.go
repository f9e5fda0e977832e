package observe

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Resource attribute keys describing the recorder instance.
const (
	AttrGuildID       = attribute.Key("chorus.guild_id")
	AttrRecordingsDir = attribute.Key("chorus.recordings_dir")
	AttrMixdownFormat = attribute.Key("chorus.mixdown.format")
)

// ProviderConfig describes the recorder instance whose telemetry is
// exported.
type ProviderConfig struct {
	// ServiceName defaults to "chorus".
	ServiceName    string
	ServiceVersion string

	// GuildID is the Discord guild being recorded.
	GuildID string
	// RecordingsDir is the root of the session scratch directories.
	RecordingsDir string
	// MixdownFormat is the configured artifact format, empty when mixdown
	// is disabled.
	MixdownFormat string

	// TraceExporter is optional. Without one, spans are sampled (so
	// correlation ids exist) but never exported.
	TraceExporter sdktrace.SpanExporter
}

// Resource builds the OTel resource for cfg. The service instance id is the
// host name, so several recorders scraped by one Prometheus stay apart.
func Resource(cfg ProviderConfig) (*resource.Resource, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "chorus"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(host))
	}
	if cfg.GuildID != "" {
		attrs = append(attrs, AttrGuildID.String(cfg.GuildID))
	}
	if cfg.RecordingsDir != "" {
		attrs = append(attrs, AttrRecordingsDir.String(cfg.RecordingsDir))
	}
	if cfg.MixdownFormat != "" {
		attrs = append(attrs, AttrMixdownFormat.String(cfg.MixdownFormat))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}
	return res, nil
}

// InitProvider installs the global meter provider (bridged to Prometheus
// for /metrics), tracer provider and W3C propagator. The returned function
// flushes and closes both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := Resource(cfg)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
