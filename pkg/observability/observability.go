// Package observability provides OpenTelemetry metrics for the sidecar
// engine: rate-limit throttling, ledger poison routing, and UI fan-out
// backpressure counters, exported over OTLP gRPC when enabled.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the metric provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // e.g. "localhost:4317"
	ExportInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns local-development defaults. Telemetry is off unless
// explicitly enabled; the sidecar must run without a collector present.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "pulsetrader-engine",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   "localhost:4317",
		ExportInterval: 15 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider owns the meter provider and the engine counters.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	logger        *slog.Logger

	Metrics *EngineMetrics
}

// EngineMetrics groups the engine counters. A nil *EngineMetrics is valid
// and all Add methods become no-ops, so components can take it optionally.
type EngineMetrics struct {
	throttledRequests  metric.Int64Counter
	droppedRequests    metric.Int64Counter
	poisonMessages     metric.Int64Counter
	fanoutDroppedNonCr metric.Int64Counter
}

// New creates a provider. With Enabled=false it returns a provider whose
// counters are backed by the global (no-op) meter.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if config.Enabled {
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
		if config.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp metric exporter: %w", err)
		}
		res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		))
		if err != nil {
			return nil, fmt.Errorf("build resource: %w", err)
		}
		p.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(config.ExportInterval))),
		)
		otel.SetMeterProvider(p.meterProvider)
		p.logger.InfoContext(ctx, "metrics enabled", "endpoint", config.OTLPEndpoint)
	}

	meter := otel.GetMeterProvider().Meter("github.com/Mindburn-Labs/pulsetrader")
	m := &EngineMetrics{}
	var err error
	if m.throttledRequests, err = meter.Int64Counter("engine.rate_limit.throttled_requests",
		metric.WithDescription("Requests delayed by the shared rate limiter")); err != nil {
		return nil, err
	}
	if m.droppedRequests, err = meter.Int64Counter("engine.rate_limit.dropped_requests",
		metric.WithDescription("Requests rejected because the wait exceeded the timeout")); err != nil {
		return nil, err
	}
	if m.poisonMessages, err = meter.Int64Counter("engine.ledger.poison_messages",
		metric.WithDescription("Submissions routed to the poison table")); err != nil {
		return nil, err
	}
	if m.fanoutDroppedNonCr, err = meter.Int64Counter("engine.fanout.dropped_non_critical",
		metric.WithDescription("Non-critical UI events dropped under backpressure")); err != nil {
		return nil, err
	}
	p.Metrics = m
	return p, nil
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}

// AddThrottled records a throttled rate-limit acquire.
func (m *EngineMetrics) AddThrottled(ctx context.Context, bucket string) {
	if m == nil {
		return
	}
	m.throttledRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("bucket", bucket)))
}

// AddDropped records a dropped rate-limit acquire.
func (m *EngineMetrics) AddDropped(ctx context.Context, bucket string) {
	if m == nil {
		return
	}
	m.droppedRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("bucket", bucket)))
}

// AddPoison records a poison-table write.
func (m *EngineMetrics) AddPoison(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.poisonMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// AddFanoutDrop records a non-critical UI event dropped under backpressure.
func (m *EngineMetrics) AddFanoutDrop(ctx context.Context) {
	if m == nil {
		return
	}
	m.fanoutDroppedNonCr.Add(ctx, 1)
}
