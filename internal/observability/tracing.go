package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"
)

// TracingConfig holds configuration for OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName    string  `json:"service_name" mapstructure:"service-name"`
	ServiceVersion string  `json:"service_version" mapstructure:"service-version"`
	OTLPEndpoint   string  `json:"otlp_endpoint" mapstructure:"otlp-endpoint"`
	SampleRate     float64 `json:"sample_rate" mapstructure:"sample-rate"`
}

// TracingManager owns the tracer provider lifecycle. When disabled it leaves
// the global no-op provider in place, so engine spans cost nothing.
type TracingManager struct {
	logger   *zap.SugaredLogger
	config   TracingConfig
	provider *trace.TracerProvider
}

// NewTracingManager initializes tracing when enabled.
func NewTracingManager(logger *zap.SugaredLogger, config TracingConfig) (*TracingManager, error) {
	tm := &TracingManager{logger: logger, config: config}
	if !config.Enabled {
		logger.Info("OpenTelemetry tracing disabled")
		return tm, nil
	}
	if err := tm.initTracing(); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	logger.Infow("OpenTelemetry tracing initialized",
		"service_name", config.ServiceName,
		"otlp_endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
	return tm, nil
}

func (tm *TracingManager) initTracing() error {
	exporter, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpoint(tm.config.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(tm.config.ServiceName),
			semconv.ServiceVersionKey.String(tm.config.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	sampleRate := tm.config.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	tm.provider = trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(sampleRate)),
	)

	otel.SetTracerProvider(tm.provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return nil
}

// Close shuts down the provider, flushing pending spans.
func (tm *TracingManager) Close(ctx context.Context) error {
	if tm.provider == nil {
		return nil
	}
	tm.logger.Info("Shutting down OpenTelemetry tracing")
	return tm.provider.Shutdown(ctx)
}
