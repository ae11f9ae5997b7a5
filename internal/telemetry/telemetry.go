// Package telemetry provides OpenTelemetry tracing and structured
// operational event emission for the engine.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config represents telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	Exporter       ExporterConfig
	Sampling       SamplingConfig
}

// ExporterConfig configures the trace exporter.
type ExporterConfig struct {
	Type     string // "stdout", "otlp"
	Endpoint string
	Headers  map[string]string
}

// SamplingConfig configures trace sampling.
type SamplingConfig struct {
	Rate float64 // 0.0 to 1.0
}

// Service manages OpenTelemetry tracing for the engine.
type Service struct {
	config   Config
	logger   *zap.Logger
	provider *trace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewService creates a telemetry service. When disabled it returns a
// no-op service so callers never branch on configuration.
func NewService(config Config, logger *zap.Logger) (*Service, error) {
	if !config.Enabled {
		logger.Info("Telemetry disabled")
		return &Service{config: config, logger: logger}, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := createExporter(config.Exporter)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(config.Sampling.Rate)),
	)
	otel.SetTracerProvider(provider)

	logger.Info("Telemetry initialized",
		zap.String("service", config.ServiceName),
		zap.String("exporter", config.Exporter.Type),
		zap.Float64("sampling_rate", config.Sampling.Rate))

	return &Service{
		config:   config,
		logger:   logger,
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
	}, nil
}

func createExporter(config ExporterConfig) (trace.SpanExporter, error) {
	switch config.Type {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		if config.Endpoint == "" {
			return nil, fmt.Errorf("OTLP endpoint is required")
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.Endpoint)}
		if len(config.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(config.Headers))
		}
		return otlptracehttp.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", config.Type)
	}
}

// Stop flushes remaining spans and shuts the provider down.
func (s *Service) Stop(ctx context.Context) error {
	if !s.config.Enabled || s.provider == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.provider.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Failed to shutdown telemetry provider", zap.Error(err))
		return err
	}
	return nil
}

// Tracer returns the OpenTelemetry tracer.
func (s *Service) Tracer() oteltrace.Tracer {
	if s.tracer == nil {
		return otel.Tracer("noop")
	}
	return s.tracer
}

// IsEnabled returns true if telemetry is enabled.
func (s *Service) IsEnabled() bool {
	return s.config.Enabled
}
