// Package telemetry wires OpenTelemetry metrics and tracing for the
// collaboration server. Metrics flow through the Prometheus exporter into
// the registry served at /metrics; traces go to the console exporter in
// development. All instrumentation entry points tolerate a nil service so
// tests and minimal deployments can run without providers installed.
package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/drawbridge-app/drawbridge/internal/slogging"
)

// Config holds telemetry provider settings.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	TracingEnabled    bool
	TracingSampleRate float64
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service version cannot be empty")
	}
	if c.TracingSampleRate < 0.0 || c.TracingSampleRate > 1.0 {
		return fmt.Errorf("tracing sample rate must be between 0.0 and 1.0, got %f", c.TracingSampleRate)
	}
	return nil
}

// IsDevelopment reports whether this is a development environment.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "" || c.Environment == "development"
}

// Service manages the OpenTelemetry providers and the Prometheus registry
// backing the /metrics endpoint.
type Service struct {
	config *Config

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	tracer trace.Tracer
	meter  metric.Meter

	resource *resource.Resource
	registry *prometheus.Registry
}

// NewService creates telemetry providers from the configuration.
func NewService(config *Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	service := &Service{
		config:   config,
		registry: prometheus.NewRegistry(),
	}

	if err := service.initResource(); err != nil {
		return nil, fmt.Errorf("failed to initialize resource: %w", err)
	}

	if err := service.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if config.TracingEnabled {
		if err := service.initTracing(); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	service.initPropagation()

	return service, nil
}

func (s *Service) initResource() error {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", s.config.ServiceName),
		attribute.String("service.version", s.config.ServiceVersion),
		attribute.String("deployment.environment", s.config.Environment),
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(resource.Default().SchemaURL(), attrs...),
	)
	if err != nil {
		return fmt.Errorf("failed to merge with default resource: %w", err)
	}

	s.resource = res
	return nil
}

func (s *Service) initMetrics() error {
	exporter, err := otelprom.New(otelprom.WithRegisterer(s.registry))
	if err != nil {
		return fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	s.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(s.resource),
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(s.meterProvider)

	s.meter = s.meterProvider.Meter(
		s.config.ServiceName,
		metric.WithInstrumentationVersion(s.config.ServiceVersion),
	)

	return nil
}

func (s *Service) initTracing() error {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("failed to create console trace exporter: %w", err)
	}

	var processor sdktrace.SpanProcessor
	if s.config.IsDevelopment() {
		processor = sdktrace.NewSimpleSpanProcessor(exporter)
	} else {
		processor = sdktrace.NewBatchSpanProcessor(exporter)
	}

	var sampler sdktrace.Sampler
	switch {
	case s.config.TracingSampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case s.config.TracingSampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(s.config.TracingSampleRate)
	}

	s.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(s.resource),
		sdktrace.WithSampler(sampler),
		sdktrace.WithSpanProcessor(processor),
	)

	otel.SetTracerProvider(s.tracerProvider)

	s.tracer = s.tracerProvider.Tracer(
		s.config.ServiceName,
		trace.WithInstrumentationVersion(s.config.ServiceVersion),
	)

	slogging.Get().Debug("Tracing initialized with console exporter, sample rate: %.2f",
		s.config.TracingSampleRate)

	return nil
}

func (s *Service) initPropagation() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// GetTracer returns the tracer instance. Safe on a nil service.
func (s *Service) GetTracer() trace.Tracer {
	if s == nil || s.tracer == nil {
		return otel.Tracer("noop")
	}
	return s.tracer
}

// GetMeter returns the meter instance. Safe on a nil service.
func (s *Service) GetMeter() metric.Meter {
	if s == nil || s.meter == nil {
		return otel.Meter("noop")
	}
	return s.meter
}

// GetRegistry returns the Prometheus registry the /metrics handler serves.
func (s *Service) GetRegistry() *prometheus.Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

// Shutdown flushes and stops all providers.
func (s *Service) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}

	var errs []error

	if s.tracerProvider != nil {
		if err := s.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
	}

	if s.meterProvider != nil {
		if err := s.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// ForceFlush exports any pending telemetry data.
func (s *Service) ForceFlush(ctx context.Context) error {
	if s == nil {
		return nil
	}

	var errs []error

	if s.tracerProvider != nil {
		if err := s.tracerProvider.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush tracer provider: %w", err))
		}
	}

	if s.meterProvider != nil {
		if err := s.meterProvider.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush meter provider: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("flush errors: %v", errs)
	}
	return nil
}
