package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"agent-chaos/internal/config"
	"agent-chaos/internal/logging"
)

const instrumentationName = "agent-chaos"

var noopSpan = oteltrace.SpanFromContext(context.Background())

// Service wraps the tracer used for experiment, phase and turn spans.
// A nil *Service is valid and produces no-op spans.
type Service struct {
	config   config.TracingConfig
	tracer   oteltrace.Tracer
	provider *sdktrace.TracerProvider
}

// New builds the exporter named in cfg. A disabled config yields a no-op tracer.
func New(cfg config.TracingConfig, logger *logging.Logger) (*Service, error) {
	if !cfg.Enabled {
		return &Service{config: cfg, tracer: noop.NewTracerProvider().Tracer(instrumentationName)}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.ExporterType {
	case "jaeger":
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
		if err != nil {
			return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
		}
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
			otlptracehttp.WithHeaders(cfg.OTLPHeaders),
		)
		exporter, err = otlptrace.New(context.Background(), client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
	case "console", "":
		exporter = NewConsoleExporter(logger)
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	svc, err := NewWithExporter(cfg, exporter, sdktrace.WithBatcher(exporter))
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(svc.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return svc, nil
}

// NewWithExporter builds a provider around exporter without touching the
// global provider. Tests pass a synchronous span processor.
func NewWithExporter(cfg config.TracingConfig, exporter sdktrace.SpanExporter, processor sdktrace.TracerProviderOption) (*Service, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	ratio := cfg.SamplingRatio
	if ratio <= 0 {
		ratio = 1.0
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		processor,
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)

	return &Service{
		config:   cfg,
		tracer:   tp.Tracer(instrumentationName),
		provider: tp,
	}, nil
}

func (s *Service) StartSpan(ctx context.Context, name string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, noopSpan
	}
	return s.tracer.Start(ctx, name, opts...)
}

func (s *Service) StartExperiment(ctx context.Context, experimentID, experimentType string) (context.Context, oteltrace.Span) {
	return s.StartSpan(ctx, "experiment "+experimentID,
		oteltrace.WithAttributes(
			attribute.String("experiment.id", experimentID),
			attribute.String("experiment.type", experimentType),
		),
	)
}

func (s *Service) StartPhase(ctx context.Context, experimentID, phase string) (context.Context, oteltrace.Span) {
	return s.StartSpan(ctx, "phase "+phase,
		oteltrace.WithAttributes(
			attribute.String("experiment.id", experimentID),
			attribute.String("experiment.phase", phase),
		),
	)
}

func (s *Service) StartTurn(ctx context.Context, phase string, turn int) (context.Context, oteltrace.Span) {
	return s.StartSpan(ctx, "turn",
		oteltrace.WithAttributes(
			attribute.String("experiment.phase", phase),
			attribute.Int("turn.number", turn),
		),
	)
}

// RecordError marks span failed.
func RecordError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (s *Service) Close(ctx context.Context) error {
	if s == nil || s.provider == nil {
		return nil
	}
	return s.provider.Shutdown(ctx)
}

// Config presets

func DevelopmentConfig() config.TracingConfig {
	return config.TracingConfig{
		Enabled:        true,
		ServiceName:    "agent-chaos-dev",
		ServiceVersion: "dev",
		Environment:    "development",
		ExporterType:   "console",
		SamplingRatio:  1.0,
	}
}

func ProductionConfig(serviceName, version, environment string) config.TracingConfig {
	return config.TracingConfig{
		Enabled:        true,
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    environment,
		ExporterType:   "otlp",
		OTLPEndpoint:   "localhost:4318",
		OTLPHeaders:    make(map[string]string),
		SamplingRatio:  0.1,
	}
}
