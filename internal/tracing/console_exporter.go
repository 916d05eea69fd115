package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"agent-chaos/internal/logging"
)

// ConsoleExporter writes finished spans to the structured logger.
type ConsoleExporter struct {
	logger *logging.Logger
}

func NewConsoleExporter(logger *logging.Logger) *ConsoleExporter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &ConsoleExporter{logger: logger.WithField("component", "tracing")}
}

func (ce *ConsoleExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		ce.logger.Debug("Span finished",
			"trace_id", span.SpanContext().TraceID().String(),
			"span_id", span.SpanContext().SpanID().String(),
			"parent_id", span.Parent().SpanID().String(),
			"name", span.Name(),
			"duration_ms", span.EndTime().Sub(span.StartTime()).Milliseconds(),
			"status", span.Status().Code.String(),
			"attributes", attributesToMap(span.Attributes()),
			"events", len(span.Events()),
		)
	}
	return nil
}

func (ce *ConsoleExporter) Shutdown(ctx context.Context) error {
	return nil
}

func attributesToMap(attrs []attribute.KeyValue) map[string]interface{} {
	result := make(map[string]interface{}, len(attrs))
	for _, attr := range attrs {
		result[string(attr.Key)] = attr.Value.AsInterface()
	}
	return result
}
