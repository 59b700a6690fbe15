package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/airchase-telemetry/internal/logging"
)

const tracerName = "github.com/signalsfoundry/airchase-telemetry/internal/telemetry"

// startSpan starts a span for one message crossing the adapter. The run id
// is attached when present so traces line up with logs.
func startSpan(ctx context.Context, name, topic string, kind trace.SpanKind, extra ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs := make([]attribute.KeyValue, 0, len(extra)+3)
	attrs = append(attrs,
		attribute.String("messaging.system", "airchase"),
		attribute.String("messaging.destination.name", topic),
	)
	if runID := logging.RunIDFromContext(ctx); runID != "" {
		attrs = append(attrs, attribute.String("run_id", runID))
	}
	attrs = append(attrs, extra...)
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
