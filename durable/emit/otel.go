package emit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes an instant span with:
//   - Span name: event.Msg (e.g., "operation_start", "operation_retry")
//   - Attributes: durable.execution_id, durable.operation_id, durable.name, and event.Meta
//   - Status: Error if event.Meta["error"] is set
//
// Usage:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//
//	emitter := emit.NewOTelEmitter(otel.Tracer("durable-go"))
//	out, err := durable.Execute(ctx, svc, id, handler, durable.WithEmitter(emitter))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates a new OTelEmitter from tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and immediately ends a span for the event.
//
// If the event carries "duration_ms", the span start is moved back by that
// amount so the span covers the measured work.
func (o *OTelEmitter) Emit(event Event) {
	var opts []trace.SpanStartOption
	if d, ok := durationOf(event.Meta["duration_ms"]); ok {
		opts = append(opts, trace.WithTimestamp(time.Now().Add(-d)))
	}

	_, span := o.tracer.Start(context.Background(), event.Msg, opts...)
	defer span.End()

	span.SetAttributes(
		attribute.String("durable.execution_id", event.ExecutionID),
		attribute.String("durable.operation_id", event.OperationID),
	)
	if event.Name != "" {
		span.SetAttributes(attribute.String("durable.name", event.Name))
	}
	o.addMetadataAttributes(span, event.Meta)

	if msg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, msg)
		span.RecordError(errors.New(msg))
	}
}

// addMetadataAttributes converts event metadata to span attributes.
//
// Well-known keys are moved under the durable namespace:
//   - type, attempt, delay_ms, batch_size
func (o *OTelEmitter) addMetadataAttributes(span trace.Span, meta map[string]interface{}) {
	for key, value := range meta {
		attrKey := key
		switch key {
		case "type", "attempt", "delay_ms", "batch_size", "reason":
			attrKey = "durable." + key
		}

		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}

func durationOf(v interface{}) (time.Duration, bool) {
	switch ms := v.(type) {
	case int64:
		return time.Duration(ms) * time.Millisecond, true
	case int:
		return time.Duration(ms) * time.Millisecond, true
	case float64:
		return time.Duration(ms * float64(time.Millisecond)), true
	}
	return 0, false
}
