package shared

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kandev/streambridge/internal/tracing"
	"github.com/kandev/streambridge/internal/unified"
)

const (
	tracerName      = "streambridge-adapter"
	maxAttrValueLen = 8192
)

// TraceProtocolEvent records one span per converted event with the raw wire
// JSON and the resulting unified message attached as span events.
func TraceProtocolEvent(ctx context.Context, engine unified.Engine, eventType string, raw json.RawMessage, converted *unified.Message) {
	if !tracing.Enabled() {
		return
	}
	_, span := tracing.Tracer(tracerName).Start(ctx, string(engine)+"."+eventType,
		trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	span.SetAttributes(
		attribute.String("engine", string(engine)),
		attribute.String("event_type", eventType),
	)
	if len(raw) > 0 {
		span.AddEvent("raw", trace.WithAttributes(
			attribute.String("data", truncate(string(raw), maxAttrValueLen)),
		))
	}
	if converted == nil {
		span.AddEvent("unified", trace.WithAttributes(attribute.Bool("filtered", true)))
		return
	}
	span.SetAttributes(attribute.String("session_id", converted.SessionID))
	if data, err := json.Marshal(converted); err == nil {
		span.AddEvent("unified", trace.WithAttributes(
			attribute.String("data", truncate(string(data), maxAttrValueLen)),
		))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...(truncated)"
}
