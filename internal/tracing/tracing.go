// Package tracing wraps the scheduler's span-creation conventions, mirroring
// observability.StartSpan/SpanFromContext in the teacher. Unlike the
// teacher, this package never installs an SDK TracerProvider or exporter:
// the exporter/collector wiring is a deployment concern (spec.md §1 scopes
// the wire/transport layer out), so spans created here are no-ops until an
// embedding binary calls otel.SetTracerProvider itself.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/lattice-faas/scheduler"

// Common span attribute keys, mirroring the teacher's nova.* attribute
// convention retargeted at batch dispatch.
var (
	AttrRequestID = attribute.Key("scheduler.request_id")
	AttrAppID     = attribute.Key("scheduler.app_id")
	AttrFunction  = attribute.Key("scheduler.function")
	AttrHost      = attribute.Key("scheduler.host")
)

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan starts an internal-kind span, the same shape
// observability.StartSpan gives request handlers in the teacher.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// End marks the span as failed (recording err) or OK, then ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
