package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for registrar spans and metrics.
var (
	AttrSessionID = attribute.Key("registrar.session.id")
	AttrRole      = attribute.Key("registrar.session.role")
	AttrMethod    = attribute.Key("registrar.rpc.method")
	AttrAppName   = attribute.Key("registrar.app.name")
	AttrRequestID = attribute.Key("registrar.access.request_id")
	AttrOutcome   = attribute.Key("registrar.outcome")
	AttrPlane     = attribute.Key("registrar.relay.plane")
	AttrInstances = attribute.Key("registrar.instances")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound RPC request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for a reverse call into a session.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
