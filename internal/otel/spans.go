package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by engine spans and metrics.
var (
	AttrSessionID  = attribute.Key("agentq.session.id")
	AttrMessageID  = attribute.Key("agentq.message.id")
	AttrWorkKind   = attribute.Key("agentq.work.kind")
	AttrToolName   = attribute.Key("agentq.tool.name")
	AttrIteration  = attribute.Key("agentq.loop.iteration")
	AttrOutcome    = attribute.Key("agentq.outcome")
	AttrErrorKind  = attribute.Key("agentq.error.kind")
	AttrTokensIn   = attribute.Key("agentq.tokens.prompt")
	AttrTokensOut  = attribute.Key("agentq.tokens.completion")
	AttrHTTPRoute  = attribute.Key("agentq.http.route")
	AttrSweepCount = attribute.Key("agentq.sweep.count")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound API request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound gateway call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
