package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for skillgate spans and metrics.
var (
	AttrSkill        = attribute.Key("skillgate.skill")
	AttrScript       = attribute.Key("skillgate.script")
	AttrToolName     = attribute.Key("skillgate.tool.name")
	AttrFallbackTool = attribute.Key("skillgate.fallback.tool")
	AttrFallbackUsed = attribute.Key("skillgate.fallback.used")
	AttrPolicy       = attribute.Key("skillgate.policy")
	AttrErrorKind    = attribute.Key("skillgate.error.kind")
	AttrModel        = attribute.Key("skillgate.llm.model")
	AttrTokensInput  = attribute.Key("skillgate.llm.tokens.input")
	AttrTokensOutput = attribute.Key("skillgate.llm.tokens.output")
	AttrTokenType    = attribute.Key("skillgate.llm.token.type")
	AttrMCPServer    = attribute.Key("skillgate.mcp.server")
	AttrSessionID    = attribute.Key("skillgate.session.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (MCP server mode).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, MCP).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records msg as the span error when failed is true, then ends it.
func EndSpan(span trace.Span, failed bool, msg string) {
	if failed {
		span.SetStatus(codes.Error, msg)
	}
	span.End()
}
