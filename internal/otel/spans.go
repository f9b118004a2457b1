package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by research spans.
var (
	AttrJobID        = attribute.Key("deepresearch.job.id")
	AttrStage        = attribute.Key("deepresearch.stage")
	AttrToolName     = attribute.Key("deepresearch.tool.name")
	AttrModel        = attribute.Key("deepresearch.llm.model")
	AttrProvider     = attribute.Key("deepresearch.llm.provider")
	AttrTokensInput  = attribute.Key("deepresearch.llm.tokens.input")
	AttrTokensOutput = attribute.Key("deepresearch.llm.tokens.output")
	AttrTurn         = attribute.Key("deepresearch.engine.turn")
	AttrHTTPRoute    = attribute.Key("deepresearch.http.route")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, search API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
