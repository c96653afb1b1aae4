package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for kernel spans and metrics.
var (
	AttrWorkspaceID = attribute.Key("clawkernel.workspace.id")
	AttrChannel     = attribute.Key("clawkernel.channel")
	AttrSessionID   = attribute.Key("clawkernel.session.id")
	AttrObjectiveID = attribute.Key("clawkernel.objective.id")
	AttrTaskID      = attribute.Key("clawkernel.task.id")
	AttrDecision    = attribute.Key("clawkernel.decision")
	AttrReason      = attribute.Key("clawkernel.reason")
	AttrSource      = attribute.Key("clawkernel.source")
	AttrRiskLevel   = attribute.Key("clawkernel.risk.level")
	AttrModel       = attribute.Key("clawkernel.llm.model")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call such as an LLM request.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
