package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Tangle spans.
var (
	AttrOwnerID   = attribute.Key("tangle.owner.id")
	AttrTaskID    = attribute.Key("tangle.task.id")
	AttrTagID     = attribute.Key("tangle.tag.id")
	AttrLogID     = attribute.Key("tangle.log.id")
	AttrTagCount  = attribute.Key("tangle.tag.count")
	AttrTreeDepth = attribute.Key("tangle.tree.depth")
	AttrCommand   = attribute.Key("tangle.command")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
