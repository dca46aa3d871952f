package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope of container spans.
const ScopeName = "github.com/nimburion/stache"

// Attribute keys set on container spans.
const (
	AttrProvider  = attribute.Key("stache.provider")
	AttrOperation = attribute.Key("stache.operation")
	AttrKey       = attribute.Key("stache.key")
	AttrFound     = attribute.Key("stache.found")
	AttrKeyCount  = attribute.Key("stache.key_count")
)

// StoreSpanOption adds attributes to a container span.
type StoreSpanOption func(*[]attribute.KeyValue)

// WithKey records the key an operation targets.
func WithKey(key string) StoreSpanOption {
	return func(attrs *[]attribute.KeyValue) {
		*attrs = append(*attrs, AttrKey.String(key))
	}
}

// StartStoreSpan starts a client span named "stache <operation>" using the global tracer provider.
func StartStoreSpan(ctx context.Context, operation, provider string, opts ...StoreSpanOption) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		AttrProvider.String(provider),
		AttrOperation.String(operation),
	}
	for _, opt := range opts {
		opt(&attrs)
	}

	return otel.Tracer(ScopeName).Start(ctx, "stache "+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
