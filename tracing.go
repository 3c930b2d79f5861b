package gobayeux

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/sigmavirus24/gobayeux"

func newTracer(provider trace.TracerProvider) trace.Tracer {
	if provider == nil {
		return otel.Tracer(tracerName)
	}
	return provider.Tracer(tracerName)
}

// startRequestSpan opens a client span that lives as long as the request
// stays in the pending table
func startRequestSpan(tracer trace.Tracer, name string, m *Message) trace.Span {
	_, span := tracer.Start(
		context.Background(),
		name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("bayeux.channel", string(m.Channel)),
			attribute.String("bayeux.message_id", m.ID),
		),
	)
	return span
}

func endRequestSpan(span trace.Span, reply *Message) {
	if span == nil {
		return
	}
	if reply.Successful {
		span.SetStatus(codes.Ok, "")
	} else {
		err := ReplyError(reply)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if reply.ClientID != "" {
		span.SetAttributes(attribute.String("bayeux.client_id", reply.ClientID))
	}
	span.End()
}
