// Package tracing carries the trace context and the event type of a message
// in its Kafka headers.
package tracing

import (
	"context"
	"sort"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const EventTypeHeader = "event_type"

// MessageHeaders returns the headers of an outgoing event: its type first,
// then the trace context of ctx in key order.
func MessageHeaders(ctx context.Context, eventType string) []kafka.Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	keys := carrier.Keys()
	sort.Strings(keys)

	headers := make([]kafka.Header, 0, len(keys)+1)
	headers = append(headers, kafka.Header{Key: EventTypeHeader, Value: []byte(eventType)})
	for _, k := range keys {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(carrier.Get(k))})
	}
	return headers
}

// FromHeaders restores the trace context of an incoming message and returns
// its event type, empty when the producer did not set one.
func FromHeaders(ctx context.Context, headers []kafka.Header) (context.Context, string) {
	carrier := propagation.MapCarrier{}
	var eventType string
	for _, h := range headers {
		if h.Key == EventTypeHeader {
			eventType = string(h.Value)
			continue
		}
		carrier.Set(h.Key, string(h.Value))
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier), eventType
}
