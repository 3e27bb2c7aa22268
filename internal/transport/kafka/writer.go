package kafka

import (
	"fmt"
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ReplyWriter publishes to one topic and injects the caller's trace context into
// message headers.
type ReplyWriter interface {
	Publisher
	Close() error
}

// NewReplyWriter builds a traced producer for topic.
func NewReplyWriter(brokers []string, topic, clientID string) (ReplyWriter, error) {
	base := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafkago.RequireAll,
	}
	w, err := otelkafka.NewWriter(base,
		otelkafka.WithTracerProvider(otel.GetTracerProvider()),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes([]attribute.KeyValue{
			semconv.MessagingDestinationNameKey.String(topic),
			attribute.String("messaging.kafka.client_id", clientID),
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("instrument writer for %s: %w", topic, err)
	}
	return w, nil
}
