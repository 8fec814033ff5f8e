package messaging

import (
	"context"
	"errors"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var consumerTracer = otel.Tracer("messaging/consumer")

// Message is what handlers receive.
type Message struct {
	Key       string
	EventType string
	Payload   []byte
}

type HandlerFunc func(ctx context.Context, msg Message) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error that retrying cannot fix, such as a
// malformed payload. The consumer commits past such messages instead of
// stopping.
func Permanent(err error) error {
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type Consumer struct {
	reader  *kafka.Reader
	topic   string
	groupID string
	skipped func(msg Message, err error)
}

type ConsumerOption func(*Consumer, *kafka.ReaderConfig)

func WithStartOffset(offset int64) ConsumerOption {
	return func(_ *Consumer, cfg *kafka.ReaderConfig) {
		cfg.StartOffset = offset
	}
}

// WithSkipHook is called for every message skipped after a permanent error.
func WithSkipHook(fn func(msg Message, err error)) ConsumerOption {
	return func(c *Consumer, _ *kafka.ReaderConfig) {
		c.skipped = fn
	}
}

func NewConsumer(brokers []string, topic, groupID string, opts ...ConsumerOption) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	}

	c := &Consumer{
		topic:   topic,
		groupID: groupID,
	}
	for _, opt := range opts {
		opt(c, &cfg)
	}
	c.reader = kafka.NewReader(cfg)

	return c
}

// Consume processes messages until ctx is done or a handler returns a
// non-permanent error. Offsets are committed only after the handler
// succeeds, so delivery is at-least-once.
func (c *Consumer) Consume(ctx context.Context, handler HandlerFunc) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		if err := c.processMessage(ctx, msg, handler); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message, handler HandlerFunc) error {
	parentCtx := otel.GetTextMapPropagator().Extract(ctx, headerCarrier{msg: &msg})

	m := Message{
		Key:       string(msg.Key),
		EventType: header(&msg, headerEventType),
		Payload:   msg.Value,
	}

	spanCtx, span := consumerTracer.Start(parentCtx, "process "+c.topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("process"),
			semconv.MessagingOperationTypeDeliver,
			semconv.MessagingDestinationName(c.topic),
			semconv.MessagingKafkaConsumerGroup(c.groupID),
			semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
			semconv.MessagingDestinationPartitionID(strconv.Itoa(msg.Partition)),
			semconv.MessagingKafkaMessageKey(m.Key),
			attribute.String("event.type", m.EventType),
		),
	)
	defer span.End()

	if err := handler(spanCtx, m); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if IsPermanent(err) {
			if c.skipped != nil {
				c.skipped(m, err)
			}
			return nil
		}
		return err
	}

	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
