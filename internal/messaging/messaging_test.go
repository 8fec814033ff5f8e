package messaging

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestHeaderCarrier(t *testing.T) {
	msg := &kafka.Message{}
	c := headerCarrier{msg: msg}

	c.Set("traceparent", "a")
	c.Set("traceparent", "b")
	c.Set("baggage", "k=v")

	if got := c.Get("traceparent"); got != "b" {
		t.Errorf("expected overwritten value b, got %q", got)
	}
	if len(msg.Headers) != 2 {
		t.Errorf("expected 2 headers, got %d", len(msg.Headers))
	}
	if keys := c.Keys(); len(keys) != 2 || keys[0] != "traceparent" || keys[1] != "baggage" {
		t.Errorf("unexpected keys: %v", keys)
	}
	if got := c.Get("missing"); got != "" {
		t.Errorf("expected empty value, got %q", got)
	}
}

func TestHeaderCarrier_RoundTripsTraceContext(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	msg := &kafka.Message{}
	prop := propagation.TraceContext{}
	prop.Inject(ctx, headerCarrier{msg: msg})

	extracted := trace.SpanContextFromContext(prop.Extract(context.Background(), headerCarrier{msg: msg}))
	if extracted.TraceID() != traceID {
		t.Errorf("expected trace id %s, got %s", traceID, extracted.TraceID())
	}
}

type typedEvent struct{}

func (typedEvent) EventType() string { return "order.confirmed" }

func TestProcessMessage(t *testing.T) {
	c := &Consumer{topic: TopicOrderEvents, groupID: "test"}
	msg := kafka.Message{Key: []byte("o-1"), Value: []byte(`{}`)}
	setHeader(&msg, headerEventType, typedEvent{}.EventType())

	t.Run("passes key and event type", func(t *testing.T) {
		var got Message
		err := c.processMessage(context.Background(), msg, func(_ context.Context, m Message) error {
			got = m
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Key != "o-1" || got.EventType != "order.confirmed" {
			t.Errorf("unexpected message: %+v", got)
		}
	})

	t.Run("skips permanent errors", func(t *testing.T) {
		var skipped int
		c.skipped = func(Message, error) { skipped++ }
		defer func() { c.skipped = nil }()

		err := c.processMessage(context.Background(), msg, func(context.Context, Message) error {
			return Permanent(fmt.Errorf("decode: %w", errors.New("bad json")))
		})
		if err != nil {
			t.Errorf("expected permanent error to be swallowed, got %v", err)
		}
		if skipped != 1 {
			t.Errorf("expected skip hook to run once, got %d", skipped)
		}
	})

	t.Run("returns transient errors", func(t *testing.T) {
		transient := errors.New("webhook timeout")
		err := c.processMessage(context.Background(), msg, func(context.Context, Message) error {
			return transient
		})
		if !errors.Is(err, transient) {
			t.Errorf("expected transient error, got %v", err)
		}
	})
}
