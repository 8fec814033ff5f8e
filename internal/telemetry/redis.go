package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// NewRedisClient returns a traced client and verifies the server answers.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		// CLIENT SETINFO is rejected by servers older than 7.2.
		DisableIdentity: true,
	})

	if err := instrumentRedis(client, otel.GetTracerProvider(), otel.GetMeterProvider()); err != nil {
		_ = client.Close()
		return nil, err
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return client, nil
}

// instrumentRedis adds one client span per command or pipeline and the
// connection pool metrics. Command arguments are left out of spans since
// they carry cart contents.
func instrumentRedis(client *redis.Client, tp trace.TracerProvider, mp metric.MeterProvider) error {
	if err := redisotel.InstrumentTracing(client,
		redisotel.WithTracerProvider(tp),
		redisotel.WithDBStatement(false),
	); err != nil {
		return fmt.Errorf("instrument redis tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(client, redisotel.WithMeterProvider(mp)); err != nil {
		return fmt.Errorf("instrument redis metrics: %w", err)
	}
	return nil
}
