package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/orderflow-checkout/internal/cart"
	"github.com/joao-fontenele/orderflow-checkout/internal/config"
	"github.com/joao-fontenele/orderflow-checkout/internal/messaging"
	"github.com/joao-fontenele/orderflow-checkout/internal/orders"
	"github.com/joao-fontenele/orderflow-checkout/internal/telemetry"
	"github.com/joao-fontenele/orderflow-checkout/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := config.Require("POSTGRES_URL", "KAFKA_BROKERS"); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load("")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.OpsWebhookURL == "" {
		logger.Warn("OPS_WEBHOOK_URL not set, reconciliation alerts will only be logged")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "worker", "0.1.0", cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	db, err := telemetry.OpenDB(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	producer := messaging.NewProducer(cfg.KafkaBrokers, messaging.TopicOrderEvents)
	defer func() { _ = producer.Close() }()

	janitor := worker.NewJanitor(orders.NewOrderRepository(db), cart.NewCartRepository(db), producer,
		cfg.PendingOrderTTL, cfg.CartRetention, logger)
	go janitor.Run(ctx, cfg.JanitorInterval)

	httpClient := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	events := worker.NewEventHandler(cfg.OpsWebhookURL, httpClient, logger)

	consumer := messaging.NewConsumer(cfg.KafkaBrokers, messaging.TopicOrderEvents, "checkout-worker",
		messaging.WithSkipHook(func(msg messaging.Message, err error) {
			logger.Error("skipping order event", "error", err, "key", msg.Key, "type", msg.EventType)
		}),
	)
	defer func() { _ = consumer.Close() }()

	logger.Info("starting worker", "brokers", cfg.KafkaBrokers, "janitor_interval", cfg.JanitorInterval)

	if err := consumer.Consume(ctx, events.Handle); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("consumer stopped")
			return
		}
		logger.Error("consumer error", "error", err)
		os.Exit(1)
	}
}
