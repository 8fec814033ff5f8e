package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/orderflow-checkout/internal/cart"
	"github.com/joao-fontenele/orderflow-checkout/internal/checkout"
	"github.com/joao-fontenele/orderflow-checkout/internal/config"
	"github.com/joao-fontenele/orderflow-checkout/internal/inventory"
	"github.com/joao-fontenele/orderflow-checkout/internal/lock"
	"github.com/joao-fontenele/orderflow-checkout/internal/messaging"
	"github.com/joao-fontenele/orderflow-checkout/internal/orders"
	"github.com/joao-fontenele/orderflow-checkout/internal/payment"
	"github.com/joao-fontenele/orderflow-checkout/internal/telemetry"
)

const cartCacheTTL = 15 * time.Minute

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := config.Require("POSTGRES_URL", "PAYMENT_GATEWAY_URL"); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load("8081")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	tel, err := telemetry.Init(ctx, "checkout", "0.1.0", cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	db, err := telemetry.OpenDB(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	rdb, err := telemetry.NewRedisClient(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	var publisher orders.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := messaging.NewProducer(cfg.KafkaBrokers, messaging.TopicOrderEvents)
		defer func() { _ = producer.Close() }()
		publisher = producer
	} else {
		logger.Warn("KAFKA_BROKERS not set, order events are disabled")
	}

	locks := lock.NewRedisCoordinator(rdb, lock.Options{Timeout: cfg.LockTimeout, TTL: cfg.LockTTL, Logger: logger})
	cartRepo := cart.NewCartRepository(db)
	inventoryRepo := inventory.NewInventoryRepository(db)
	orderRepo := orders.NewOrderRepository(db)

	httpClient := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	gateway := payment.NewHTTPGateway(cfg.PaymentGatewayURL, httpClient)

	cartCache := cart.NewRedisCache(rdb, cartCacheTTL)
	cartService := cart.NewService(cartRepo, cartCache, locks, inventoryRepo, cfg.TaxRateBPS, logger)
	orderService := orders.NewService(orderRepo, publisher, cfg.ReturnWindow, logger)
	orchestrator := checkout.NewOrchestrator(cartRepo, inventoryRepo, orderRepo, locks, gateway, publisher, cfg.Currency, logger).
		WithCartCache(cartCache)

	cartHandler := cart.NewHandler(cartService, logger)
	checkoutHandler := checkout.NewHandler(orchestrator, logger)
	orderHandler := orders.NewHandler(orderService, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /carts/current", telemetry.WithHTTPRoute(cartHandler.HandleGetCart))
	mux.HandleFunc("POST /carts/current/items", telemetry.WithHTTPRoute(cartHandler.HandleAddItem))
	mux.HandleFunc("PATCH /carts/current/items/{variantId}", telemetry.WithHTTPRoute(cartHandler.HandleUpdateItem))
	mux.HandleFunc("DELETE /carts/current/items/{variantId}", telemetry.WithHTTPRoute(cartHandler.HandleRemoveItem))
	mux.HandleFunc("POST /carts/merge", telemetry.WithHTTPRoute(cartHandler.HandleMerge))
	mux.HandleFunc("POST /checkout", telemetry.WithHTTPRoute(checkoutHandler.HandleCreateOrder))
	mux.HandleFunc("POST /checkout/{orderId}/verify", telemetry.WithHTTPRoute(checkoutHandler.HandleVerify))
	mux.HandleFunc("GET /orders", telemetry.WithHTTPRoute(orderHandler.HandleList))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(orderHandler.HandleGet))
	mux.HandleFunc("GET /admin/orders/reconciliation", telemetry.WithHTTPRoute(orderHandler.HandleListReconciliation))
	mux.HandleFunc("POST /admin/orders/{id}/transitions", telemetry.WithHTTPRoute(orderHandler.HandleTransition))
	mux.HandleFunc("GET /health", healthHandler(db, rdb))
	mux.Handle("GET /metrics", tel.MetricsHandler)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(mux, "checkout", otelhttp.WithSpanNameFormatter(telemetry.SpanName)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("starting checkout service", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func healthHandler(db *sql.DB, rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := db.PingContext(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable","component":"postgres"}`))
			return
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable","component":"redis"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
