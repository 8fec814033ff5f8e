package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/orderflow-checkout/internal/config"
	"github.com/joao-fontenele/orderflow-checkout/internal/gateway"
	"github.com/joao-fontenele/orderflow-checkout/internal/telemetry"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := config.Require("CHECKOUT_SERVICE_URL", "INVENTORY_SERVICE_URL"); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load("8080")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "gateway", "0.1.0", cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	httpClient := &http.Client{
		Timeout:   15 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	checkoutProxy := gateway.NewServiceProxy(cfg.CheckoutServiceURL, httpClient)
	inventoryProxy := gateway.NewServiceProxy(cfg.InventoryServiceURL, httpClient)
	handler := gateway.NewHandler(checkoutProxy, inventoryProxy, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /carts/current", telemetry.WithHTTPRoute(handler.HandleCheckout))
	mux.HandleFunc("POST /carts/current/items", telemetry.WithHTTPRoute(handler.HandleCheckout))
	mux.HandleFunc("PATCH /carts/current/items/{variantId}", telemetry.WithHTTPRoute(handler.HandleCheckout))
	mux.HandleFunc("DELETE /carts/current/items/{variantId}", telemetry.WithHTTPRoute(handler.HandleCheckout))
	mux.HandleFunc("POST /carts/merge", telemetry.WithHTTPRoute(handler.HandleCheckout))
	mux.HandleFunc("POST /checkout", telemetry.WithHTTPRoute(handler.HandleCheckout))
	mux.HandleFunc("POST /checkout/{orderId}/verify", telemetry.WithHTTPRoute(handler.HandleCheckout))
	mux.HandleFunc("GET /orders", telemetry.WithHTTPRoute(handler.HandleCheckout))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(handler.HandleCheckout))
	mux.HandleFunc("GET /inventory/stock", telemetry.WithHTTPRoute(handler.HandleInventory))
	mux.HandleFunc("GET /inventory/stock/{variantId}", telemetry.WithHTTPRoute(handler.HandleInventory))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(mux, "gateway", otelhttp.WithSpanNameFormatter(telemetry.SpanName)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
	}

	go func() {
		logger.Info("starting gateway service", "port", cfg.Port)
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
