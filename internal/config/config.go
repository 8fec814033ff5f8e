// Package config reads service settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port                string
	PostgresURL         string
	RedisAddr           string
	KafkaBrokers        []string
	PaymentGatewayURL   string
	OpsWebhookURL       string
	CheckoutServiceURL  string
	InventoryServiceURL string
	OTLPEndpoint        string
	Currency            string
	TaxRateBPS          int64
	LockTimeout         time.Duration
	LockTTL             time.Duration
	CartRetention       time.Duration
	PendingOrderTTL     time.Duration
	ReturnWindow        time.Duration
	JanitorInterval     time.Duration
}

// Load reads every setting, falling back to defaults. defaultPort is used
// when PORT is unset so each binary keeps its own port.
func Load(defaultPort string) (*Config, error) {
	cfg := &Config{
		Port:                getenv("PORT", defaultPort),
		PostgresURL:         os.Getenv("POSTGRES_URL"),
		RedisAddr:           getenv("REDIS_ADDR", "localhost:6379"),
		PaymentGatewayURL:   os.Getenv("PAYMENT_GATEWAY_URL"),
		OpsWebhookURL:       os.Getenv("OPS_WEBHOOK_URL"),
		CheckoutServiceURL:  os.Getenv("CHECKOUT_SERVICE_URL"),
		InventoryServiceURL: os.Getenv("INVENTORY_SERVICE_URL"),
		OTLPEndpoint:        getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Currency:            getenv("CURRENCY", "USD"),
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	var err error
	if cfg.TaxRateBPS, err = getInt("TAX_RATE_BPS", 0); err != nil {
		return nil, err
	}
	if cfg.TaxRateBPS < 0 || cfg.TaxRateBPS > 10000 {
		return nil, fmt.Errorf("TAX_RATE_BPS must be between 0 and 10000, got %d", cfg.TaxRateBPS)
	}

	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"LOCK_TIMEOUT", &cfg.LockTimeout, 3 * time.Second},
		{"LOCK_TTL", &cfg.LockTTL, 10 * time.Second},
		{"CART_RETENTION", &cfg.CartRetention, 30 * 24 * time.Hour},
		{"PENDING_ORDER_TTL", &cfg.PendingOrderTTL, 30 * time.Minute},
		{"RETURN_WINDOW", &cfg.ReturnWindow, 14 * 24 * time.Hour},
		{"JANITOR_INTERVAL", &cfg.JanitorInterval, time.Minute},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	if cfg.LockTTL < cfg.LockTimeout {
		return nil, fmt.Errorf("LOCK_TTL (%s) must not be shorter than LOCK_TIMEOUT (%s)", cfg.LockTTL, cfg.LockTimeout)
	}

	return cfg, nil
}

// Require returns an error naming every listed variable that is unset.
func Require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if os.Getenv(k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required environment variables not set: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, d)
	}
	return d, nil
}
