package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "REDIS_ADDR", "KAFKA_BROKERS", "TAX_RATE_BPS", "LOCK_TIMEOUT", "LOCK_TTL", "RETURN_WINDOW"} {
		t.Setenv(k, "")
	}

	cfg, err := Load("8081")
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.Port)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Nil(t, cfg.KafkaBrokers)
	assert.Equal(t, int64(0), cfg.TaxRateBPS)
	assert.Equal(t, 3*time.Second, cfg.LockTimeout)
	assert.Equal(t, 10*time.Second, cfg.LockTTL)
	assert.Equal(t, 14*24*time.Hour, cfg.ReturnWindow)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("TAX_RATE_BPS", "825")
	t.Setenv("LOCK_TIMEOUT", "500ms")
	t.Setenv("LOCK_TTL", "2s")

	cfg, err := Load("8081")
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, int64(825), cfg.TaxRateBPS)
	assert.Equal(t, 500*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, 2*time.Second, cfg.LockTTL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"malformed duration", "LOCK_TIMEOUT", "soon"},
		{"negative duration", "PENDING_ORDER_TTL", "-1m"},
		{"malformed tax rate", "TAX_RATE_BPS", "eight"},
		{"tax rate above 100%", "TAX_RATE_BPS", "10001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load("8081")
			assert.Error(t, err)
		})
	}
}

func TestLoad_TTLShorterThanTimeout(t *testing.T) {
	t.Setenv("LOCK_TIMEOUT", "5s")
	t.Setenv("LOCK_TTL", "1s")

	_, err := Load("8081")
	assert.ErrorContains(t, err, "LOCK_TTL")
}

func TestRequire(t *testing.T) {
	t.Setenv("POSTGRES_URL", "postgres://x")
	t.Setenv("REDIS_ADDR", "")

	assert.NoError(t, Require("POSTGRES_URL"))
	assert.ErrorContains(t, Require("POSTGRES_URL", "REDIS_ADDR"), "REDIS_ADDR")
}
