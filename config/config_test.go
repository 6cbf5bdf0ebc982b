package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.Checkout.ReservationTTL)
	assert.Equal(t, "EUR", cfg.Checkout.Currency)
	assert.Equal(t, "postgres", cfg.Checkout.StockBackend)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5, cfg.Worker.MaxAttempts)
	assert.True(t, cfg.UseMockProvider())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("RESERVATION_TTL", "45m")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 45*time.Minute, cfg.Checkout.ReservationTTL)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.False(t, cfg.UseMockProvider())
}

func TestLoadRejectsUnknownStockBackend(t *testing.T) {
	t.Setenv("STOCK_BACKEND", "memcached")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRequiresStripeInProduction(t *testing.T) {
	t.Setenv("ENV", "production")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsReaperFasterThanBackoff(t *testing.T) {
	t.Setenv("WORKER_BACKOFF_MAX", "10m")
	t.Setenv("REAPER_STALE_AFTER", "5m")

	_, err := Load()
	assert.ErrorContains(t, err, "REAPER_STALE_AFTER")
}
