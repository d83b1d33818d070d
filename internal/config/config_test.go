package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load("order-api")
	assert.Equal(t, "order-api", cfg.ServiceName)
	assert.Equal(t, 10, cfg.SagaConcurrency)
	assert.Equal(t, 5, cfg.QueueMaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.PaymentTimeout)
	assert.Equal(t, 15*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, "0.08", cfg.TaxRate)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("SAGA_CONCURRENCY", "4")
	t.Setenv("PAYMENT_TIMEOUT", "750ms")
	t.Setenv("QUEUE_MAX_ATTEMPTS", "-1")

	cfg := Load("order-api")
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 4, cfg.SagaConcurrency)
	assert.Equal(t, 750*time.Millisecond, cfg.PaymentTimeout)
	assert.Equal(t, 5, cfg.QueueMaxAttempts)
}

func TestLoadIgnoresOutOfRangeRates(t *testing.T) {
	t.Setenv("PAYMENT_DECLINE_RATE", "1.5")
	t.Setenv("PAYMENT_UNAVAILABLE_RATE", "0.3")

	cfg := Load("order-orchestrator")
	assert.Equal(t, 0.05, cfg.PaymentDeclineRate)
	assert.Equal(t, 0.3, cfg.PaymentUnavailableRate)
}
