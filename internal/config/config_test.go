package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"LOW_STOCK_THRESHOLD", "ALERT_COOLDOWN_HOURS", "RESERVATION_TTL_MINUTES", "RETRY_MAX_ATTEMPTS", "PAYMENT_TOLERANCE", "KAFKA_BROKERS"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.LowStockThreshold != 10 {
		t.Fatalf("expected threshold 10, got %d", cfg.LowStockThreshold)
	}
	if cfg.AlertCooldown != 24*time.Hour {
		t.Fatalf("expected 24h cooldown, got %s", cfg.AlertCooldown)
	}
	if cfg.ReservationTTL != 15*time.Minute {
		t.Fatalf("expected 15m reservation ttl, got %s", cfg.ReservationTTL)
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.PaymentTolerance.String() != "0.01" {
		t.Fatalf("expected tolerance 0.01, got %s", cfg.PaymentTolerance)
	}
	if len(cfg.KafkaBrokers) != 0 {
		t.Fatalf("expected no brokers, got %v", cfg.KafkaBrokers)
	}
}

func TestLoadRejectsMalformedNumbers(t *testing.T) {
	t.Setenv("RETRY_MAX_ATTEMPTS", "zero")
	t.Setenv("LOW_STOCK_THRESHOLD", "-4")
	t.Setenv("PAYMENT_TOLERANCE", "lots")

	cfg := Load()
	if cfg.RetryMaxAttempts != 3 {
		t.Fatalf("expected fallback attempts, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.LowStockThreshold != 10 {
		t.Fatalf("expected fallback threshold, got %d", cfg.LowStockThreshold)
	}
	if cfg.PaymentTolerance.String() != "0.01" {
		t.Fatalf("expected fallback tolerance, got %s", cfg.PaymentTolerance)
	}
}

func TestLoadSplitsBrokers(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,,")

	cfg := Load()
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
}
