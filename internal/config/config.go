package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string

	LogLevel  string
	LogFormat string

	LowStockThreshold int
	AlertCooldown     time.Duration
	ReservationTTL    time.Duration
	LockTimeout       time.Duration

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration

	PaymentTolerance        decimal.Decimal
	LoyaltyCurrencyPerPoint decimal.Decimal
	LoyaltyPointValue       decimal.Decimal
	ProductCacheTTL         time.Duration

	KafkaBrokers    []string
	KafkaAlertTopic string
	JobLockTTL      time.Duration
}

// Load reads the environment, after merging a .env file from the working
// directory when one exists. Values already set in the environment win.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getInt("REDIS_DB", 0, 0),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		LowStockThreshold: getInt("LOW_STOCK_THRESHOLD", 10, 0),
		AlertCooldown:     time.Duration(getInt("ALERT_COOLDOWN_HOURS", 24, 1)) * time.Hour,
		ReservationTTL:    time.Duration(getInt("RESERVATION_TTL_MINUTES", 15, 1)) * time.Minute,
		LockTimeout:       time.Duration(getInt("LOCK_TIMEOUT_MS", 2000, 1)) * time.Millisecond,

		RetryMaxAttempts: getInt("RETRY_MAX_ATTEMPTS", 3, 1),
		RetryBaseDelay:   time.Duration(getInt("RETRY_BASE_DELAY_MS", 20, 1)) * time.Millisecond,

		PaymentTolerance:        getDecimal("PAYMENT_TOLERANCE", "0.01"),
		LoyaltyCurrencyPerPoint: getDecimal("LOYALTY_CURRENCY_PER_POINT", "1"),
		LoyaltyPointValue:       getDecimal("LOYALTY_POINT_VALUE", "0.01"),
		ProductCacheTTL:         time.Duration(getInt("PRODUCT_CACHE_TTL_SECONDS", 60, 1)) * time.Second,

		KafkaBrokers:    splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaAlertTopic: getEnv("KAFKA_ALERT_TOPIC", "inventory.low-stock"),
		JobLockTTL:      time.Duration(getInt("JOB_LOCK_TTL_SECONDS", 120, 1)) * time.Second,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getInt falls back when the value is missing, malformed or below min.
func getInt(key string, fallback int, min int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < min {
		return fallback
	}
	return n
}

func getDecimal(key string, fallback string) decimal.Decimal {
	d, err := decimal.NewFromString(getEnv(key, fallback))
	if err != nil || d.IsNegative() {
		return decimal.RequireFromString(fallback)
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
