package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string

	Provider ProviderConfig
	Billing  BillingConfig
}

// ProviderConfig configures the remote payment provider client.
type ProviderConfig struct {
	BaseURL        string
	SecretKey      string
	WebhookSecret  string
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// BillingConfig holds engine-level billing knobs.
type BillingConfig struct {
	// GracePeriodDays is how long a past_due subscription keeps its
	// entitlements before the resolver drops it.
	GracePeriodDays int
	SweepInterval   time.Duration
	SweepBatchSize  int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "plangate"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		Provider: ProviderConfig{
			BaseURL:        getenv("PROVIDER_BASE_URL", "https://api.stripe.com"),
			SecretKey:      strings.TrimSpace(getenv("PROVIDER_SECRET_KEY", "")),
			WebhookSecret:  strings.TrimSpace(getenv("PROVIDER_WEBHOOK_SECRET", "")),
			RequestTimeout: getenvDuration("PROVIDER_REQUEST_TIMEOUT", 15*time.Second),
			MaxRetries:     getenvInt("PROVIDER_MAX_RETRIES", 3),
			RetryBaseDelay: getenvDuration("PROVIDER_RETRY_BASE_DELAY", 500*time.Millisecond),
		},
		Billing: BillingConfig{
			GracePeriodDays: getenvInt("GRACE_PERIOD_DAYS", 7),
			SweepInterval:   getenvDuration("SWEEP_INTERVAL", time.Minute),
			SweepBatchSize:  getenvInt("SWEEP_BATCH_SIZE", 50),
		},
	}
}

var Module = fx.Module("config",
	fx.Provide(Load),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
