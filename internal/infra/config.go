package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	JWTSecret   string
	GeoIPDBPath string

	ProviderBaseURL      string
	ProviderAPIKey       string
	ProviderQueryTimeout time.Duration
	RetryBudget          int

	ExpiryGraceDays    int
	SweepInterval      time.Duration
	SweepBatchSize     int
	NotificationsLimit int
	GenerationsLimit   int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		GeoIPDBPath: os.Getenv("GEOIP_DB_PATH"),

		ProviderBaseURL:      os.Getenv("PROVIDER_BASE_URL"),
		ProviderAPIKey:       os.Getenv("PROVIDER_API_KEY"),
		ProviderQueryTimeout: time.Second * time.Duration(getEnvInt("PROVIDER_QUERY_TIMEOUT_SECONDS", 8)),
		RetryBudget:          getEnvInt("PROVIDER_RETRY_BUDGET", 3),

		ExpiryGraceDays:    getEnvInt("STORAGE_EXPIRY_GRACE_DAYS", 3),
		SweepInterval:      time.Minute * time.Duration(getEnvInt("SWEEP_INTERVAL_MINUTES", 60)),
		SweepBatchSize:     getEnvInt("SWEEP_BATCH_SIZE", 100),
		NotificationsLimit: getEnvInt("NOTIFICATIONS_LIMIT", 50),
		GenerationsLimit:   getEnvInt("GENERATIONS_LIMIT", 50),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

// ExpiryGrace returns the over-quota grace window as a duration.
func (c *Config) ExpiryGrace() time.Duration {
	return time.Duration(c.ExpiryGraceDays) * 24 * time.Hour
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
