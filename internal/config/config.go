package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string

	Currency      string
	SiteTitle     string
	PublicBaseURL string

	GoPayGoID         string
	GoPayClientID     string
	GoPayClientSecret string
	GoPayBaseURL      string
	GoPayTestMode     bool
	GoPayEETEnabled   bool

	RecurrenceDateTo    string
	RecurrenceStopCodes []string

	GatewayTimeout    time.Duration
	ReconcileLockTTL  time.Duration
	LockRetryBackoff  time.Duration
	ChargeDueInterval time.Duration
	ChargePeriod      time.Duration
	ChargeRetryDelay  time.Duration
	ExpiryScanCron    string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:      valueOrDefault(k.String("APP_ENV"), "development"),
		Port:        valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL: k.String("DATABASE_URL"),
		RedisURL:    k.String("REDIS_URL"),

		Currency:      valueOrDefault(k.String("CURRENCY"), "CZK"),
		SiteTitle:     valueOrDefault(k.String("SITE_TITLE"), "billing"),
		PublicBaseURL: strings.TrimRight(k.String("PUBLIC_BASE_URL"), "/"),

		GoPayGoID:         k.String("GOPAY_GO_ID"),
		GoPayClientID:     k.String("GOPAY_CLIENT_ID"),
		GoPayClientSecret: k.String("GOPAY_CLIENT_SECRET"),
		GoPayBaseURL:      k.String("GOPAY_BASE_URL"),
		GoPayTestMode:     parseBool(k.String("GOPAY_TEST_MODE")),
		GoPayEETEnabled:   parseBool(k.String("GOPAY_EET_ENABLED")),

		RecurrenceDateTo:    valueOrDefault(k.String("GOPAY_RECURRENCE_DATE_TO"), "2030-12-31"),
		RecurrenceStopCodes: splitAndTrim(k.String("GOPAY_RECURRENCE_STOP_CODES")),

		GatewayTimeout:    parseDuration(k.String("GATEWAY_TIMEOUT"), "20s"),
		ReconcileLockTTL:  parseDuration(k.String("RECONCILE_LOCK_TTL"), "30s"),
		LockRetryBackoff:  parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
		ChargeDueInterval: parseDuration(k.String("CHARGE_DUE_INTERVAL"), "5m"),
		ChargePeriod:      parseDuration(k.String("RECURRING_CHARGE_PERIOD"), "720h"),
		ChargeRetryDelay:  parseDuration(k.String("RECURRING_RETRY_DELAY"), "24h"),
		ExpiryScanCron:    valueOrDefault(k.String("EXPIRY_SCAN_CRON"), "0 4 * * *"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.GoPayGoID == "" {
		return nil, errors.New("GOPAY_GO_ID is required")
	}
	if cfg.GoPayClientID == "" || cfg.GoPayClientSecret == "" {
		return nil, errors.New("GOPAY_CLIENT_ID and GOPAY_CLIENT_SECRET are required")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false
	}
	return parsed
}
