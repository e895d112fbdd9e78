package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Poll interval bounds imposed by the provider's free-tier quota.
const (
	MinPollInterval = 30 * time.Second
	MaxPollInterval = 60 * time.Second
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	AppURL      string `env:"APP_URL" default:"http://localhost:8080"`
	DatabaseURL string `env:"DATABASE_URL" default:"signalhub.db"`
	RedisURL    string `env:"REDIS_URL"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`

	ProviderBaseURL       string        `env:"PROVIDER_BASE_URL" default:"https://api.coingecko.com/api/v3"`
	ProviderAPIKey        string        `env:"PROVIDER_API_KEY"`
	ProviderRatePerMinute int           `env:"PROVIDER_RATE_PER_MINUTE" default:"30"`
	ProviderTimeout       time.Duration `env:"PROVIDER_TIMEOUT" default:"10s"`

	PollInterval         time.Duration `env:"POLL_INTERVAL" default:"30s"`
	BuzzerTriggerPercent float64       `env:"BUZZER_TRIGGER_PERCENT" default:"5.0"`

	HeartbeatMissedInterval time.Duration `env:"HEARTBEAT_MISSED_INTERVAL" default:"45s"`
	HeartbeatExpiryInterval time.Duration `env:"HEARTBEAT_EXPIRY_INTERVAL" default:"120s"`
	IdentifyGrace           time.Duration `env:"IDENTIFY_GRACE" default:"30s"`
	SendTimeout             time.Duration `env:"SEND_TIMEOUT" default:"5s"`
	ShutdownGrace           time.Duration `env:"SHUTDOWN_GRACE" default:"10s"`

	AssetCatalogPath     string  `env:"ASSET_CATALOG_PATH"`
	MaxDeviceConnections int     `env:"MAX_DEVICE_CONNECTIONS" default:"10000"`
	DeviceMaxPerIP       int     `env:"DEVICE_MAX_PER_IP" default:"20"`
	DeviceConnectRate    float64 `env:"DEVICE_CONNECT_RATE" default:"2"`
	DeviceConnectBurst   int     `env:"DEVICE_CONNECT_BURST" default:"10"`

	DashboardOrigins   []string `env:"DASHBOARD_ORIGINS"`
	APIRatePerSecond   float64  `env:"API_RATE_PER_SECOND" default:"10"`
	APIRateBurst       int      `env:"API_RATE_BURST" default:"20"`
	DeviceCommandRate  float64  `env:"DEVICE_COMMAND_RATE" default:"1"`
	DeviceCommandBurst int      `env:"DEVICE_COMMAND_BURST" default:"5"`
}

// IsDevelopment reports whether localhost origins and verbose defaults are acceptable.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// UsesPostgres reports whether DatabaseURL points at a Postgres server rather than a SQLite file.
func (c *Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if cfg.ProviderBaseURL == "" {
		return errors.New("PROVIDER_BASE_URL is required")
	}

	if cfg.PollInterval < MinPollInterval || cfg.PollInterval > MaxPollInterval {
		return fmt.Errorf("POLL_INTERVAL must be between %s and %s, got %s", MinPollInterval, MaxPollInterval, cfg.PollInterval)
	}
	if cfg.ProviderRatePerMinute <= 0 {
		return errors.New("PROVIDER_RATE_PER_MINUTE must be positive")
	}
	if cfg.APIRatePerSecond <= 0 || cfg.APIRateBurst <= 0 {
		return errors.New("API_RATE_PER_SECOND and API_RATE_BURST must be positive")
	}
	if cfg.DeviceMaxPerIP < 0 || cfg.DeviceConnectRate < 0 || cfg.DeviceConnectBurst < 0 {
		return errors.New("DEVICE_MAX_PER_IP, DEVICE_CONNECT_RATE and DEVICE_CONNECT_BURST must not be negative")
	}
	if cfg.DeviceCommandRate < 0 || cfg.DeviceCommandBurst < 0 {
		return errors.New("DEVICE_COMMAND_RATE and DEVICE_COMMAND_BURST must not be negative")
	}
	if cfg.BuzzerTriggerPercent <= 0 {
		return errors.New("BUZZER_TRIGGER_PERCENT must be positive")
	}
	if cfg.HeartbeatMissedInterval <= 0 || cfg.HeartbeatExpiryInterval <= cfg.HeartbeatMissedInterval {
		return errors.New("HEARTBEAT_EXPIRY_INTERVAL must be greater than HEARTBEAT_MISSED_INTERVAL")
	}

	durations := map[string]time.Duration{
		"PROVIDER_TIMEOUT": cfg.ProviderTimeout,
		"IDENTIFY_GRACE":   cfg.IdentifyGrace,
		"SEND_TIMEOUT":     cfg.SendTimeout,
		"SHUTDOWN_GRACE":   cfg.ShutdownGrace,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.AppEnv == "production" && cfg.UsesPostgres() {
		mode := sslMode(cfg.DatabaseURL)
		if mode == "disable" || mode == "allow" {
			return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
		}
	}

	return nil
}

func sslMode(url string) string {
	_, query, ok := strings.Cut(url, "?")
	if !ok {
		return ""
	}
	for _, kv := range strings.Split(query, "&") {
		if k, v, _ := strings.Cut(kv, "="); k == "sslmode" {
			return strings.ToLower(v)
		}
	}
	return ""
}
