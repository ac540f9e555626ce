// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Port               string        `env:"PORT" envDefault:"8080"`
	DatabaseURL        string        `env:"DATABASE_URL"`
	RedisURL           string        `env:"REDIS_URL"`
	CacheTTL           time.Duration `env:"CACHE_TTL" envDefault:"30s"`
	LockTimeout        time.Duration `env:"LOCK_TIMEOUT" envDefault:"2s"`
	KafkaBrokers       []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic         string        `env:"KAFKA_TOPIC" envDefault:"exchange-events"`
	TracingEnabled     bool          `env:"TRACING_ENABLED" envDefault:"false"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	CORSOrigin         string        `env:"CORS_ORIGIN" envDefault:"*"`
	TradeRatePerMin    int           `env:"TRADE_RATE_PER_MIN" envDefault:"10"`
	RechargeRatePerMin int           `env:"RECHARGE_RATE_PER_MIN" envDefault:"5"`
	AutoMigrate        bool          `env:"AUTO_MIGRATE" envDefault:"false"`
}

// Load reads an optional .env file and then the process environment.
// Real environment variables win over .env entries.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive, got %s", c.LockTimeout)
	}
	if c.TradeRatePerMin < 0 || c.RechargeRatePerMin < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps LOG_LEVEL onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown LOG_LEVEL %q", s)
}
