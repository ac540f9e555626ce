package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "LOCK_TIMEOUT", "LOG_LEVEL", "TRADE_RATE_PER_MIN", "RECHARGE_RATE_PER_MIN", "KAFKA_TOPIC"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %q", cfg.Port)
	}
	if cfg.LockTimeout != 2*time.Second {
		t.Errorf("expected 2s lock timeout, got %s", cfg.LockTimeout)
	}
	if cfg.TradeRatePerMin != 10 || cfg.RechargeRatePerMin != 5 {
		t.Errorf("unexpected rate limits %d/%d", cfg.TradeRatePerMin, cfg.RechargeRatePerMin)
	}
	if cfg.KafkaTopic != "exchange-events" {
		t.Errorf("unexpected topic %q", cfg.KafkaTopic)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("LOCK_TIMEOUT", "500ms")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" || cfg.LockTimeout != 500*time.Millisecond {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers %v", cfg.KafkaBrokers)
	}
}

func TestValidate(t *testing.T) {
	bad := Config{LockTimeout: 0, LogLevel: "info"}
	if bad.Validate() == nil {
		t.Error("zero lock timeout should be rejected")
	}
	bad = Config{LockTimeout: time.Second, LogLevel: "loud"}
	if bad.Validate() == nil {
		t.Error("unknown log level should be rejected")
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	if err != nil || lvl != slog.LevelWarn {
		t.Errorf("expected warn, got %v (%v)", lvl, err)
	}
}
