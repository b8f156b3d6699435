package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "logging:\n  level: debug\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Limits.AvgPriceCandles != 5 {
		t.Errorf("avg_price_candles = %d, want 5", cfg.Limits.AvgPriceCandles)
	}
	if cfg.Limits.MaxCandlesPerRequest != 500 {
		t.Errorf("max_candles_per_request = %d, want 500", cfg.Limits.MaxCandlesPerRequest)
	}
	if cfg.Limits.ScheduleAwaitMinutes != 120 {
		t.Errorf("schedule_await_minutes = %d, want 120", cfg.Limits.ScheduleAwaitMinutes)
	}
	if cfg.Limits.MaxSignalLifetimeMinutes != 1440 {
		t.Errorf("max_signal_lifetime_minutes = %d, want 1440", cfg.Limits.MaxSignalLifetimeMinutes)
	}
	if cfg.Engine.TickTTL != 60001*time.Millisecond {
		t.Errorf("tick_ttl = %v, want 60.001s", cfg.Engine.TickTTL)
	}
	if cfg.Persist.Backend != "file" {
		t.Errorf("persist backend = %q, want file", cfg.Persist.Backend)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging level = %q, want debug (from file)", cfg.Logging.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
persist:
  backend: redis
  redis_addr: 10.0.0.5:6379
limits:
  fee_percent: 0.2
  schedule_await_minutes: 30
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Persist.Backend != "redis" {
		t.Errorf("backend = %q, want redis", cfg.Persist.Backend)
	}
	if cfg.Limits.FeePercent != 0.2 {
		t.Errorf("fee_percent = %v, want 0.2", cfg.Limits.FeePercent)
	}
	if cfg.Limits.ScheduleAwaitMinutes != 30 {
		t.Errorf("schedule_await_minutes = %d, want 30", cfg.Limits.ScheduleAwaitMinutes)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateRejectsBadBackend(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Persist.Backend = "s3"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown persist backend")
	}
}

func TestValidateRejectsBadLimits(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Limits.AvgPriceCandles = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero avg_price_candles")
	}

	cfg = Default()
	cfg.Limits.FeePercent = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative fee_percent")
	}
}
