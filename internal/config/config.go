// Package config defines all configuration for the strategy engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via ENGINE_* environment variables. Every tunable has a
// default, so an empty file yields a working engine.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Persist  PersistConfig  `mapstructure:"persist"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Limits   Limits         `mapstructure:"limits"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ExchangeConfig holds the REST candle source endpoint settings.
type ExchangeConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	KlinesPath string        `mapstructure:"klines_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
}

// PersistConfig selects the persistence backend for live-mode crash safety.
// Backend is "file" (JSON files under DataDir) or "redis".
type PersistConfig struct {
	Backend   string `mapstructure:"backend"`
	DataDir   string `mapstructure:"data_dir"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
}

// EngineConfig tunes the execution loops.
// TickTTL is the live-loop sleep. The extra millisecond over one minute
// avoids boundary aliasing with exactly-at-minute candle closes.
type EngineConfig struct {
	TickTTL time.Duration `mapstructure:"tick_ttl"`
}

// Limits are the engine invariants applied to every signal.
//
//   - AvgPriceCandles:          VWAP window in 1m candles.
//   - MaxCandlesPerRequest:     chunking threshold for candle fetches.
//   - ScheduleAwaitMinutes:     scheduled-signal activation timeout.
//   - MaxSignalLifetimeMinutes: hard cap on a signal's minuteEstimatedTime.
//   - MinTakeProfitDistancePct: TP must clear fees plus some profit.
//   - MaxStopLossDistancePct:   SL sanity cap.
//   - FeePercent:               entry and exit fee, each side.
//   - SlippagePercent:          slippage against the trader, each side.
type Limits struct {
	AvgPriceCandles          int     `mapstructure:"avg_price_candles"`
	MaxCandlesPerRequest     int     `mapstructure:"max_candles_per_request"`
	ScheduleAwaitMinutes     int     `mapstructure:"schedule_await_minutes"`
	MaxSignalLifetimeMinutes int     `mapstructure:"max_signal_lifetime_minutes"`
	MinTakeProfitDistancePct float64 `mapstructure:"min_takeprofit_distance_percent"`
	MaxStopLossDistancePct   float64 `mapstructure:"max_stoploss_distance_percent"`
	FeePercent               float64 `mapstructure:"fee_percent"`
	SlippagePercent          float64 `mapstructure:"slippage_percent"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultLimits returns the engine limits with default values applied.
func DefaultLimits() Limits {
	return Limits{
		AvgPriceCandles:          5,
		MaxCandlesPerRequest:     500,
		ScheduleAwaitMinutes:     120,
		MaxSignalLifetimeMinutes: 1440,
		MinTakeProfitDistancePct: 0.3,
		MaxStopLossDistancePct:   20,
		FeePercent:               0.1,
		SlippagePercent:          0.1,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.timeout", 10*time.Second)
	v.SetDefault("exchange.retry_count", 3)
	v.SetDefault("exchange.klines_path", "/api/v3/klines")

	v.SetDefault("persist.backend", "file")
	v.SetDefault("persist.data_dir", "./persist")
	v.SetDefault("persist.redis_addr", "localhost:6379")
	v.SetDefault("persist.redis_db", 0)

	v.SetDefault("engine.tick_ttl", 60001*time.Millisecond)

	d := DefaultLimits()
	v.SetDefault("limits.avg_price_candles", d.AvgPriceCandles)
	v.SetDefault("limits.max_candles_per_request", d.MaxCandlesPerRequest)
	v.SetDefault("limits.schedule_await_minutes", d.ScheduleAwaitMinutes)
	v.SetDefault("limits.max_signal_lifetime_minutes", d.MaxSignalLifetimeMinutes)
	v.SetDefault("limits.min_takeprofit_distance_percent", d.MinTakeProfitDistancePct)
	v.SetDefault("limits.max_stoploss_distance_percent", d.MaxStopLossDistancePct)
	v.SetDefault("limits.fee_percent", d.FeePercent)
	v.SetDefault("limits.slippage_percent", d.SlippagePercent)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads config from a YAML file with env var overrides (ENGINE_ prefix).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns the full configuration without reading a file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Persist.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("persist.backend must be file or redis, got %q", c.Persist.Backend)
	}
	if c.Persist.Backend == "file" && c.Persist.DataDir == "" {
		return fmt.Errorf("persist.data_dir is required for the file backend")
	}
	if c.Persist.Backend == "redis" && c.Persist.RedisAddr == "" {
		return fmt.Errorf("persist.redis_addr is required for the redis backend")
	}
	if c.Engine.TickTTL <= 0 {
		return fmt.Errorf("engine.tick_ttl must be > 0")
	}
	return c.Limits.Validate()
}

// Validate checks the limit values.
func (l Limits) Validate() error {
	if l.AvgPriceCandles <= 0 {
		return fmt.Errorf("limits.avg_price_candles must be > 0")
	}
	if l.MaxCandlesPerRequest <= 0 {
		return fmt.Errorf("limits.max_candles_per_request must be > 0")
	}
	if l.ScheduleAwaitMinutes <= 0 {
		return fmt.Errorf("limits.schedule_await_minutes must be > 0")
	}
	if l.MaxSignalLifetimeMinutes <= 0 {
		return fmt.Errorf("limits.max_signal_lifetime_minutes must be > 0")
	}
	if l.MinTakeProfitDistancePct < 0 {
		return fmt.Errorf("limits.min_takeprofit_distance_percent must be >= 0")
	}
	if l.MaxStopLossDistancePct <= 0 {
		return fmt.Errorf("limits.max_stoploss_distance_percent must be > 0")
	}
	if l.FeePercent < 0 || l.SlippagePercent < 0 {
		return fmt.Errorf("limits.fee_percent and limits.slippage_percent must be >= 0")
	}
	return nil
}
