// Strategy Engine — a signal-driven trade simulation and monitoring engine
// for strategies registered at runtime.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires the engine, waits for SIGINT/SIGTERM
//	engine/              — orchestrator: backtest frame loops, live wall-clock loops, walker ranking
//	strategy/core.go     — per-(symbol, strategy) state machine: scheduled/pending signal lifecycle
//	strategy/backtest.go — candle-vector fast-path resolving a signal in one pass
//	exchange/core.go     — cached candle access, VWAP pricing, price/quantity formatting
//	exchange/restsource.go — rate-limited REST kline client
//	risk/gate.go         — pre-flight signal checks over shared active-position sets
//	persist/             — live-signal crash safety (JSON files or redis)
//	schema/              — name-keyed exchange/frame/strategy/risk/walker registration
//	bus/                 — per-subscriber ordered pub/sub for run output
//
// The binary is a shell: it owns config, logging, persistence and shutdown.
// Exchanges, strategies, risk profiles and frames are registered through the
// schema registry before runs are started; see the schema package.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"strategy-engine/internal/bus"
	"strategy-engine/internal/config"
	"strategy-engine/internal/engine"
	"strategy-engine/internal/exchange"
	"strategy-engine/internal/persist"
	"strategy-engine/internal/schema"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ENGINE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	store, err := persist.Open(cfg.Persist)
	if err != nil {
		logger.Error("failed to open persistence", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	registry := schema.NewRegistry()
	if cfg.Exchange.BaseURL != "" {
		err := registry.AddExchange(schema.ExchangeSchema{
			Name:   "rest",
			Source: exchange.NewRestSource(cfg.Exchange, logger),
		})
		if err != nil {
			logger.Error("failed to register exchange", "error", err)
			os.Exit(1)
		}
	}

	events := bus.New()
	eng := engine.New(cfg, registry, store, events, logger)
	go logEvents(events, logger)

	logger.Info("strategy engine started",
		"exchange_url", cfg.Exchange.BaseURL,
		"persist_backend", cfg.Persist.Backend,
		"tick_ttl", cfg.Engine.TickTTL,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.StopAll()
	events.Close()
}

// logEvents mirrors run output to the logger so a headless deployment still
// has a trace of every signal, rejection and failure.
func logEvents(events *bus.Bus, logger *slog.Logger) {
	sub := events.Subscribe(
		bus.TopicSignal,
		bus.TopicRisk,
		bus.TopicWalkerComplete,
		bus.TopicDoneBacktest,
		bus.TopicDoneLive,
		bus.TopicError,
		bus.TopicExit,
	)
	for evt := range sub.Events() {
		switch evt.Topic {
		case bus.TopicError, bus.TopicExit:
			logger.Error("run event", "topic", evt.Topic, "payload", evt.Payload)
		default:
			logger.Info("run event", "topic", evt.Topic, "payload", evt.Payload)
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
