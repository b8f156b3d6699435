// Package engine wires the registry, exchange core, risk gate, persistence
// and state machines together and drives them: finite backtests over frame
// sequences, infinite live loops on wall clock, and sequential walker
// evaluations ranking candidate strategies.
package engine

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"strategy-engine/internal/bus"
	"strategy-engine/internal/config"
	"strategy-engine/internal/exchange"
	"strategy-engine/internal/persist"
	"strategy-engine/internal/risk"
	"strategy-engine/internal/schema"
	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/types"
)

// RunParams names the configuration for one engine run.
type RunParams struct {
	Symbol       string
	StrategyName string
	ExchangeName string
	FrameName    string // backtests only
}

// Engine owns the shared services and the per-(symbol, strategy) state
// machines. One engine instance serves any number of concurrent runs; each
// (symbol, strategy) pair may be in at most one run at a time.
type Engine struct {
	cfg      *config.Config
	registry *schema.Registry
	events   *bus.Bus
	market   *exchange.Core
	gate     *risk.Gate
	store    persist.Adapter
	logger   *slog.Logger
	valid    *schema.ValidationService
	cores    *schema.Instances[*strategy.Core]

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an engine over the registry. store may be nil when only
// backtests will run.
func New(cfg *config.Config, registry *schema.Registry, store persist.Adapter, events *bus.Bus, logger *slog.Logger) *Engine {
	eng := &Engine{
		cfg:      cfg,
		registry: registry,
		events:   events,
		store:    store,
		logger:   logger.With("component", "engine"),
		market:   exchange.NewCore(registry, cfg.Limits, logger),
		gate:     risk.NewGate(registry, events, logger),
		valid:    schema.NewValidationService(registry),
		locks:    make(map[string]*sync.Mutex),
	}
	eng.cores = schema.NewInstances(func(key string) *strategy.Core {
		symbol, stratName, _ := strings.Cut(key, "|")
		strat, err := registry.Strategy(stratName)
		if err != nil {
			// Guarded by validation before any Get; reaching here is a bug.
			panic(fmt.Sprintf("unregistered strategy %q", stratName))
		}
		return strategy.NewCore(symbol, strat, cfg.Limits, eng.market, eng.gate, store, events, logger)
	})
	return eng
}

// Events returns the engine's bus for subscribing to run output.
func (eng *Engine) Events() *bus.Bus {
	return eng.events
}

func coreKey(symbol, strategyName string) string {
	return symbol + "|" + strategyName
}

// core returns the memoized state machine for the pair. Repeated runs of the
// same pair observe the same machine.
func (eng *Engine) core(symbol, strategyName string) *strategy.Core {
	return eng.cores.Get(coreKey(symbol, strategyName))
}

// Stop requests a graceful stop of the pair's machine. Safe to call for
// pairs that never ran.
func (eng *Engine) Stop(symbol, strategyName string) {
	eng.cores.Each(func(key string, c *strategy.Core) {
		if key == coreKey(symbol, strategyName) {
			c.Stop()
		}
	})
}

// StopAll requests a graceful stop of every known machine.
func (eng *Engine) StopAll() {
	eng.cores.Each(func(_ string, c *strategy.Core) {
		c.Stop()
	})
}

// acquire serializes runs per pair: a second run for the same
// (symbol, strategy) queues behind the first instead of interleaving ticks.
func (eng *Engine) acquire(symbol, strategyName string) {
	key := coreKey(symbol, strategyName)
	eng.mu.Lock()
	l, ok := eng.locks[key]
	if !ok {
		l = &sync.Mutex{}
		eng.locks[key] = l
	}
	eng.mu.Unlock()
	l.Lock()
}

func (eng *Engine) release(symbol, strategyName string) {
	eng.mu.Lock()
	l := eng.locks[coreKey(symbol, strategyName)]
	eng.mu.Unlock()
	l.Unlock()
}

// validateRun checks every name the run references, including the risk
// profiles of the strategy.
func (eng *Engine) validateRun(p RunParams, needFrame bool) error {
	if p.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", types.ErrConfig)
	}
	if err := eng.valid.Validate(schema.KindExchange, p.ExchangeName); err != nil {
		return err
	}
	if err := eng.valid.Validate(schema.KindStrategy, p.StrategyName); err != nil {
		return err
	}
	if needFrame {
		if err := eng.valid.Validate(schema.KindFrame, p.FrameName); err != nil {
			return err
		}
	}
	strat, err := eng.registry.Strategy(p.StrategyName)
	if err != nil {
		return err
	}
	for _, riskName := range strat.RiskNames() {
		if err := eng.valid.Validate(schema.KindRisk, riskName); err != nil {
			return err
		}
	}
	return nil
}

func (eng *Engine) publishError(p RunParams, backtest bool, whenMs int64, err error) {
	eng.logger.Error("tick failed",
		"symbol", p.Symbol,
		"strategy", p.StrategyName,
		"backtest", backtest,
		"err", err,
	)
	eng.events.Publish(bus.TopicError, types.ErrorEvent{
		Symbol:       p.Symbol,
		StrategyName: p.StrategyName,
		ExchangeName: p.ExchangeName,
		Backtest:     backtest,
		When:         whenMs,
		Message:      err.Error(),
	})
}
