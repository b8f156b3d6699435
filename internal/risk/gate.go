// Package risk implements the pre-trade gate. Strategies reference risk
// profiles by name; every strategy naming the same profile shares that
// profile's active-position set, so a "max 3 concurrent positions" rule
// counts positions across all of them.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"strategy-engine/internal/bus"
	"strategy-engine/internal/runctx"
	"strategy-engine/internal/schema"
	"strategy-engine/pkg/types"
)

// ErrRejected marks a risk-gate rejection. Callers treat it as a quiet "no
// trade this tick", not a failure.
var ErrRejected = errors.New("risk rejected")

// Gate evaluates a strategy's risk profiles and tracks active positions per
// profile. Checks and position mutations share one lock: two concurrent ticks
// can never both pass a position-count rule and both open.
type Gate struct {
	registry *schema.Registry
	events   *bus.Bus
	logger   *slog.Logger

	mu sync.Mutex
	// positions[riskName][symbol|strategy]
	positions map[string]map[string]types.ActivePosition
}

// NewGate creates a risk gate over the registry.
func NewGate(registry *schema.Registry, events *bus.Bus, logger *slog.Logger) *Gate {
	return &Gate{
		registry:  registry,
		events:    events,
		logger:    logger.With("component", "risk"),
		positions: make(map[string]map[string]types.ActivePosition),
	}
}

func posKey(symbol, strategyName string) string {
	return symbol + "|" + strategyName
}

// CheckSignal runs every validator of every risk profile the strategy names,
// fail-fast, in declaration order. dto is nil for the pre-flight check that
// runs before the signal callback. Returns an error wrapping ErrRejected on
// the first failing validator; a RiskEvent is published for rejections only.
func (g *Gate) CheckSignal(ctx context.Context, strat schema.StrategySchema, dto *types.SignalDto, price float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.check(ctx, strat, dto, price)
}

// CheckAndAdd atomically checks the signal and, on pass, registers the
// position in every profile the strategy names. Used for immediate entries,
// where the check and the open must be indivisible.
func (g *Gate) CheckAndAdd(ctx context.Context, strat schema.StrategySchema, dto *types.SignalDto, price float64, openedAt int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(ctx, strat, dto, price); err != nil {
		return err
	}
	e, _ := runctx.ExecFrom(ctx)
	g.add(strat, e.Symbol, openedAt)
	return nil
}

// AddPosition registers an open position in every profile the strategy names.
// Used when a scheduled signal activates (it already passed the gate when it
// was created).
func (g *Gate) AddPosition(strat schema.StrategySchema, symbol string, openedAt int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.add(strat, symbol, openedAt)
}

// RemovePosition drops the position from every profile the strategy names.
func (g *Gate) RemovePosition(strat schema.StrategySchema, symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := posKey(symbol, strat.Name)
	for _, name := range strat.RiskNames() {
		delete(g.positions[name], key)
	}
}

// PositionCount returns the number of active positions in the named profile.
func (g *Gate) PositionCount(riskName string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.positions[riskName])
}

func (g *Gate) add(strat schema.StrategySchema, symbol string, openedAt int64) {
	key := posKey(symbol, strat.Name)
	for _, name := range strat.RiskNames() {
		if g.positions[name] == nil {
			g.positions[name] = make(map[string]types.ActivePosition)
		}
		g.positions[name][key] = types.ActivePosition{
			Symbol:       symbol,
			StrategyName: strat.Name,
			OpenedAt:     openedAt,
		}
	}
}

// check must be called with g.mu held.
func (g *Gate) check(ctx context.Context, strat schema.StrategySchema, dto *types.SignalDto, price float64) error {
	m, _ := runctx.MethodFrom(ctx)
	e, _ := runctx.ExecFrom(ctx)

	for _, name := range strat.RiskNames() {
		profile, err := g.registry.Risk(name)
		if err != nil {
			return err
		}

		snapshot := make([]types.ActivePosition, 0, len(g.positions[name]))
		for _, p := range g.positions[name] {
			snapshot = append(snapshot, p)
		}
		payload := schema.RiskPayload{
			Symbol:              e.Symbol,
			PendingSignal:       dto,
			StrategyName:        strat.Name,
			ExchangeName:        m.ExchangeName,
			CurrentPrice:        price,
			Timestamp:           e.WhenMs(),
			Backtest:            e.Backtest,
			ActivePositionCount: len(snapshot),
			ActivePositions:     snapshot,
		}

		for _, v := range profile.Validations {
			if err := v.Check(ctx, payload); err != nil {
				note := v.Note
				if note == "" {
					note = err.Error()
				}
				g.reject(ctx, profile, payload, note)
				return fmt.Errorf("%w: profile %q: %s", ErrRejected, name, note)
			}
		}
		if profile.Callbacks.OnAllowed != nil {
			profile.Callbacks.OnAllowed(ctx, payload)
		}
	}
	return nil
}

func (g *Gate) reject(ctx context.Context, profile schema.RiskSchema, payload schema.RiskPayload, note string) {
	if profile.Callbacks.OnRejected != nil {
		profile.Callbacks.OnRejected(ctx, payload, note)
	}
	event := types.RiskEvent{
		RejectionID:         uuid.NewString(),
		RejectionNote:       note,
		Timestamp:           payload.Timestamp,
		Backtest:            payload.Backtest,
		CurrentPrice:        payload.CurrentPrice,
		ActivePositionCount: payload.ActivePositionCount,
		PendingSignal:       payload.PendingSignal,
		Symbol:              payload.Symbol,
		StrategyName:        payload.StrategyName,
		ExchangeName:        payload.ExchangeName,
	}
	g.events.Publish(bus.TopicRisk, event)
	g.logger.Debug("signal rejected",
		"risk", profile.Name,
		"symbol", payload.Symbol,
		"strategy", payload.StrategyName,
		"note", note,
	)
}
