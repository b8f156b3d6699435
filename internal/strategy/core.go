// Package strategy implements the per-(symbol, strategy) signal state machine.
//
// One Core owns the full lifecycle of at most one scheduled and one pending
// signal at a time: validation, scheduled-entry activation, TP/SL/time
// monitoring against VWAP (live) or candle extremes (backtest fast-path),
// partial profit/loss milestones, and crash-safe persistence in live mode.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"strategy-engine/internal/bus"
	"strategy-engine/internal/config"
	"strategy-engine/internal/exchange"
	"strategy-engine/internal/persist"
	"strategy-engine/internal/risk"
	"strategy-engine/internal/runctx"
	"strategy-engine/internal/schema"
	"strategy-engine/pkg/types"
)

// floatTolerance decides whether a requested entry price equals the current
// VWAP (immediate entry) or differs from it (scheduled entry).
const floatTolerance = 1e-9

// Core is the signal state machine for one (symbol, strategy) pair.
type Core struct {
	symbol string
	strat  schema.StrategySchema
	limits config.Limits
	market *exchange.Core
	gate   *risk.Gate
	store  persist.Adapter
	events *bus.Bus
	logger *slog.Logger

	mu            sync.Mutex
	stopped       bool
	scheduled     *types.Signal
	pending       *types.Signal
	lastSignalTs  int64
	partialLevels map[int]bool
}

// NewCore creates a state machine. store may be nil for backtest-only cores.
func NewCore(symbol string, strat schema.StrategySchema, limits config.Limits, market *exchange.Core, gate *risk.Gate, store persist.Adapter, events *bus.Bus, logger *slog.Logger) *Core {
	return &Core{
		symbol:        symbol,
		strat:         strat,
		limits:        limits,
		market:        market,
		gate:          gate,
		store:         store,
		events:        events,
		logger:        logger.With("component", "strategy", "symbol", symbol, "strategy", strat.Name),
		partialLevels: make(map[int]bool),
	}
}

// Stop requests a graceful stop: no new signals are generated, but an
// in-flight scheduled or pending signal keeps being monitored until it
// reaches a terminal state. Idempotent.
func (c *Core) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

// Start re-arms a stopped machine.
func (c *Core) Start() {
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()
}

// Reset clears all transient state so a fresh backtest over the same pair
// starts from scratch. Never call this on a live machine holding a position.
func (c *Core) Reset() {
	c.mu.Lock()
	c.stopped = false
	c.scheduled = nil
	c.pending = nil
	c.lastSignalTs = 0
	c.partialLevels = make(map[int]bool)
	c.mu.Unlock()
}

// Stopped reports whether a stop was requested.
func (c *Core) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Tick runs one state-machine evaluation at the ambient timestamp.
func (c *Core) Tick(ctx context.Context) (types.TickResult, error) {
	e, ok := runctx.ExecFrom(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: missing execution scope", types.ErrConfig)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.pending != nil:
		return c.tickPending(ctx, e)
	case c.scheduled != nil:
		return c.tickScheduled(ctx, e)
	case c.stopped:
		return types.Idle{}, nil
	default:
		return c.tickIdle(ctx, e)
	}
}

// tickScheduled monitors a scheduled signal: timeout first, then the
// stop-loss-before-activation priority rule, then activation. A VWAP that
// crosses both SL and the entry price on the same evaluation cancels.
func (c *Core) tickScheduled(ctx context.Context, e runctx.Exec) (types.TickResult, error) {
	s := c.scheduled
	awaitMs := int64(c.limits.ScheduleAwaitMinutes) * 60_000
	if e.WhenMs()-s.ScheduledAt > awaitMs {
		return c.cancelLocked(ctx, e, types.CancelScheduleTimeout, e.WhenMs()), nil
	}

	vwap, err := c.market.AveragePrice(ctx, c.symbol)
	if err != nil {
		return nil, err
	}

	switch s.Position {
	case types.Long:
		if vwap <= s.PriceStopLoss {
			return c.cancelLocked(ctx, e, types.CancelStopLossFirst, e.WhenMs()), nil
		}
		if vwap <= s.PriceOpen {
			return c.activateLocked(ctx, e, e.WhenMs()), nil
		}
	case types.Short:
		if vwap >= s.PriceStopLoss {
			return c.cancelLocked(ctx, e, types.CancelStopLossFirst, e.WhenMs()), nil
		}
		if vwap >= s.PriceOpen {
			return c.activateLocked(ctx, e, e.WhenMs()), nil
		}
	}
	return types.Active{Signal: s.Clone()}, nil
}

// tickPending monitors an open position: take-profit, then stop-loss, then
// lifetime expiry. A surviving position reports partial milestones.
func (c *Core) tickPending(ctx context.Context, e runctx.Exec) (types.TickResult, error) {
	p := c.pending
	vwap, err := c.market.AveragePrice(ctx, c.symbol)
	if err != nil {
		return nil, err
	}

	switch p.Position {
	case types.Long:
		if vwap >= p.PriceTakeProfit {
			return c.closeLocked(ctx, e, types.CloseTakeProfit, p.PriceTakeProfit, e.WhenMs()), nil
		}
		if vwap <= p.PriceStopLoss {
			return c.closeLocked(ctx, e, types.CloseStopLoss, p.PriceStopLoss, e.WhenMs()), nil
		}
	case types.Short:
		if vwap <= p.PriceTakeProfit {
			return c.closeLocked(ctx, e, types.CloseTakeProfit, p.PriceTakeProfit, e.WhenMs()), nil
		}
		if vwap >= p.PriceStopLoss {
			return c.closeLocked(ctx, e, types.CloseStopLoss, p.PriceStopLoss, e.WhenMs()), nil
		}
	}

	if e.WhenMs()-p.PendingAt >= int64(p.MinuteEstimatedTime)*60_000 {
		return c.closeLocked(ctx, e, types.CloseTimeExpired, vwap, e.WhenMs()), nil
	}

	c.emitPartials(e, c.pnl(p.Position, p.PriceOpen, vwap))
	return types.Active{Signal: p.Clone()}, nil
}

// tickIdle asks the strategy for a new signal, subject to the interval
// throttle and the risk-gate pre-flight.
func (c *Core) tickIdle(ctx context.Context, e runctx.Exec) (types.TickResult, error) {
	intervalMs := c.strat.Interval.Milliseconds()
	if c.lastSignalTs != 0 && e.WhenMs()-c.lastSignalTs < intervalMs {
		return types.Idle{}, nil
	}

	vwap, err := c.market.AveragePrice(ctx, c.symbol)
	if err != nil {
		return nil, err
	}

	if err := c.gate.CheckSignal(ctx, c.strat, nil, vwap); err != nil {
		if errors.Is(err, risk.ErrRejected) {
			return types.Idle{}, nil
		}
		return nil, err
	}

	c.lastSignalTs = e.WhenMs()
	dto, err := c.strat.Signal(ctx, c.symbol)
	if err != nil {
		return nil, fmt.Errorf("signal callback: %w", err)
	}
	if dto == nil {
		return types.Idle{}, nil
	}

	if err := c.validate(dto, vwap); err != nil {
		c.logger.Warn("signal dropped", "err", err)
		c.events.Publish(bus.TopicError, types.ErrorEvent{
			Symbol:       c.symbol,
			StrategyName: c.strat.Name,
			ExchangeName: c.exchangeName(ctx),
			Backtest:     e.Backtest,
			When:         e.WhenMs(),
			Message:      err.Error(),
		})
		return types.Idle{}, nil
	}

	signal := c.newSignal(ctx, e, dto)
	if dto.PriceOpen > 0 && math.Abs(dto.PriceOpen-vwap)/vwap > floatTolerance {
		signal.ScheduledAt = e.WhenMs()
		c.scheduled = signal
		c.persistWrite(ctx, e, persist.KindScheduled, signal)
		if c.strat.Callbacks.OnSchedule != nil {
			c.strat.Callbacks.OnSchedule(ctx, signal.Clone())
		}
		result := types.Scheduled{Signal: signal.Clone()}
		c.emit(ctx, e, result)
		return result, nil
	}

	// Re-check with the concrete dto and register atomically: another pair
	// sharing a risk profile may have opened since the pre-flight.
	if err := c.gate.CheckAndAdd(ctx, c.strat, dto, vwap, e.WhenMs()); err != nil {
		if errors.Is(err, risk.ErrRejected) {
			return types.Idle{}, nil
		}
		return nil, err
	}

	signal.PriceOpen = vwap
	if dto.PriceOpen > 0 {
		signal.PriceOpen = dto.PriceOpen
	}
	signal.PendingAt = e.WhenMs()
	c.pending = signal
	c.partialLevels = make(map[int]bool)
	c.persistWrite(ctx, e, persist.KindPending, signal)
	if c.strat.Callbacks.OnOpen != nil {
		c.strat.Callbacks.OnOpen(ctx, signal.Clone())
	}
	result := types.Opened{Signal: signal.Clone()}
	c.emit(ctx, e, result)
	return result, nil
}

// activateLocked promotes the scheduled signal to an open position.
func (c *Core) activateLocked(ctx context.Context, e runctx.Exec, atMs int64) types.TickResult {
	s := c.scheduled
	c.scheduled = nil
	s.ScheduledAt = 0
	s.PendingAt = atMs
	c.pending = s
	c.partialLevels = make(map[int]bool)

	c.gate.AddPosition(c.strat, c.symbol, atMs)
	c.persistDelete(ctx, e, persist.KindScheduled)
	c.persistWrite(ctx, e, persist.KindPending, s)
	if c.strat.Callbacks.OnOpen != nil {
		c.strat.Callbacks.OnOpen(ctx, s.Clone())
	}
	result := types.Opened{Signal: s.Clone()}
	c.emit(ctx, e, result)
	return result
}

// closeLocked finishes the pending signal with the given reason and price.
// Partial levels the closing move itself crossed are emitted before the
// per-signal level set is cleared, so a price that gaps through several
// milestones still reports each of them once.
func (c *Core) closeLocked(ctx context.Context, e runctx.Exec, reason types.CloseReason, priceClose float64, atMs int64) types.TickResult {
	p := c.pending
	pnl := c.pnl(p.Position, p.PriceOpen, priceClose)
	c.emitPartials(e, pnl)
	c.pending = nil
	c.partialLevels = make(map[int]bool)

	result := types.Closed{
		Signal:          p.Clone(),
		Reason:          reason,
		PriceClose:      priceClose,
		PnlPercentage:   pnl,
		FeePercent:      c.limits.FeePercent,
		SlippagePercent: c.limits.SlippagePercent,
		ClosedAt:        atMs,
	}

	c.gate.RemovePosition(c.strat, c.symbol)
	c.persistDelete(ctx, e, persist.KindPending)
	if c.strat.Callbacks.OnClose != nil {
		c.strat.Callbacks.OnClose(ctx, result)
	}
	c.emit(ctx, e, result)
	return result
}

// cancelLocked discards the scheduled signal before it ever opened.
func (c *Core) cancelLocked(ctx context.Context, e runctx.Exec, reason types.CancelReason, atMs int64) types.TickResult {
	s := c.scheduled
	c.scheduled = nil

	result := types.Cancelled{
		Signal:      s.Clone(),
		Reason:      reason,
		CancelledAt: atMs,
	}

	c.persistDelete(ctx, e, persist.KindScheduled)
	if c.strat.Callbacks.OnCancel != nil {
		c.strat.Callbacks.OnCancel(ctx, result)
	}
	c.emit(ctx, e, result)
	return result
}

// newSignal builds the owned signal record from an accepted dto.
func (c *Core) newSignal(ctx context.Context, e runctx.Exec, dto *types.SignalDto) *types.Signal {
	id := dto.ID
	if id == "" {
		id = types.NewSignalID()
	}
	return &types.Signal{
		ID:                  id,
		Symbol:              c.symbol,
		ExchangeName:        c.exchangeName(ctx),
		StrategyName:        c.strat.Name,
		Position:            dto.Position,
		PriceOpen:           dto.PriceOpen,
		PriceTakeProfit:     dto.PriceTakeProfit,
		PriceStopLoss:       dto.PriceStopLoss,
		MinuteEstimatedTime: dto.MinuteEstimatedTime,
		Note:                dto.Note,
		CreatedAt:           e.WhenMs(),
		Version:             types.SignalVersion,
	}
}

func (c *Core) exchangeName(ctx context.Context) string {
	m, _ := runctx.MethodFrom(ctx)
	return m.ExchangeName
}

// validate applies every signal rule and reports all failures at once.
func (c *Core) validate(dto *types.SignalDto, vwap float64) error {
	var faults []string
	fail := func(format string, args ...any) {
		faults = append(faults, fmt.Sprintf(format, args...))
	}

	if !dto.Position.Valid() {
		fail("position %q is not long or short", dto.Position)
	}
	for name, v := range map[string]float64{
		"priceTakeProfit": dto.PriceTakeProfit,
		"priceStopLoss":   dto.PriceStopLoss,
	} {
		if v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
			fail("%s must be positive and finite, got %v", name, v)
		}
	}
	if dto.PriceOpen < 0 || math.IsInf(dto.PriceOpen, 0) || math.IsNaN(dto.PriceOpen) {
		fail("priceOpen must be non-negative and finite, got %v", dto.PriceOpen)
	}
	if dto.MinuteEstimatedTime <= 0 {
		fail("minuteEstimatedTime must be positive, got %d", dto.MinuteEstimatedTime)
	} else if dto.MinuteEstimatedTime > c.limits.MaxSignalLifetimeMinutes {
		fail("minuteEstimatedTime %d exceeds maximum %d", dto.MinuteEstimatedTime, c.limits.MaxSignalLifetimeMinutes)
	}
	if len(faults) > 0 {
		return fmt.Errorf("%w: %s", types.ErrValidation, strings.Join(faults, "; "))
	}

	// Same classification as the open path: an entry within tolerance of the
	// current VWAP opens immediately, so the market-already-beyond rules apply.
	entry := dto.PriceOpen
	immediate := entry == 0
	if immediate {
		entry = vwap
	} else if math.Abs(entry-vwap)/vwap <= floatTolerance {
		immediate = true
	}
	tp, sl := dto.PriceTakeProfit, dto.PriceStopLoss

	if tp == sl || tp == entry || sl == entry {
		fail("priceTakeProfit, priceStopLoss and the entry price must all differ")
	}
	switch dto.Position {
	case types.Long:
		if tp <= entry {
			fail("long takeProfit %v must exceed entry %v", tp, entry)
		}
		if sl >= entry {
			fail("long stopLoss %v must be below entry %v", sl, entry)
		}
		if (tp-entry)/entry*100 < c.limits.MinTakeProfitDistancePct {
			fail("takeProfit distance below %v%%", c.limits.MinTakeProfitDistancePct)
		}
		if (entry-sl)/entry*100 > c.limits.MaxStopLossDistancePct {
			fail("stopLoss distance above %v%%", c.limits.MaxStopLossDistancePct)
		}
		if immediate && (vwap >= tp || vwap <= sl) {
			fail("market already beyond takeProfit or stopLoss")
		}
	case types.Short:
		if tp >= entry {
			fail("short takeProfit %v must be below entry %v", tp, entry)
		}
		if sl <= entry {
			fail("short stopLoss %v must exceed entry %v", sl, entry)
		}
		if (entry-tp)/entry*100 < c.limits.MinTakeProfitDistancePct {
			fail("takeProfit distance below %v%%", c.limits.MinTakeProfitDistancePct)
		}
		if (sl-entry)/entry*100 > c.limits.MaxStopLossDistancePct {
			fail("stopLoss distance above %v%%", c.limits.MaxStopLossDistancePct)
		}
		if immediate && (vwap <= tp || vwap >= sl) {
			fail("market already beyond takeProfit or stopLoss")
		}
	}

	if len(faults) > 0 {
		return fmt.Errorf("%w: %s", types.ErrValidation, strings.Join(faults, "; "))
	}
	return nil
}

// pnl computes the net percentage result after symmetric fees and slippage
// on both sides of the trade.
func (c *Core) pnl(position types.Position, priceOpen, priceClose float64) float64 {
	f := (c.limits.FeePercent + c.limits.SlippagePercent) / 100
	openEff := priceOpen * (1 + f)
	closeEff := priceClose * (1 - f)
	if position == types.Short {
		return (openEff - closeEff) / openEff * 100
	}
	return (closeEff - openEff) / openEff * 100
}

// emitPartials publishes one event per newly crossed 10% profit or loss
// milestone. Levels reset when the signal closes.
func (c *Core) emitPartials(e runctx.Exec, pnl float64) {
	n := int(pnl / 10)
	if n == 0 {
		return
	}
	emit := func(level int, topic bus.Topic) {
		if c.partialLevels[level] {
			return
		}
		c.partialLevels[level] = true
		c.events.Publish(topic, types.PartialEvent{
			Symbol:        c.symbol,
			StrategyName:  c.strat.Name,
			ExchangeName:  c.pending.ExchangeName,
			Backtest:      e.Backtest,
			Level:         level,
			PnlPercentage: pnl,
			Signal:        c.pending.Clone(),
		})
	}
	if n > 0 {
		for m := 1; m <= n; m++ {
			emit(m*10, bus.TopicPartialProfit)
		}
		return
	}
	for m := -1; m >= n; m-- {
		emit(m*10, bus.TopicPartialLoss)
	}
}

// emit publishes a signal event to the general topic plus the mode topic.
func (c *Core) emit(ctx context.Context, e runctx.Exec, result types.TickResult) {
	evt := types.SignalEvent{
		Symbol:       c.symbol,
		StrategyName: c.strat.Name,
		ExchangeName: c.exchangeName(ctx),
		Backtest:     e.Backtest,
		When:         e.WhenMs(),
		Result:       result,
	}
	c.events.Publish(bus.TopicSignal, evt)
	if e.Backtest {
		c.events.Publish(bus.TopicSignalBacktest, evt)
		return
	}
	c.events.Publish(bus.TopicSignalLive, evt)
}

// ————————————————————————————————————————————————————————————————————————
// Persistence
// ————————————————————————————————————————————————————————————————————————

func (c *Core) persistKey(kind persist.Kind) persist.Key {
	return persist.Key{Kind: kind, Symbol: c.symbol, Strategy: c.strat.Name}
}

// persistWrite saves the signal in live mode. Failures are survivable: the
// engine keeps trading and reports on the error topic.
func (c *Core) persistWrite(ctx context.Context, e runctx.Exec, kind persist.Kind, s *types.Signal) {
	if e.Backtest || c.store == nil {
		return
	}
	if err := c.store.Write(ctx, c.persistKey(kind), s); err != nil {
		c.logger.Error("persist write failed", "kind", kind, "err", err)
		c.events.Publish(bus.TopicError, types.ErrorEvent{
			Symbol:       c.symbol,
			StrategyName: c.strat.Name,
			ExchangeName: s.ExchangeName,
			When:         e.WhenMs(),
			Message:      err.Error(),
		})
	}
}

func (c *Core) persistDelete(ctx context.Context, e runctx.Exec, kind persist.Kind) {
	if e.Backtest || c.store == nil {
		return
	}
	if err := c.store.Delete(ctx, c.persistKey(kind)); err != nil {
		c.logger.Error("persist delete failed", "kind", kind, "err", err)
	}
}

// Restore loads persisted signals after a restart. Records whose identity no
// longer matches the current configuration are ignored, not deleted, so a
// config rollback can still pick them up.
func (c *Core) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	exchangeName := c.exchangeName(ctx)
	matches := func(s *types.Signal) bool {
		return s != nil &&
			s.Symbol == c.symbol &&
			s.StrategyName == c.strat.Name &&
			s.ExchangeName == exchangeName
	}

	p, err := c.store.Read(ctx, c.persistKey(persist.KindPending))
	if err != nil {
		// Unreadable records are treated as absent; the next write replaces them.
		c.logger.Warn("skipping unreadable record", "kind", persist.KindPending, "err", err)
		p = nil
	}
	if matches(p) {
		c.pending = p
		c.partialLevels = make(map[int]bool)
		c.gate.AddPosition(c.strat, c.symbol, p.PendingAt)
		c.logger.Info("restored open position", "signal", p.ID)
		if c.strat.Callbacks.OnActive != nil {
			c.strat.Callbacks.OnActive(ctx, p.Clone())
		}
	}

	s, err := c.store.Read(ctx, c.persistKey(persist.KindScheduled))
	if err != nil {
		c.logger.Warn("skipping unreadable record", "kind", persist.KindScheduled, "err", err)
		s = nil
	}
	if matches(s) && c.pending == nil {
		c.scheduled = s
		c.logger.Info("restored scheduled signal", "signal", s.ID)
		if c.strat.Callbacks.OnSchedule != nil {
			c.strat.Callbacks.OnSchedule(ctx, s.Clone())
		}
	}
	return nil
}
