package strategy

import (
	"context"
	"fmt"

	"strategy-engine/internal/runctx"
	"strategy-engine/pkg/types"
)

// Backtest walks a pre-fetched vector of 1-minute candles and resolves the
// current scheduled or pending signal in one pass, instead of one tick per
// minute. It returns the terminal result (or Active when the vector ran out)
// plus the number of candles consumed, which the backtest orchestrator uses
// to skip past the processed window.
//
// Candle extremes drive the decisions. For a scheduled signal the
// stop-loss-before-activation priority applies per candle; for an open
// position a candle that could hit both TP and SL counts as a stop-loss,
// the worst-case assumption.
func (c *Core) Backtest(ctx context.Context, candles []types.Candle) (types.TickResult, int, error) {
	e, ok := runctx.ExecFrom(ctx)
	if !ok {
		return nil, 0, fmt.Errorf("%w: missing execution scope", types.ErrConfig)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	i := 0
	if c.scheduled != nil {
		result, next, done := c.scanScheduled(ctx, e, candles)
		if done {
			return result, next, nil
		}
		i = next
	}

	if c.pending != nil {
		result, consumed := c.scanPending(ctx, e, candles, i)
		return result, consumed, nil
	}

	return types.Idle{}, i, nil
}

// scanScheduled resolves the scheduled signal against the candle vector.
// done is true when the scan reached a terminal (cancelled) or ran out of
// candles; otherwise the signal activated and next is the first candle index
// to monitor the open position on.
func (c *Core) scanScheduled(ctx context.Context, e runctx.Exec, candles []types.Candle) (result types.TickResult, next int, done bool) {
	s := c.scheduled
	awaitMs := int64(c.limits.ScheduleAwaitMinutes) * 60_000

	for i, cd := range candles {
		if cd.Timestamp-s.ScheduledAt > awaitMs {
			return c.cancelLocked(ctx, e, types.CancelScheduleTimeout, cd.Timestamp), i + 1, true
		}
		switch s.Position {
		case types.Long:
			if cd.Low <= s.PriceStopLoss {
				return c.cancelLocked(ctx, e, types.CancelStopLossFirst, cd.Timestamp), i + 1, true
			}
			if cd.Low <= s.PriceOpen {
				c.activateLocked(ctx, e, cd.Timestamp)
				return nil, i + 1, false
			}
		case types.Short:
			if cd.High >= s.PriceStopLoss {
				return c.cancelLocked(ctx, e, types.CancelStopLossFirst, cd.Timestamp), i + 1, true
			}
			if cd.High >= s.PriceOpen {
				c.activateLocked(ctx, e, cd.Timestamp)
				return nil, i + 1, false
			}
		}
	}
	return types.Active{Signal: s.Clone()}, len(candles), true
}

// scanPending monitors the open position from candle index start onward.
func (c *Core) scanPending(ctx context.Context, e runctx.Exec, candles []types.Candle, start int) (types.TickResult, int) {
	p := c.pending
	lifetimeMs := int64(p.MinuteEstimatedTime) * 60_000

	for i := start; i < len(candles); i++ {
		cd := candles[i]
		switch p.Position {
		case types.Long:
			if cd.Low <= p.PriceStopLoss {
				return c.closeLocked(ctx, e, types.CloseStopLoss, p.PriceStopLoss, cd.Timestamp), i + 1
			}
			if cd.High >= p.PriceTakeProfit {
				return c.closeLocked(ctx, e, types.CloseTakeProfit, p.PriceTakeProfit, cd.Timestamp), i + 1
			}
		case types.Short:
			if cd.High >= p.PriceStopLoss {
				return c.closeLocked(ctx, e, types.CloseStopLoss, p.PriceStopLoss, cd.Timestamp), i + 1
			}
			if cd.Low <= p.PriceTakeProfit {
				return c.closeLocked(ctx, e, types.CloseTakeProfit, p.PriceTakeProfit, cd.Timestamp), i + 1
			}
		}
		if cd.Timestamp-p.PendingAt >= lifetimeMs {
			return c.closeLocked(ctx, e, types.CloseTimeExpired, cd.Close, cd.Timestamp), i + 1
		}
		c.emitPartials(e, c.pnl(p.Position, p.PriceOpen, cd.Close))
	}

	// A short candle response can exhaust the vector before the lifetime
	// elapses; the position stays open and the orchestrator resumes ticking.
	return types.Active{Signal: p.Clone()}, len(candles)
}
