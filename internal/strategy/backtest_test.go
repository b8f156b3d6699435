package strategy

import (
	"testing"
	"time"

	"strategy-engine/internal/schema"
	"strategy-engine/pkg/types"
)

// mkCandles builds a 1m vector starting at from where each candle's range is
// [price-spread, price+spread] around the given closes.
func mkCandles(from time.Time, spread float64, closes ...float64) []types.Candle {
	out := make([]types.Candle, len(closes))
	for i, p := range closes {
		out[i] = types.Candle{
			Timestamp: from.Add(time.Duration(i) * time.Minute).UnixMilli(),
			Open:      p,
			High:      p + spread,
			Low:       p - spread,
			Close:     p,
			Volume:    1,
		}
	}
	return out
}

func scheduleLong(t *testing.T, h *harness, priceOpen, tp, sl float64) {
	t.Helper()
	h.queueSignal(&types.SignalDto{Position: types.Long, PriceOpen: priceOpen, PriceTakeProfit: tp, PriceStopLoss: sl, MinuteEstimatedTime: 240})
	res := mustTick(t, h.core, btCtx(t0))
	if _, ok := res.(types.Scheduled); !ok {
		t.Fatalf("setup: result = %T, want Scheduled", res)
	}
}

func TestBacktestScheduledActivatesThenTakesProfit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, schema.StrategySchema{}, nil)
	scheduleLong(t, h, 90, 99, 85)

	// Candle 0 stays above the entry; candle 1 dips to it; candle 2 rallies
	// through the take-profit.
	candles := mkCandles(t0, 1, 95, 90, 99)
	res, consumed, err := h.core.Backtest(btCtx(t0), candles)
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	closed, ok := res.(types.Closed)
	if !ok {
		t.Fatalf("result = %T, want Closed", res)
	}
	if closed.Reason != types.CloseTakeProfit {
		t.Errorf("reason = %q, want take_profit", closed.Reason)
	}
	if closed.Signal.PendingAt != candles[1].Timestamp {
		t.Errorf("pendingAt = %d, want activation candle %d", closed.Signal.PendingAt, candles[1].Timestamp)
	}
	if consumed != 3 {
		t.Errorf("consumed = %d, want 3", consumed)
	}
}

func TestBacktestStopLossBeforeActivation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, schema.StrategySchema{}, nil)
	scheduleLong(t, h, 90, 99, 88)

	// The second candle sweeps through both the entry and the stop.
	candles := mkCandles(t0, 1, 95, 87, 95)
	res, consumed, err := h.core.Backtest(btCtx(t0), candles)
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	cancelled, ok := res.(types.Cancelled)
	if !ok {
		t.Fatalf("result = %T, want Cancelled", res)
	}
	if cancelled.Reason != types.CancelStopLossFirst {
		t.Errorf("reason = %q, want stoploss_before_activation", cancelled.Reason)
	}
	if consumed != 2 {
		t.Errorf("consumed = %d, want 2", consumed)
	}
}

func TestBacktestStopLossWinsOnSameCandle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, schema.StrategySchema{}, nil)
	h.queueSignal(&types.SignalDto{Position: types.Long, PriceTakeProfit: 104, PriceStopLoss: 96, MinuteEstimatedTime: 240})
	if res := mustTick(t, h.core, btCtx(t0)); res.Action() != types.ActionOpened {
		t.Fatalf("setup: action = %v, want opened", res.Action())
	}

	// One wide candle covers both the TP and the SL.
	candles := mkCandles(t0, 10, 100)
	res, consumed, err := h.core.Backtest(btCtx(t0), candles)
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	closed, ok := res.(types.Closed)
	if !ok {
		t.Fatalf("result = %T, want Closed", res)
	}
	if closed.Reason != types.CloseStopLoss {
		t.Errorf("reason = %q, want stop_loss: worst case on an ambiguous candle", closed.Reason)
	}
	if closed.PriceClose != 96 {
		t.Errorf("priceClose = %v, want the SL level", closed.PriceClose)
	}
	if consumed != 1 {
		t.Errorf("consumed = %d, want 1", consumed)
	}
}

func TestBacktestScheduleTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, schema.StrategySchema{}, nil)
	scheduleLong(t, h, 90, 99, 85)

	// Price never reaches the entry; build candles past the await window.
	closes := make([]float64, 125)
	for i := range closes {
		closes[i] = 95
	}
	candles := mkCandles(t0, 0.5, closes...)
	res, consumed, err := h.core.Backtest(btCtx(t0), candles)
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	cancelled, ok := res.(types.Cancelled)
	if !ok {
		t.Fatalf("result = %T, want Cancelled", res)
	}
	if cancelled.Reason != types.CancelScheduleTimeout {
		t.Errorf("reason = %q, want schedule_timeout", cancelled.Reason)
	}
	// Candle index 121 is the first strictly past the 120-minute window.
	if consumed != 122 {
		t.Errorf("consumed = %d, want 122", consumed)
	}
}

func TestBacktestTimeExpiry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, schema.StrategySchema{}, nil)
	h.queueSignal(&types.SignalDto{Position: types.Long, PriceTakeProfit: 110, PriceStopLoss: 90, MinuteEstimatedTime: 10})
	if res := mustTick(t, h.core, btCtx(t0)); res.Action() != types.ActionOpened {
		t.Fatalf("setup: action = %v, want opened", res.Action())
	}

	closes := make([]float64, 15)
	for i := range closes {
		closes[i] = 101
	}
	candles := mkCandles(t0, 0.5, closes...)
	res, consumed, err := h.core.Backtest(btCtx(t0), candles)
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	closed, ok := res.(types.Closed)
	if !ok {
		t.Fatalf("result = %T, want Closed", res)
	}
	if closed.Reason != types.CloseTimeExpired {
		t.Errorf("reason = %q, want time_expired", closed.Reason)
	}
	if closed.PriceClose != 101 {
		t.Errorf("priceClose = %v, want the expiry candle close", closed.PriceClose)
	}
	// Candle index 10 sits exactly at the lifetime bound.
	if consumed != 11 {
		t.Errorf("consumed = %d, want 11", consumed)
	}
}

func TestBacktestShortScheduled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, schema.StrategySchema{}, nil)
	h.queueSignal(&types.SignalDto{Position: types.Short, PriceOpen: 110, PriceTakeProfit: 101, PriceStopLoss: 115, MinuteEstimatedTime: 240})
	if res := mustTick(t, h.core, btCtx(t0)); res.Action() != types.ActionScheduled {
		t.Fatalf("setup: action = %v, want scheduled", res.Action())
	}

	// Rallies to the entry, then falls to the take-profit.
	candles := mkCandles(t0, 1, 105, 110, 101)
	res, consumed, err := h.core.Backtest(btCtx(t0), candles)
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	closed, ok := res.(types.Closed)
	if !ok {
		t.Fatalf("result = %T, want Closed", res)
	}
	if closed.Reason != types.CloseTakeProfit {
		t.Errorf("reason = %q, want take_profit", closed.Reason)
	}
	if consumed != 3 {
		t.Errorf("consumed = %d, want 3", consumed)
	}
}

func TestBacktestExhaustedVectorKeepsPositionOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t, schema.StrategySchema{}, nil)
	h.queueSignal(&types.SignalDto{Position: types.Long, PriceTakeProfit: 110, PriceStopLoss: 90, MinuteEstimatedTime: 60})
	if res := mustTick(t, h.core, btCtx(t0)); res.Action() != types.ActionOpened {
		t.Fatalf("setup: action = %v, want opened", res.Action())
	}

	// The vector ends long before the lifetime; no close may be invented.
	candles := mkCandles(t0, 0.5, 101, 101, 101)
	res, consumed, err := h.core.Backtest(btCtx(t0), candles)
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	if res.Action() != types.ActionActive {
		t.Fatalf("action = %v, want active: lifetime has not elapsed", res.Action())
	}
	if consumed != 3 {
		t.Errorf("consumed = %d, want 3", consumed)
	}

	// Monitoring resumes where the vector left off.
	more := mkCandles(t0.Add(3*time.Minute), 1, 110)
	res, _, err = h.core.Backtest(btCtx(t0), more)
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	closed, ok := res.(types.Closed)
	if !ok {
		t.Fatalf("result = %T, want Closed", res)
	}
	if closed.Reason != types.CloseTakeProfit {
		t.Errorf("reason = %q, want take_profit", closed.Reason)
	}
}

func TestBacktestRunsOutOfCandles(t *testing.T) {
	t.Parallel()
	h := newHarness(t, schema.StrategySchema{}, nil)
	scheduleLong(t, h, 90, 99, 85)

	candles := mkCandles(t0, 0.5, 95, 95)
	res, consumed, err := h.core.Backtest(btCtx(t0), candles)
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	if res.Action() != types.ActionActive {
		t.Errorf("action = %v, want active when the vector is exhausted", res.Action())
	}
	if consumed != 2 {
		t.Errorf("consumed = %d, want 2", consumed)
	}
}
