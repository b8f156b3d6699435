package engine

import (
	"context"
	"fmt"

	"strategy-engine/internal/bus"
	"strategy-engine/internal/frame"
	"strategy-engine/internal/runctx"
	"strategy-engine/pkg/types"
)

// Backtest drives the pair's state machine over the frame's timestamp
// sequence and returns the aggregated statistics of every closed trade.
//
// When a tick schedules or opens a signal, the loop switches to the
// fast-path: it pulls one candle vector covering the VWAP buffer, the
// scheduled-await window and the signal lifetime, resolves the signal in a
// single pass, and skips the frames the vector consumed. No wall clock is
// read anywhere in the loop, so identical inputs reproduce identical output.
func (eng *Engine) Backtest(ctx context.Context, p RunParams) (types.Stats, error) {
	if err := eng.validateRun(p, true); err != nil {
		return types.Stats{}, err
	}
	eng.acquire(p.Symbol, p.StrategyName)
	defer eng.release(p.Symbol, p.StrategyName)

	fs, err := eng.registry.Frame(p.FrameName)
	if err != nil {
		return types.Stats{}, err
	}
	frames, err := frame.Generate(fs.StartDate, fs.EndDate, fs.Interval)
	if err != nil {
		return types.Stats{}, err
	}

	core := eng.core(p.Symbol, p.StrategyName)
	core.Reset()

	mctx := runctx.WithMethod(ctx, runctx.Method{
		StrategyName: p.StrategyName,
		ExchangeName: p.ExchangeName,
		FrameName:    p.FrameName,
	})
	frameStepMs := fs.Interval.Milliseconds()

	var closes []types.Closed
	i := 0
	for i < len(frames) {
		if err := ctx.Err(); err != nil {
			return types.Stats{}, err
		}
		when := frames[i]
		ectx := runctx.WithExec(mctx, runctx.Exec{Symbol: p.Symbol, When: when, Backtest: true})

		result, err := core.Tick(ectx)
		if err != nil {
			eng.publishError(p, true, when.UnixMilli(), err)
			i++
			continue
		}

		switch result.Action() {
		case types.ActionScheduled, types.ActionOpened:
			signal := signalOf(result)
			n := eng.cfg.Limits.AvgPriceCandles + eng.cfg.Limits.ScheduleAwaitMinutes + signal.MinuteEstimatedTime + 1
			candles, err := eng.market.NextCandles(ectx, p.Symbol, types.Interval1m, n, when)
			if err != nil {
				eng.publishError(p, true, when.UnixMilli(), err)
				i++
				break
			}
			final, consumed, err := core.Backtest(ectx, candles)
			if err != nil {
				eng.publishError(p, true, when.UnixMilli(), err)
				i++
				break
			}
			if closed, ok := final.(types.Closed); ok {
				closes = append(closes, closed)
			}
			// The vector is 1-minute candles; convert to frame steps.
			skip := int((int64(consumed)*60_000 + frameStepMs - 1) / frameStepMs)
			if skip < 1 {
				skip = 1
			}
			i += skip
		default:
			i++
		}

		processed := i
		if processed > len(frames) {
			processed = len(frames)
		}
		eng.events.Publish(bus.TopicProgressBacktest, types.BacktestProgress{
			ExchangeName:    p.ExchangeName,
			StrategyName:    p.StrategyName,
			Symbol:          p.Symbol,
			TotalFrames:     len(frames),
			ProcessedFrames: processed,
			Progress:        float64(processed) / float64(len(frames)),
		})
	}

	stats := ComputeStats(closes)
	eng.events.Publish(bus.TopicDoneBacktest, types.DoneEvent{
		Symbol:       p.Symbol,
		StrategyName: p.StrategyName,
		ExchangeName: p.ExchangeName,
		Backtest:     true,
	})
	return stats, nil
}

// BacktestBackground runs the backtest in its own goroutine; a failure is
// reported on the exit topic instead of an error return.
func (eng *Engine) BacktestBackground(ctx context.Context, p RunParams) {
	go func() {
		if _, err := eng.Backtest(ctx, p); err != nil {
			eng.events.Publish(bus.TopicExit, types.ExitEvent{
				Symbol:       p.Symbol,
				StrategyName: p.StrategyName,
				ExchangeName: p.ExchangeName,
				Backtest:     true,
				Message:      err.Error(),
			})
		}
	}()
}

func signalOf(result types.TickResult) *types.Signal {
	switch r := result.(type) {
	case types.Scheduled:
		return r.Signal
	case types.Opened:
		return r.Signal
	}
	panic(fmt.Sprintf("no signal on %T", result))
}
