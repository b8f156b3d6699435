package engine

import (
	"context"
	"time"

	"strategy-engine/internal/bus"
	"strategy-engine/internal/runctx"
	"strategy-engine/pkg/types"
)

// Live drives the pair's state machine on wall clock until the machine is
// stopped and its in-flight signal reaches a terminal state, or ctx is
// cancelled. Persisted signals are restored before the first tick, so a
// restarted process resumes monitoring instead of opening duplicates.
func (eng *Engine) Live(ctx context.Context, p RunParams) error {
	if err := eng.validateRun(p, false); err != nil {
		return err
	}
	eng.acquire(p.Symbol, p.StrategyName)
	defer eng.release(p.Symbol, p.StrategyName)

	if eng.store != nil {
		if err := eng.store.WaitForInit(ctx); err != nil {
			return err
		}
	}

	core := eng.core(p.Symbol, p.StrategyName)
	core.Start()

	mctx := runctx.WithMethod(ctx, runctx.Method{
		StrategyName: p.StrategyName,
		ExchangeName: p.ExchangeName,
	})
	if err := core.Restore(mctx); err != nil {
		return err
	}

	ttl := eng.cfg.Engine.TickTTL
	for {
		when := time.Now()
		ectx := runctx.WithExec(mctx, runctx.Exec{Symbol: p.Symbol, When: when, Backtest: false})

		result, err := core.Tick(ectx)
		if err != nil {
			eng.publishError(p, false, when.UnixMilli(), err)
			if !eng.sleep(ctx, ttl) {
				break
			}
			continue
		}

		if core.Stopped() {
			switch result.Action() {
			case types.ActionIdle, types.ActionClosed, types.ActionCancelled:
				eng.logger.Info("live loop stopped",
					"symbol", p.Symbol,
					"strategy", p.StrategyName,
				)
				eng.publishDoneLive(p)
				return nil
			}
		}

		if !eng.sleep(ctx, ttl) {
			break
		}
	}

	eng.publishDoneLive(p)
	return ctx.Err()
}

// LiveBackground runs the live loop in its own goroutine; a failure is
// reported on the exit topic instead of an error return.
func (eng *Engine) LiveBackground(ctx context.Context, p RunParams) {
	go func() {
		if err := eng.Live(ctx, p); err != nil {
			eng.events.Publish(bus.TopicExit, types.ExitEvent{
				Symbol:       p.Symbol,
				StrategyName: p.StrategyName,
				ExchangeName: p.ExchangeName,
				Message:      err.Error(),
			})
		}
	}()
}

func (eng *Engine) publishDoneLive(p RunParams) {
	eng.events.Publish(bus.TopicDoneLive, types.DoneEvent{
		Symbol:       p.Symbol,
		StrategyName: p.StrategyName,
		ExchangeName: p.ExchangeName,
	})
}

// sleep waits out the tick interval; false means ctx was cancelled.
func (eng *Engine) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
