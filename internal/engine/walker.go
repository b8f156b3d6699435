package engine

import (
	"context"
	"fmt"
	"math"

	"strategy-engine/internal/bus"
	"strategy-engine/internal/schema"
	"strategy-engine/pkg/types"
)

// Walk evaluates every strategy of the named walker against one
// (exchange, frame, symbol), sequentially, and returns the ranking winner.
// Sequential by design: strategies sharing risk profiles or cached candles
// stay deterministic when run one at a time.
//
// A strategy whose backtest fails is ranked last (no metric) and does not
// abort the walk.
func (eng *Engine) Walk(ctx context.Context, walkerName string, p RunParams) (types.WalkerComplete, error) {
	w, err := eng.registry.Walker(walkerName)
	if err != nil {
		return types.WalkerComplete{}, err
	}

	// Validate everything up front so a misconfigured strategy fails the
	// walk before any backtest has run.
	for _, stratName := range w.Strategies {
		run := p
		run.StrategyName = stratName
		if err := eng.validateRun(run, true); err != nil {
			return types.WalkerComplete{}, fmt.Errorf("walker %q: %w", walkerName, err)
		}
	}

	best := ""
	bestMetric := math.Inf(-1)
	var bestStats types.Stats

	for idx, stratName := range w.Strategies {
		if err := ctx.Err(); err != nil {
			return types.WalkerComplete{}, err
		}
		run := p
		run.StrategyName = stratName

		var metricValue *float64
		stats, err := eng.Backtest(ctx, run)
		if err != nil {
			eng.logger.Error("walker backtest failed",
				"walker", walkerName,
				"strategy", stratName,
				"err", err,
			)
		} else {
			v := metricOf(stats, w.Metric)
			metricValue = &v
			if v > bestMetric {
				best, bestMetric, bestStats = stratName, v, stats
			}
		}

		eng.events.Publish(bus.TopicProgressWalker, types.WalkerProgress{
			WalkerName:       walkerName,
			Symbol:           p.Symbol,
			StrategiesTested: idx + 1,
			TotalStrategies:  len(w.Strategies),
			StrategyName:     stratName,
			MetricValue:      metricValue,
			BestStrategy:     best,
			BestMetric:       bestMetric,
		})
	}

	complete := types.WalkerComplete{
		WalkerName:   walkerName,
		Symbol:       p.Symbol,
		BestStrategy: best,
		BestMetric:   bestMetric,
		BestStats:    bestStats,
	}
	eng.events.Publish(bus.TopicWalkerComplete, complete)
	return complete, nil
}

// WalkBackground runs the walk in its own goroutine; a failure is reported on
// the exit topic instead of an error return.
func (eng *Engine) WalkBackground(ctx context.Context, walkerName string, p RunParams) {
	go func() {
		if _, err := eng.Walk(ctx, walkerName, p); err != nil {
			eng.events.Publish(bus.TopicExit, types.ExitEvent{
				Symbol:       p.Symbol,
				ExchangeName: p.ExchangeName,
				Backtest:     true,
				Message:      err.Error(),
			})
		}
	}()
}

// metricOf extracts the walker's ranking metric. All metrics are maximized.
func metricOf(stats types.Stats, metric string) float64 {
	switch metric {
	case schema.MetricTotalPnl:
		return stats.TotalPnl
	case schema.MetricWinRate:
		return stats.WinRate
	default:
		return stats.SharpeRatio
	}
}
