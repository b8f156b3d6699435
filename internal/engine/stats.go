package engine

import (
	"math"

	"strategy-engine/pkg/types"
)

// ComputeStats summarizes a backtest's closed trades. Percentages are net of
// fees and slippage (as reported by the state machine). WinRate is a 0..100
// percentage; SharpeRatio is the per-trade mean/stddev ratio of the PnL
// series; MaxDrawdown is the largest peak-to-trough fall of the cumulative
// PnL curve, reported as a positive number.
func ComputeStats(closes []types.Closed) types.Stats {
	s := types.Stats{Trades: len(closes)}
	if len(closes) == 0 {
		return s
	}

	var sumWin, sumLoss float64
	for _, c := range closes {
		s.TotalPnl += c.PnlPercentage
		if c.PnlPercentage > 0 {
			s.Wins++
			sumWin += c.PnlPercentage
		} else {
			s.Losses++
			sumLoss += c.PnlPercentage
		}
	}
	s.WinRate = float64(s.Wins) / float64(s.Trades) * 100
	if s.Wins > 0 {
		s.AvgWin = sumWin / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = sumLoss / float64(s.Losses)
	}

	mean := s.TotalPnl / float64(s.Trades)
	var variance float64
	for _, c := range closes {
		d := c.PnlPercentage - mean
		variance += d * d
	}
	variance /= float64(s.Trades)
	if stddev := math.Sqrt(variance); stddev > 0 {
		s.SharpeRatio = mean / stddev
	}

	var equity, peak, drawdown float64
	for _, c := range closes {
		equity += c.PnlPercentage
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > drawdown {
			drawdown = dd
		}
	}
	s.MaxDrawdown = drawdown
	return s
}
