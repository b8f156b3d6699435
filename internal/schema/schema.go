// Package schema holds the four name-keyed configuration kinds the engine is
// driven by (exchange, frame, strategy, risk — plus walker bundles), the
// registry they live in, and the memoized validation/instance services.
//
// Schemas are plain records carrying implementations: the dynamic behavior
// (candle fetching, signal generation, risk checks, lifecycle callbacks) is
// supplied as interfaces and function fields.
package schema

import (
	"context"
	"time"

	"strategy-engine/pkg/types"
)

// CandleSource pulls OHLCV candles for an exchange. since is inclusive; limit
// caps the number of candles returned. backtest tells historical sources they
// may serve from bulk storage instead of a live endpoint.
type CandleSource interface {
	GetCandles(ctx context.Context, symbol string, interval types.Interval, since time.Time, limit int, backtest bool) ([]types.Candle, error)
}

// ExchangeSchema names a candle source plus price/quantity formatting rules.
// FormatPrice and FormatQuantity override the decimal-place defaults
// (2 and 8) when set.
type ExchangeSchema struct {
	Name             string
	Source           CandleSource
	PriceDecimals    int
	QuantityDecimals int
	FormatPrice      func(float64) string
	FormatQuantity   func(float64) string
}

// FrameSchema bounds a backtest: [StartDate, EndDate) stepped by Interval.
type FrameSchema struct {
	Name      string
	Interval  types.Interval
	StartDate time.Time
	EndDate   time.Time
}

// SignalFunc is the strategy's signal callback. Returning (nil, nil) means no
// trade this tick. The execution scope (symbol, when, backtest) rides on ctx.
type SignalFunc func(ctx context.Context, symbol string) (*types.SignalDto, error)

// StrategyCallbacks are optional lifecycle hooks. OnActive and OnSchedule
// additionally fire when a persisted signal is restored after a restart.
type StrategyCallbacks struct {
	OnOpen     func(ctx context.Context, signal *types.Signal)
	OnClose    func(ctx context.Context, result types.Closed)
	OnSchedule func(ctx context.Context, signal *types.Signal)
	OnCancel   func(ctx context.Context, result types.Cancelled)
	OnActive   func(ctx context.Context, signal *types.Signal)
}

// StrategySchema configures one strategy. Interval throttles how often the
// signal callback may run. RiskName and RiskList reference risk profiles by
// name; both may be set and are merged (deduplicated) at check time.
type StrategySchema struct {
	Name      string
	Interval  types.Interval
	Signal    SignalFunc
	Callbacks StrategyCallbacks
	RiskName  string
	RiskList  []string
}

// RiskNames returns RiskName merged with RiskList, deduplicated by name,
// preserving declaration order (RiskName first).
func (s StrategySchema) RiskNames() []string {
	var names []string
	seen := make(map[string]bool)
	if s.RiskName != "" {
		names = append(names, s.RiskName)
		seen[s.RiskName] = true
	}
	for _, n := range s.RiskList {
		if n != "" && !seen[n] {
			names = append(names, n)
			seen[n] = true
		}
	}
	return names
}

// RiskPayload is handed to every risk validator.
type RiskPayload struct {
	Symbol              string
	PendingSignal       *types.SignalDto
	StrategyName        string
	ExchangeName        string
	CurrentPrice        float64
	Timestamp           int64
	Backtest            bool
	ActivePositionCount int
	ActivePositions     []types.ActivePosition
}

// RiskValidator is one rule in a risk profile. A non-nil error from Check is
// a rejection; the published note is Note when set, the error message
// otherwise.
type RiskValidator struct {
	Note  string
	Check func(ctx context.Context, payload RiskPayload) error
}

// RiskCallbacks are optional rejection/pass hooks.
type RiskCallbacks struct {
	OnRejected func(ctx context.Context, payload RiskPayload, note string)
	OnAllowed  func(ctx context.Context, payload RiskPayload)
}

// RiskSchema is a named bundle of validators sharing active-position state
// across every strategy that references it.
type RiskSchema struct {
	Name        string
	Validations []RiskValidator
	Callbacks   RiskCallbacks
}

// Walker metrics. All are maximized: higher is always better.
const (
	MetricSharpeRatio = "sharpeRatio"
	MetricTotalPnl    = "totalPnl"
	MetricWinRate     = "winRate"
)

// WalkerSchema drives a sequential multi-strategy evaluation. Metric defaults
// to sharpeRatio when empty.
type WalkerSchema struct {
	Name       string
	Strategies []string
	Metric     string
}
