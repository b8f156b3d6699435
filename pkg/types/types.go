// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — signals, candles,
// tick results, and event-bus payloads. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Position represents the direction of a trade: long or short.
type Position string

const (
	Long  Position = "long"
	Short Position = "short"
)

// Valid reports whether the position is one of the two supported directions.
func (p Position) Valid() bool {
	return p == Long || p == Short
}

// CloseReason enumerates why an active signal was closed.
type CloseReason string

const (
	CloseTakeProfit  CloseReason = "take_profit"
	CloseStopLoss    CloseReason = "stop_loss"
	CloseTimeExpired CloseReason = "time_expired"
)

// CancelReason enumerates why a scheduled signal was cancelled before it
// ever became an active position.
type CancelReason string

const (
	CancelScheduleTimeout CancelReason = "schedule_timeout"
	CancelStopLossFirst   CancelReason = "stoploss_before_activation"
)

// Interval is a candle / signal-throttle interval.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
)

// Duration returns the wall-clock length of one interval step.
// Unknown intervals return 0; callers must validate first.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval3m:
		return 3 * time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval30m:
		return 30 * time.Minute
	case Interval1h:
		return time.Hour
	}
	return 0
}

// Milliseconds returns the interval length in milliseconds.
func (i Interval) Milliseconds() int64 {
	return i.Duration().Milliseconds()
}

// Valid reports whether the interval is a supported step.
func (i Interval) Valid() bool {
	return i.Duration() != 0
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// SignalDto is a candidate trade produced by a strategy's signal callback.
// PriceOpen == 0 means immediate entry at the current VWAP; a positive
// PriceOpen requests a scheduled entry at that price.
type SignalDto struct {
	ID                  string   `json:"id,omitempty"`
	Position            Position `json:"position"`
	PriceOpen           float64  `json:"priceOpen,omitempty"`
	PriceTakeProfit     float64  `json:"priceTakeProfit"`
	PriceStopLoss       float64  `json:"priceStopLoss"`
	MinuteEstimatedTime int      `json:"minuteEstimatedTime"`
	Note                string   `json:"note,omitempty"`
}

// Signal is a validated signal owned by the state machine. Scheduled signals
// carry ScheduledAt; activated (pending) signals carry PendingAt. The two are
// mutually exclusive. All timestamps are unix milliseconds.
type Signal struct {
	ID           string `json:"id"`
	Symbol       string `json:"symbol"`
	ExchangeName string `json:"exchangeName"`
	StrategyName string `json:"strategyName"`

	Position            Position `json:"position"`
	PriceOpen           float64  `json:"priceOpen"`
	PriceTakeProfit     float64  `json:"priceTakeProfit"`
	PriceStopLoss       float64  `json:"priceStopLoss"`
	MinuteEstimatedTime int      `json:"minuteEstimatedTime"`
	Note                string   `json:"note,omitempty"`

	CreatedAt   int64 `json:"createdAt"`
	ScheduledAt int64 `json:"scheduledAt,omitempty"`
	PendingAt   int64 `json:"pendingAt,omitempty"`

	// Version tags the persisted record layout for forward migration.
	Version int `json:"version"`
}

// SignalVersion is the current persisted-record layout version.
const SignalVersion = 1

// Clone returns a value copy. Consumers outside the state machine (risk gate,
// persistence, bus subscribers) hold copies, never the live record.
func (s *Signal) Clone() *Signal {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// NewSignalID returns an engine-assigned signal identifier.
func NewSignalID() string {
	return uuid.NewString()
}

// Candle is one OHLCV bar. Timestamp is the bar open time in unix ms.
type Candle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// ————————————————————————————————————————————————————————————————————————
// Tick results
// ————————————————————————————————————————————————————————————————————————

// Action names the outcome of one state-machine evaluation.
type Action string

const (
	ActionIdle      Action = "idle"
	ActionScheduled Action = "scheduled"
	ActionOpened    Action = "opened"
	ActionActive    Action = "active"
	ActionClosed    Action = "closed"
	ActionCancelled Action = "cancelled"
)

// TickResult is the tagged outcome of a tick. Each concrete variant carries
// only the fields meaningful for its action.
type TickResult interface {
	Action() Action
}

// Idle means nothing happened: stopped, throttled, risk-rejected, or the
// strategy produced no signal.
type Idle struct{}

func (Idle) Action() Action { return ActionIdle }

// Scheduled means a new signal was accepted with a concrete entry price and
// is now awaiting activation.
type Scheduled struct {
	Signal *Signal `json:"signal"`
}

func (Scheduled) Action() Action { return ActionScheduled }

// Opened means a signal became an active position (immediate entry, or a
// scheduled signal whose entry price was crossed).
type Opened struct {
	Signal *Signal `json:"signal"`
}

func (Opened) Action() Action { return ActionOpened }

// Active means an existing scheduled or pending signal is still being
// monitored and nothing terminal happened this tick.
type Active struct {
	Signal *Signal `json:"signal"`
}

func (Active) Action() Action { return ActionActive }

// Closed is the terminal result for an activated position.
type Closed struct {
	Signal          *Signal     `json:"signal"`
	Reason          CloseReason `json:"reason"`
	PriceClose      float64     `json:"priceClose"`
	PnlPercentage   float64     `json:"pnlPercentage"`
	FeePercent      float64     `json:"feePercent"`
	SlippagePercent float64     `json:"slippagePercent"`
	ClosedAt        int64       `json:"closedAt"`
}

func (Closed) Action() Action { return ActionClosed }

// Cancelled is the terminal result for a scheduled signal that never activated.
type Cancelled struct {
	Signal      *Signal      `json:"signal"`
	Reason      CancelReason `json:"reason"`
	CancelledAt int64        `json:"cancelledAt"`
}

func (Cancelled) Action() Action { return ActionCancelled }

// ActivePosition is one entry in a risk profile's shared position set.
type ActivePosition struct {
	Symbol       string `json:"symbol"`
	StrategyName string `json:"strategyName"`
	OpenedAt     int64  `json:"openedAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Event payloads
// ————————————————————————————————————————————————————————————————————————

// SignalEvent wraps a tick result with enough identity to filter on.
type SignalEvent struct {
	Symbol       string     `json:"symbol"`
	StrategyName string     `json:"strategyName"`
	ExchangeName string     `json:"exchangeName"`
	Backtest     bool       `json:"backtest"`
	When         int64      `json:"when"`
	Result       TickResult `json:"result"`
}

// RiskEvent is published for risk-gate rejections only.
type RiskEvent struct {
	RejectionID         string     `json:"rejectionId"`
	RejectionNote       string     `json:"rejectionNote"`
	Timestamp           int64      `json:"timestamp"`
	Backtest            bool       `json:"backtest"`
	CurrentPrice        float64    `json:"currentPrice"`
	ActivePositionCount int        `json:"activePositionCount"`
	PendingSignal       *SignalDto `json:"pendingSignal,omitempty"`
	Symbol              string     `json:"symbol"`
	StrategyName        string     `json:"strategyName"`
	ExchangeName        string     `json:"exchangeName"`
}

// PartialEvent marks an active signal crossing a new 10% profit or loss level.
type PartialEvent struct {
	Symbol        string  `json:"symbol"`
	StrategyName  string  `json:"strategyName"`
	ExchangeName  string  `json:"exchangeName"`
	Backtest      bool    `json:"backtest"`
	Level         int     `json:"level"` // signed multiple of 10
	PnlPercentage float64 `json:"pnlPercentage"`
	Signal        *Signal `json:"signal"`
}

// BacktestProgress reports frame-loop advancement.
type BacktestProgress struct {
	ExchangeName    string  `json:"exchangeName"`
	StrategyName    string  `json:"strategyName"`
	Symbol          string  `json:"symbol"`
	TotalFrames     int     `json:"totalFrames"`
	ProcessedFrames int     `json:"processedFrames"`
	Progress        float64 `json:"progress"` // 0..1
}

// Stats is the scalar summary of one backtest's closed trades. The walker
// extracts its ranking metric from here.
type Stats struct {
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	TotalPnl    float64 `json:"totalPnl"`
	WinRate     float64 `json:"winRate"`
	SharpeRatio float64 `json:"sharpeRatio"`
	MaxDrawdown float64 `json:"maxDrawdown"`
	AvgWin      float64 `json:"avgWin"`
	AvgLoss     float64 `json:"avgLoss"`
}

// WalkerProgress reports per-strategy walker advancement. MetricValue is nil
// when the strategy errored out and was ranked last.
type WalkerProgress struct {
	WalkerName       string   `json:"walkerName"`
	Symbol           string   `json:"symbol"`
	StrategiesTested int      `json:"strategiesTested"`
	TotalStrategies  int      `json:"totalStrategies"`
	StrategyName     string   `json:"strategyName"`
	MetricValue      *float64 `json:"metricValue"`
	BestStrategy     string   `json:"bestStrategy"`
	BestMetric       float64  `json:"bestMetric"`
}

// WalkerComplete is the final walker ranking.
type WalkerComplete struct {
	WalkerName   string  `json:"walkerName"`
	Symbol       string  `json:"symbol"`
	BestStrategy string  `json:"bestStrategy"`
	BestMetric   float64 `json:"bestMetric"`
	BestStats    Stats   `json:"bestStats"`
}

// DoneEvent marks the end of a backtest or live run.
type DoneEvent struct {
	Symbol       string `json:"symbol"`
	StrategyName string `json:"strategyName"`
	ExchangeName string `json:"exchangeName"`
	Backtest     bool   `json:"backtest"`
}

// ErrorEvent carries a recoverable error.
type ErrorEvent struct {
	Symbol       string `json:"symbol"`
	StrategyName string `json:"strategyName"`
	ExchangeName string `json:"exchangeName"`
	Backtest     bool   `json:"backtest"`
	When         int64  `json:"when"`
	Message      string `json:"message"`
}

// ExitEvent carries a fatal background-run failure.
type ExitEvent struct {
	Symbol       string `json:"symbol"`
	StrategyName string `json:"strategyName"`
	ExchangeName string `json:"exchangeName"`
	Backtest     bool   `json:"backtest"`
	Message      string `json:"message"`
}

// ————————————————————————————————————————————————————————————————————————
// Error taxonomy
// ————————————————————————————————————————————————————————————————————————

var (
	// ErrConflict — a schema with the same name is already registered.
	ErrConflict = errors.New("name already registered")
	// ErrNotFound — a referenced schema name does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNoData — the exchange returned no candles; VWAP is undefined.
	ErrNoData = errors.New("no candle data")
	// ErrValidation — a signal failed validation and was dropped.
	ErrValidation = errors.New("signal validation failed")
	// ErrConfig — bad schema or configuration value; fatal to the call.
	ErrConfig = errors.New("invalid configuration")
	// ErrPersistence — a persistence adapter read/write failed.
	ErrPersistence = errors.New("persistence failure")
)
