// Package exchange provides candle access for the engine: an in-memory
// OHLCV cache in front of pluggable candle sources, VWAP computation, and
// price/quantity formatting.
//
// The canonical "current price" everywhere in the engine is the VWAP over the
// last few 1-minute candles, not a ticker quote, so every consumer goes
// through this package. The cache is sharded per (exchange, symbol, interval);
// writes are serialized per shard with dedup by timestamp (last write wins).
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"strategy-engine/internal/config"
	"strategy-engine/internal/runctx"
	"strategy-engine/internal/schema"
	"strategy-engine/pkg/types"
)

// Core serves candles and derived prices. Methods read the ambient method
// scope (which exchange) and execution scope (when, backtest) from ctx.
type Core struct {
	registry *schema.Registry
	limits   config.Limits
	logger   *slog.Logger

	mu     sync.Mutex
	shards map[string]*shard
}

// shard caches candles for one (exchange, symbol, interval), sorted by
// timestamp, deduplicated.
type shard struct {
	mu      sync.RWMutex
	candles []types.Candle
}

// NewCore creates an exchange core over the registry.
func NewCore(registry *schema.Registry, limits config.Limits, logger *slog.Logger) *Core {
	return &Core{
		registry: registry,
		limits:   limits,
		logger:   logger.With("component", "exchange"),
		shards:   make(map[string]*shard),
	}
}

func (c *Core) shardFor(exchangeName, symbol string, interval types.Interval) *shard {
	key := exchangeName + "|" + symbol + "|" + string(interval)
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.shards[key]
	if !ok {
		s = &shard{}
		c.shards[key] = s
	}
	return s
}

func (c *Core) scopes(ctx context.Context) (runctx.Method, runctx.Exec, error) {
	m, ok := runctx.MethodFrom(ctx)
	if !ok {
		return m, runctx.Exec{}, fmt.Errorf("%w: missing method scope", types.ErrConfig)
	}
	e, ok := runctx.ExecFrom(ctx)
	if !ok {
		return m, e, fmt.Errorf("%w: missing execution scope", types.ErrConfig)
	}
	return m, e, nil
}

// GetCandles returns the last limit candles before the ambient timestamp:
// exactly the window [when − limit·interval, when). Served from cache when a
// contiguous slice is present; otherwise fetched from the schema's source in
// chunks of at most MaxCandlesPerRequest and written back.
func (c *Core) GetCandles(ctx context.Context, symbol string, interval types.Interval, limit int) ([]types.Candle, error) {
	m, e, err := c.scopes(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: candle limit must be > 0", types.ErrConfig)
	}
	since := e.When.Add(-time.Duration(limit) * interval.Duration())
	return c.fetchWindow(ctx, m.ExchangeName, symbol, interval, since, limit, e.Backtest)
}

// NextCandles returns limit candles starting at from. Used by the backtest
// fast-path to pull the whole monitoring window at once.
func (c *Core) NextCandles(ctx context.Context, symbol string, interval types.Interval, limit int, from time.Time) ([]types.Candle, error) {
	m, e, err := c.scopes(ctx)
	if err != nil {
		return nil, err
	}
	return c.fetchWindow(ctx, m.ExchangeName, symbol, interval, from, limit, e.Backtest)
}

// RangeCandles returns every candle in [start, stop) at the given interval.
func (c *Core) RangeCandles(ctx context.Context, symbol string, start, stop time.Time, interval types.Interval) ([]types.Candle, error) {
	m, e, err := c.scopes(ctx)
	if err != nil {
		return nil, err
	}
	step := interval.Duration()
	if !start.Before(stop) || step == 0 {
		return nil, fmt.Errorf("%w: bad candle range", types.ErrConfig)
	}
	limit := int(stop.Sub(start) / step)
	if limit == 0 {
		return nil, nil
	}
	return c.fetchWindow(ctx, m.ExchangeName, symbol, interval, start, limit, e.Backtest)
}

func (c *Core) fetchWindow(ctx context.Context, exchangeName, symbol string, interval types.Interval, since time.Time, limit int, backtest bool) ([]types.Candle, error) {
	sh := c.shardFor(exchangeName, symbol, interval)
	step := interval.Milliseconds()
	sinceMs := since.UnixMilli()

	if hit := sh.contiguous(sinceMs, step, limit); hit != nil {
		return hit, nil
	}

	ex, err := c.registry.Exchange(exchangeName)
	if err != nil {
		return nil, err
	}

	var fetched []types.Candle
	remaining := limit
	cursor := since
	for remaining > 0 {
		n := remaining
		if n > c.limits.MaxCandlesPerRequest {
			n = c.limits.MaxCandlesPerRequest
		}
		chunk, err := ex.Source.GetCandles(ctx, symbol, interval, cursor, n, backtest)
		if err != nil {
			return nil, fmt.Errorf("get candles %s %s: %w", exchangeName, symbol, err)
		}
		fetched = append(fetched, chunk...)
		cursor = cursor.Add(time.Duration(n) * interval.Duration())
		remaining -= n
	}

	// Keep only candles inside [since, since + (limit+1)·step), dedup by
	// timestamp with the later occurrence winning.
	endMs := sinceMs + int64(limit+1)*step
	byTs := make(map[int64]types.Candle, len(fetched))
	for _, cd := range fetched {
		if cd.Timestamp >= sinceMs && cd.Timestamp < endMs {
			byTs[cd.Timestamp] = cd
		}
	}
	result := make([]types.Candle, 0, len(byTs))
	for _, cd := range byTs {
		result = append(result, cd)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp < result[j].Timestamp })
	if len(result) > limit {
		result = result[:limit]
	}

	if len(result) < limit {
		c.logger.Warn("short candle response",
			"exchange", exchangeName,
			"symbol", symbol,
			"interval", interval,
			"want", limit,
			"got", len(result),
		)
	}

	sh.merge(result)
	return result, nil
}

// AveragePrice returns the VWAP over the last AvgPriceCandles 1-minute
// candles: sum(((high+low+close)/3)·volume) / sum(volume). When total volume
// is zero it falls back to the mean close. ErrNoData when no candles exist.
func (c *Core) AveragePrice(ctx context.Context, symbol string) (float64, error) {
	candles, err := c.GetCandles(ctx, symbol, types.Interval1m, c.limits.AvgPriceCandles)
	if err != nil {
		return 0, err
	}
	return Vwap(candles)
}

// Vwap computes the volume-weighted typical price of the candles.
func Vwap(candles []types.Candle) (float64, error) {
	if len(candles) == 0 {
		return 0, types.ErrNoData
	}
	var weighted, volume float64
	for _, cd := range candles {
		typical := (cd.High + cd.Low + cd.Close) / 3
		weighted += typical * cd.Volume
		volume += cd.Volume
	}
	if volume == 0 {
		var sum float64
		for _, cd := range candles {
			sum += cd.Close
		}
		return sum / float64(len(candles)), nil
	}
	return weighted / volume, nil
}

// FormatPrice renders a price with the exchange's precision (default 2).
func (c *Core) FormatPrice(ctx context.Context, price float64) (string, error) {
	m, _, err := c.scopes(ctx)
	if err != nil {
		return "", err
	}
	ex, err := c.registry.Exchange(m.ExchangeName)
	if err != nil {
		return "", err
	}
	if ex.FormatPrice != nil {
		return ex.FormatPrice(price), nil
	}
	return decimal.NewFromFloat(price).StringFixed(int32(ex.PriceDecimals)), nil
}

// FormatQuantity renders a quantity with the exchange's precision (default 8).
func (c *Core) FormatQuantity(ctx context.Context, qty float64) (string, error) {
	m, _, err := c.scopes(ctx)
	if err != nil {
		return "", err
	}
	ex, err := c.registry.Exchange(m.ExchangeName)
	if err != nil {
		return "", err
	}
	if ex.FormatQuantity != nil {
		return ex.FormatQuantity(qty), nil
	}
	return decimal.NewFromFloat(qty).StringFixed(int32(ex.QuantityDecimals)), nil
}

// contiguous returns a copy of exactly limit candles at the expected step
// timestamps starting at sinceMs, or nil when any step is missing.
func (s *shard) contiguous(sinceMs, stepMs int64, limit int) []types.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.candles) < limit {
		return nil
	}
	start := sort.Search(len(s.candles), func(i int) bool {
		return s.candles[i].Timestamp >= sinceMs
	})
	if start+limit > len(s.candles) {
		return nil
	}
	out := make([]types.Candle, limit)
	for i := 0; i < limit; i++ {
		want := sinceMs + int64(i)*stepMs
		if s.candles[start+i].Timestamp != want {
			return nil
		}
		out[i] = s.candles[start+i]
	}
	return out
}

// merge inserts candles, replacing same-timestamp entries (last write wins).
func (s *shard) merge(candles []types.Candle) {
	if len(candles) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byTs := make(map[int64]types.Candle, len(s.candles)+len(candles))
	for _, cd := range s.candles {
		byTs[cd.Timestamp] = cd
	}
	for _, cd := range candles {
		byTs[cd.Timestamp] = cd
	}
	merged := make([]types.Candle, 0, len(byTs))
	for _, cd := range byTs {
		merged = append(merged, cd)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp < merged[j].Timestamp })
	s.candles = merged
}
