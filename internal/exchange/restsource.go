package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"strategy-engine/internal/config"
	"strategy-engine/pkg/types"
)

// RestSource fetches candles from a Binance-style public klines endpoint.
// It satisfies the candle-source contract used by exchange schemas.
//
// Responses are the usual kline rows: arrays whose first element is the bar
// open time in ms and whose OHLCV fields arrive as strings.
type RestSource struct {
	http   *resty.Client
	path   string
	bucket *TokenBucket
	logger *slog.Logger
}

// NewRestSource creates a REST candle source with rate limiting and retry.
func NewRestSource(cfg config.ExchangeConfig, logger *slog.Logger) *RestSource {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &RestSource{
		http: httpClient,
		path: cfg.KlinesPath,
		// Public kline endpoints allow ~1200 weight per minute; stay under.
		bucket: NewTokenBucket(60, 15),
		logger: logger.With("component", "rest_source"),
	}
}

// GetCandles fetches up to limit candles starting at since.
func (s *RestSource) GetCandles(ctx context.Context, symbol string, interval types.Interval, since time.Time, limit int, _ bool) ([]types.Candle, error) {
	if err := s.bucket.Wait(ctx); err != nil {
		return nil, err
	}

	var rows [][]any
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":    symbol,
			"interval":  string(interval),
			"startTime": strconv.FormatInt(since.UnixMilli(), 10),
			"limit":     strconv.Itoa(limit),
		}).
		SetResult(&rows).
		Get(s.path)
	if err != nil {
		return nil, fmt.Errorf("get klines: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get klines: status %d: %s", resp.StatusCode(), resp.String())
	}

	candles := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		c, err := parseKline(row)
		if err != nil {
			s.logger.Warn("skipping malformed kline", "symbol", symbol, "err", err)
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// parseKline converts one kline row into a candle. Rows are
// [openTime, open, high, low, close, volume, ...]; numeric fields may be
// strings or numbers depending on the venue.
func parseKline(row []any) (types.Candle, error) {
	if len(row) < 6 {
		return types.Candle{}, fmt.Errorf("kline row has %d fields, want >= 6", len(row))
	}
	ts, err := asInt64(row[0])
	if err != nil {
		return types.Candle{}, fmt.Errorf("open time: %w", err)
	}
	vals := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, err := asFloat(row[i+1])
		if err != nil {
			return types.Candle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		vals[i] = v
	}
	return types.Candle{
		Timestamp: ts,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

func asInt64(v any) (int64, error) {
	switch x := v.(type) {
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}

func asFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case string:
		return strconv.ParseFloat(x, 64)
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}
