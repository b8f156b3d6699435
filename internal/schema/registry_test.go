package schema

import (
	"context"
	"errors"
	"testing"
	"time"

	"strategy-engine/pkg/types"
)

type stubSource struct{}

func (stubSource) GetCandles(_ context.Context, _ string, _ types.Interval, _ time.Time, _ int, _ bool) ([]types.Candle, error) {
	return nil, nil
}

func noSignal(_ context.Context, _ string) (*types.SignalDto, error) { return nil, nil }

func validStrategy(name string) StrategySchema {
	return StrategySchema{Name: name, Interval: types.Interval1m, Signal: noSignal}
}

func TestAddDuplicateRejected(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	if err := r.AddStrategy(validStrategy("s1")); err != nil {
		t.Fatalf("AddStrategy: %v", err)
	}
	if err := r.AddStrategy(validStrategy("s1")); !errors.Is(err, types.ErrConflict) {
		t.Errorf("duplicate strategy: err = %v, want ErrConflict", err)
	}

	if err := r.AddExchange(ExchangeSchema{Name: "e1", Source: stubSource{}}); err != nil {
		t.Fatalf("AddExchange: %v", err)
	}
	if err := r.AddExchange(ExchangeSchema{Name: "e1", Source: stubSource{}}); !errors.Is(err, types.ErrConflict) {
		t.Errorf("duplicate exchange: err = %v, want ErrConflict", err)
	}
}

func TestAddRejectsBadSchemas(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	if err := r.AddStrategy(StrategySchema{Name: "s", Interval: "2m", Signal: noSignal}); !errors.Is(err, types.ErrConfig) {
		t.Errorf("bad interval: err = %v, want ErrConfig", err)
	}
	if err := r.AddStrategy(StrategySchema{Name: "s", Interval: types.Interval1m}); !errors.Is(err, types.ErrConfig) {
		t.Errorf("nil signal: err = %v, want ErrConfig", err)
	}
	if err := r.AddExchange(ExchangeSchema{Name: "e"}); !errors.Is(err, types.ErrConfig) {
		t.Errorf("nil source: err = %v, want ErrConfig", err)
	}
	if err := r.AddFrame(FrameSchema{Name: "f", Interval: types.Interval1m, StartDate: time.Now(), EndDate: time.Now().Add(-time.Hour)}); !errors.Is(err, types.ErrConfig) {
		t.Errorf("inverted frame: err = %v, want ErrConfig", err)
	}
	if err := r.AddWalker(WalkerSchema{Name: "w", Strategies: []string{"a"}, Metric: "medianPnl"}); !errors.Is(err, types.ErrConfig) {
		t.Errorf("bad metric: err = %v, want ErrConfig", err)
	}
}

func TestExchangeDefaults(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	if err := r.AddExchange(ExchangeSchema{Name: "e1", Source: stubSource{}}); err != nil {
		t.Fatalf("AddExchange: %v", err)
	}
	s, err := r.Exchange("e1")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if s.PriceDecimals != 2 || s.QuantityDecimals != 8 {
		t.Errorf("decimals = %d/%d, want 2/8", s.PriceDecimals, s.QuantityDecimals)
	}
}

func TestWalkerDefaultMetric(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	if err := r.AddWalker(WalkerSchema{Name: "w", Strategies: []string{"a"}}); err != nil {
		t.Fatalf("AddWalker: %v", err)
	}
	w, _ := r.Walker("w")
	if w.Metric != MetricSharpeRatio {
		t.Errorf("metric = %q, want sharpeRatio", w.Metric)
	}
}

func TestLookupUnknown(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	if _, err := r.Strategy("nope"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateStrategyPartial(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	s := validStrategy("s1")
	s.RiskName = "conservative"
	if err := r.AddStrategy(s); err != nil {
		t.Fatalf("AddStrategy: %v", err)
	}

	iv := types.Interval5m
	if err := r.UpdateStrategy("s1", StrategyPatch{Interval: &iv}); err != nil {
		t.Fatalf("UpdateStrategy: %v", err)
	}

	got, _ := r.Strategy("s1")
	if got.Interval != types.Interval5m {
		t.Errorf("interval = %q, want 5m", got.Interval)
	}
	if got.RiskName != "conservative" {
		t.Errorf("riskName = %q, want untouched value", got.RiskName)
	}

	if err := r.UpdateStrategy("missing", StrategyPatch{}); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("update unknown: err = %v, want ErrNotFound", err)
	}
}

func TestRiskNamesMergedAndDeduped(t *testing.T) {
	t.Parallel()

	s := StrategySchema{
		RiskName: "a",
		RiskList: []string{"b", "a", "c", "b"},
	}
	got := s.RiskNames()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("RiskNames = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("RiskNames = %v, want %v", got, want)
		}
	}
}

func TestValidationServiceMemoizes(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	v := NewValidationService(r)

	if err := v.Validate(KindStrategy, "s1"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if err := r.AddStrategy(validStrategy("s1")); err != nil {
		t.Fatalf("AddStrategy: %v", err)
	}
	if err := v.Validate(KindStrategy, "s1"); err != nil {
		t.Fatalf("Validate after registration: %v", err)
	}
	// Memoized; repeated checks stay valid.
	if err := v.Validate(KindStrategy, "s1"); err != nil {
		t.Fatalf("memoized Validate: %v", err)
	}
}

func TestInstancesMemoize(t *testing.T) {
	t.Parallel()

	builds := 0
	cache := NewInstances(func(key string) *int {
		builds++
		n := len(key)
		return &n
	})

	a := cache.Get("BTCUSDT:sma")
	b := cache.Get("BTCUSDT:sma")
	if a != b {
		t.Error("repeated Get must return the same instance")
	}
	if builds != 1 {
		t.Errorf("builds = %d, want 1", builds)
	}

	_ = cache.Get("ETHUSDT:sma")
	if builds != 2 {
		t.Errorf("builds = %d, want 2 after second key", builds)
	}
}
