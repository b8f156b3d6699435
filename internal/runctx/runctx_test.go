package runctx

import (
	"context"
	"testing"
	"time"
)

func TestMethodRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithMethod(context.Background(), Method{
		StrategyName: "sma",
		ExchangeName: "binance",
		FrameName:    "jan",
	})

	m, ok := MethodFrom(ctx)
	if !ok {
		t.Fatal("method scope not found")
	}
	if m.StrategyName != "sma" || m.ExchangeName != "binance" || m.FrameName != "jan" {
		t.Errorf("unexpected method scope: %+v", m)
	}
}

func TestExecRoundTrip(t *testing.T) {
	t.Parallel()

	when := time.UnixMilli(1_700_000_000_000)
	ctx := WithExec(context.Background(), Exec{Symbol: "BTCUSDT", When: when, Backtest: true})

	e, ok := ExecFrom(ctx)
	if !ok {
		t.Fatal("exec scope not found")
	}
	if e.Symbol != "BTCUSDT" || !e.Backtest {
		t.Errorf("unexpected exec scope: %+v", e)
	}
	if e.WhenMs() != 1_700_000_000_000 {
		t.Errorf("WhenMs = %d", e.WhenMs())
	}
}

func TestMissingScopes(t *testing.T) {
	t.Parallel()

	if _, ok := MethodFrom(context.Background()); ok {
		t.Error("empty context should have no method scope")
	}
	if _, ok := ExecFrom(context.Background()); ok {
		t.Error("empty context should have no exec scope")
	}
}

func TestScopesAreIndependent(t *testing.T) {
	t.Parallel()

	ctx := WithMethod(context.Background(), Method{StrategyName: "a"})
	ctx = WithExec(ctx, Exec{Symbol: "ETHUSDT"})

	if m, _ := MethodFrom(ctx); m.StrategyName != "a" {
		t.Error("method scope lost after adding exec scope")
	}
	if e, _ := ExecFrom(ctx); e.Symbol != "ETHUSDT" {
		t.Error("exec scope missing")
	}
}
