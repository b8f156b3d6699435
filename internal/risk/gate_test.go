package risk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"strategy-engine/internal/bus"
	"strategy-engine/internal/runctx"
	"strategy-engine/internal/schema"
	"strategy-engine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCtx(symbol string) context.Context {
	ctx := runctx.WithMethod(context.Background(), runctx.Method{ExchangeName: "test"})
	return runctx.WithExec(ctx, runctx.Exec{Symbol: symbol, When: time.Now(), Backtest: true})
}

func maxPositions(n int) schema.RiskValidator {
	return schema.RiskValidator{
		Note: fmt.Sprintf("max %d concurrent positions", n),
		Check: func(_ context.Context, p schema.RiskPayload) error {
			if p.ActivePositionCount >= n {
				return errors.New("limit reached")
			}
			return nil
		},
	}
}

func TestCheckSignalPasses(t *testing.T) {
	t.Parallel()
	r := schema.NewRegistry()
	if err := r.AddRisk(schema.RiskSchema{Name: "lenient", Validations: []schema.RiskValidator{maxPositions(3)}}); err != nil {
		t.Fatalf("AddRisk: %v", err)
	}
	g := NewGate(r, bus.New(), testLogger())

	strat := schema.StrategySchema{Name: "s1", RiskName: "lenient"}
	if err := g.CheckSignal(testCtx("BTCUSDT"), strat, nil, 100); err != nil {
		t.Fatalf("CheckSignal: %v", err)
	}
}

func TestSharedProfileRejectsAcrossStrategies(t *testing.T) {
	t.Parallel()
	r := schema.NewRegistry()
	if err := r.AddRisk(schema.RiskSchema{Name: "strict", Validations: []schema.RiskValidator{maxPositions(1)}}); err != nil {
		t.Fatalf("AddRisk: %v", err)
	}
	g := NewGate(r, bus.New(), testLogger())

	a := schema.StrategySchema{Name: "alpha", RiskName: "strict"}
	b := schema.StrategySchema{Name: "beta", RiskName: "strict"}

	g.AddPosition(a, "BTCUSDT", time.Now().UnixMilli())

	err := g.CheckSignal(testCtx("ETHUSDT"), b, nil, 100)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected: profile state is shared", err)
	}

	g.RemovePosition(a, "BTCUSDT")
	if err := g.CheckSignal(testCtx("ETHUSDT"), b, nil, 100); err != nil {
		t.Fatalf("CheckSignal after release: %v", err)
	}
}

func TestRejectionPublishesRiskEvent(t *testing.T) {
	t.Parallel()
	r := schema.NewRegistry()
	if err := r.AddRisk(schema.RiskSchema{Name: "deny", Validations: []schema.RiskValidator{{
		Note:  "always deny",
		Check: func(context.Context, schema.RiskPayload) error { return errors.New("no") },
	}}}); err != nil {
		t.Fatalf("AddRisk: %v", err)
	}
	events := bus.New()
	sub := events.Subscribe(bus.TopicRisk)
	g := NewGate(r, events, testLogger())

	strat := schema.StrategySchema{Name: "s1", RiskName: "deny"}
	dto := &types.SignalDto{Position: types.Long, PriceTakeProfit: 110, PriceStopLoss: 90, MinuteEstimatedTime: 60}
	if err := g.CheckSignal(testCtx("BTCUSDT"), strat, dto, 100); !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}

	select {
	case evt := <-sub.Events():
		re, ok := evt.Payload.(types.RiskEvent)
		if !ok {
			t.Fatalf("payload type %T", evt.Payload)
		}
		if re.RejectionID == "" {
			t.Error("rejection id must be set")
		}
		if re.RejectionNote != "always deny" {
			t.Errorf("note = %q, want validator note", re.RejectionNote)
		}
		if re.PendingSignal != dto {
			t.Error("event must carry the pending signal")
		}
	case <-time.After(time.Second):
		t.Fatal("no risk event published")
	}
}

func TestAllowedDoesNotPublish(t *testing.T) {
	t.Parallel()
	r := schema.NewRegistry()
	if err := r.AddRisk(schema.RiskSchema{Name: "open", Validations: nil}); err != nil {
		t.Fatalf("AddRisk: %v", err)
	}
	events := bus.New()
	sub := events.Subscribe(bus.TopicRisk)
	g := NewGate(r, events, testLogger())

	strat := schema.StrategySchema{Name: "s1", RiskName: "open"}
	if err := g.CheckSignal(testCtx("BTCUSDT"), strat, nil, 100); err != nil {
		t.Fatalf("CheckSignal: %v", err)
	}

	select {
	case evt := <-sub.Events():
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFailFastStopsAtFirstRejection(t *testing.T) {
	t.Parallel()
	var calls []string
	mk := func(name string, fail bool) schema.RiskValidator {
		return schema.RiskValidator{Check: func(context.Context, schema.RiskPayload) error {
			calls = append(calls, name)
			if fail {
				return errors.New(name)
			}
			return nil
		}}
	}
	r := schema.NewRegistry()
	if err := r.AddRisk(schema.RiskSchema{Name: "chain", Validations: []schema.RiskValidator{
		mk("first", false), mk("second", true), mk("third", false),
	}}); err != nil {
		t.Fatalf("AddRisk: %v", err)
	}
	g := NewGate(r, bus.New(), testLogger())

	strat := schema.StrategySchema{Name: "s1", RiskName: "chain"}
	if err := g.CheckSignal(testCtx("BTCUSDT"), strat, nil, 100); !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if len(calls) != 2 || calls[1] != "second" {
		t.Errorf("calls = %v, want fail-fast at second", calls)
	}
}

func TestCheckAndAddIsAtomic(t *testing.T) {
	t.Parallel()
	r := schema.NewRegistry()
	if err := r.AddRisk(schema.RiskSchema{Name: "one", Validations: []schema.RiskValidator{maxPositions(1)}}); err != nil {
		t.Fatalf("AddRisk: %v", err)
	}
	g := NewGate(r, bus.New(), testLogger())

	var wg sync.WaitGroup
	var mu sync.Mutex
	passed := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			strat := schema.StrategySchema{Name: fmt.Sprintf("s%d", i), RiskName: "one"}
			if err := g.CheckAndAdd(testCtx("BTCUSDT"), strat, nil, 100, time.Now().UnixMilli()); err == nil {
				mu.Lock()
				passed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if passed != 1 {
		t.Errorf("passed = %d, want exactly 1 under a max-1 profile", passed)
	}
	if n := g.PositionCount("one"); n != 1 {
		t.Errorf("position count = %d, want 1", n)
	}
}

func TestMergedProfilesAllChecked(t *testing.T) {
	t.Parallel()
	r := schema.NewRegistry()
	if err := r.AddRisk(schema.RiskSchema{Name: "a", Validations: nil}); err != nil {
		t.Fatalf("AddRisk: %v", err)
	}
	if err := r.AddRisk(schema.RiskSchema{Name: "b", Validations: []schema.RiskValidator{{
		Check: func(context.Context, schema.RiskPayload) error { return errors.New("b says no") },
	}}}); err != nil {
		t.Fatalf("AddRisk: %v", err)
	}
	g := NewGate(r, bus.New(), testLogger())

	strat := schema.StrategySchema{Name: "s1", RiskName: "a", RiskList: []string{"b"}}
	if err := g.CheckSignal(testCtx("BTCUSDT"), strat, nil, 100); !errors.Is(err, ErrRejected) {
		t.Errorf("err = %v, want rejection from second profile", err)
	}
}

func TestUnknownProfileIsNotFound(t *testing.T) {
	t.Parallel()
	g := NewGate(schema.NewRegistry(), bus.New(), testLogger())

	strat := schema.StrategySchema{Name: "s1", RiskName: "ghost"}
	if err := g.CheckSignal(testCtx("BTCUSDT"), strat, nil, 100); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
