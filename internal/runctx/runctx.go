// Package runctx carries the ambient execution scope through the call stack.
//
// Two scopes exist: Method says which named configuration objects a call
// should resolve (strategy, exchange, frame, walker); Exec says where and
// when the call is happening (symbol, timestamp, backtest or live). Both ride
// on context.Context so strategy and exchange callbacks can read them without
// extra parameters, and no process-wide state is involved.
package runctx

import (
	"context"
	"time"
)

type methodKey struct{}
type execKey struct{}

// Method identifies the configuration objects in use for the current call.
type Method struct {
	StrategyName string
	ExchangeName string
	FrameName    string
	WalkerName   string
}

// Exec is the where/when/mode of the current call. When is the evaluation
// timestamp: the frame timestamp in backtests, wall clock in live mode.
type Exec struct {
	Symbol   string
	When     time.Time
	Backtest bool
}

// WhenMs returns the evaluation timestamp in unix milliseconds.
func (e Exec) WhenMs() int64 {
	return e.When.UnixMilli()
}

// WithMethod returns a context carrying the method scope.
func WithMethod(ctx context.Context, m Method) context.Context {
	return context.WithValue(ctx, methodKey{}, m)
}

// MethodFrom reads the method scope. ok is false when none was set.
func MethodFrom(ctx context.Context) (Method, bool) {
	m, ok := ctx.Value(methodKey{}).(Method)
	return m, ok
}

// WithExec returns a context carrying the execution scope.
func WithExec(ctx context.Context, e Exec) context.Context {
	return context.WithValue(ctx, execKey{}, e)
}

// ExecFrom reads the execution scope. ok is false when none was set.
func ExecFrom(ctx context.Context) (Exec, bool) {
	e, ok := ctx.Value(execKey{}).(Exec)
	return e, ok
}
