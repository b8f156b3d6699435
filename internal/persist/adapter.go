// Package persist provides crash-safe signal persistence for live mode.
//
// Two adapters implement the same contract: JSON files with atomic
// replacement, and Redis. Backtests never touch persistence; live runs write
// every scheduled or activated signal and delete it on terminal transitions,
// so a restart can restore the exact in-flight state.
package persist

import (
	"context"
	"fmt"

	"strategy-engine/pkg/types"
)

// Kind distinguishes the two persisted signal states.
type Kind string

const (
	// KindPending is an activated signal (an open position).
	KindPending Kind = "signal"
	// KindScheduled is a signal awaiting activation at its entry price.
	KindScheduled Kind = "schedule"
)

// Key identifies one persisted record. At most one pending and one scheduled
// record exist per (symbol, strategy).
type Key struct {
	Kind     Kind
	Symbol   string
	Strategy string
}

func (k Key) String() string {
	return fmt.Sprintf("%s-%s-%s", k.Kind, k.Symbol, k.Strategy)
}

// Adapter is the persistence contract. Implementations must be safe for
// concurrent use; a Read after a successful Write returns the written signal.
type Adapter interface {
	// WaitForInit blocks until the backend is usable or ctx expires.
	WaitForInit(ctx context.Context) error
	Has(ctx context.Context, key Key) (bool, error)
	Read(ctx context.Context, key Key) (*types.Signal, error)
	Write(ctx context.Context, key Key, signal *types.Signal) error
	Delete(ctx context.Context, key Key) error
	Close() error
}
