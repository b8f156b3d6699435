package schema

import (
	"fmt"
	"sync"

	"strategy-engine/pkg/types"
)

// Registry is the name-keyed store for every schema kind. Registration
// rejects duplicate names; lookups return ErrNotFound for unknown names.
type Registry struct {
	mu         sync.RWMutex
	exchanges  map[string]ExchangeSchema
	frames     map[string]FrameSchema
	strategies map[string]StrategySchema
	risks      map[string]RiskSchema
	walkers    map[string]WalkerSchema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		exchanges:  make(map[string]ExchangeSchema),
		frames:     make(map[string]FrameSchema),
		strategies: make(map[string]StrategySchema),
		risks:      make(map[string]RiskSchema),
		walkers:    make(map[string]WalkerSchema),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Registration
// ————————————————————————————————————————————————————————————————————————

// AddExchange registers an exchange schema.
func (r *Registry) AddExchange(s ExchangeSchema) error {
	if s.Name == "" {
		return fmt.Errorf("%w: exchange name is required", types.ErrConfig)
	}
	if s.Source == nil {
		return fmt.Errorf("%w: exchange %q has no candle source", types.ErrConfig, s.Name)
	}
	if s.PriceDecimals == 0 {
		s.PriceDecimals = 2
	}
	if s.QuantityDecimals == 0 {
		s.QuantityDecimals = 8
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.exchanges[s.Name]; ok {
		return fmt.Errorf("%w: exchange %q", types.ErrConflict, s.Name)
	}
	r.exchanges[s.Name] = s
	return nil
}

// AddFrame registers a frame schema.
func (r *Registry) AddFrame(s FrameSchema) error {
	if s.Name == "" {
		return fmt.Errorf("%w: frame name is required", types.ErrConfig)
	}
	if !s.Interval.Valid() {
		return fmt.Errorf("%w: frame %q interval %q", types.ErrConfig, s.Name, s.Interval)
	}
	if !s.StartDate.Before(s.EndDate) {
		return fmt.Errorf("%w: frame %q start must precede end", types.ErrConfig, s.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.frames[s.Name]; ok {
		return fmt.Errorf("%w: frame %q", types.ErrConflict, s.Name)
	}
	r.frames[s.Name] = s
	return nil
}

// AddStrategy registers a strategy schema.
func (r *Registry) AddStrategy(s StrategySchema) error {
	if s.Name == "" {
		return fmt.Errorf("%w: strategy name is required", types.ErrConfig)
	}
	if s.Signal == nil {
		return fmt.Errorf("%w: strategy %q has no signal callback", types.ErrConfig, s.Name)
	}
	if !s.Interval.Valid() {
		return fmt.Errorf("%w: strategy %q interval %q", types.ErrConfig, s.Name, s.Interval)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.strategies[s.Name]; ok {
		return fmt.Errorf("%w: strategy %q", types.ErrConflict, s.Name)
	}
	r.strategies[s.Name] = s
	return nil
}

// AddRisk registers a risk schema.
func (r *Registry) AddRisk(s RiskSchema) error {
	if s.Name == "" {
		return fmt.Errorf("%w: risk name is required", types.ErrConfig)
	}
	for i, v := range s.Validations {
		if v.Check == nil {
			return fmt.Errorf("%w: risk %q validator %d has no check", types.ErrConfig, s.Name, i)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.risks[s.Name]; ok {
		return fmt.Errorf("%w: risk %q", types.ErrConflict, s.Name)
	}
	r.risks[s.Name] = s
	return nil
}

// AddWalker registers a walker schema.
func (r *Registry) AddWalker(s WalkerSchema) error {
	if s.Name == "" {
		return fmt.Errorf("%w: walker name is required", types.ErrConfig)
	}
	if len(s.Strategies) == 0 {
		return fmt.Errorf("%w: walker %q has no strategies", types.ErrConfig, s.Name)
	}
	if s.Metric == "" {
		s.Metric = MetricSharpeRatio
	}
	switch s.Metric {
	case MetricSharpeRatio, MetricTotalPnl, MetricWinRate:
	default:
		return fmt.Errorf("%w: walker %q metric %q", types.ErrConfig, s.Name, s.Metric)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.walkers[s.Name]; ok {
		return fmt.Errorf("%w: walker %q", types.ErrConflict, s.Name)
	}
	r.walkers[s.Name] = s
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Lookup
// ————————————————————————————————————————————————————————————————————————

// Exchange returns the named exchange schema.
func (r *Registry) Exchange(name string) (ExchangeSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.exchanges[name]
	if !ok {
		return ExchangeSchema{}, fmt.Errorf("exchange %q: %w", name, types.ErrNotFound)
	}
	return s, nil
}

// Frame returns the named frame schema.
func (r *Registry) Frame(name string) (FrameSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.frames[name]
	if !ok {
		return FrameSchema{}, fmt.Errorf("frame %q: %w", name, types.ErrNotFound)
	}
	return s, nil
}

// Strategy returns the named strategy schema.
func (r *Registry) Strategy(name string) (StrategySchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	if !ok {
		return StrategySchema{}, fmt.Errorf("strategy %q: %w", name, types.ErrNotFound)
	}
	return s, nil
}

// Risk returns the named risk schema.
func (r *Registry) Risk(name string) (RiskSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.risks[name]
	if !ok {
		return RiskSchema{}, fmt.Errorf("risk %q: %w", name, types.ErrNotFound)
	}
	return s, nil
}

// Walker returns the named walker schema.
func (r *Registry) Walker(name string) (WalkerSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.walkers[name]
	if !ok {
		return WalkerSchema{}, fmt.Errorf("walker %q: %w", name, types.ErrNotFound)
	}
	return s, nil
}

// ————————————————————————————————————————————————————————————————————————
// Partial overrides
// ————————————————————————————————————————————————————————————————————————

// ExchangePatch updates only the supplied fields of a registered exchange.
type ExchangePatch struct {
	Source           CandleSource
	PriceDecimals    *int
	QuantityDecimals *int
	FormatPrice      func(float64) string
	FormatQuantity   func(float64) string
}

// UpdateExchange applies a partial override, identified by name.
func (r *Registry) UpdateExchange(name string, p ExchangePatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.exchanges[name]
	if !ok {
		return fmt.Errorf("exchange %q: %w", name, types.ErrNotFound)
	}
	if p.Source != nil {
		s.Source = p.Source
	}
	if p.PriceDecimals != nil {
		s.PriceDecimals = *p.PriceDecimals
	}
	if p.QuantityDecimals != nil {
		s.QuantityDecimals = *p.QuantityDecimals
	}
	if p.FormatPrice != nil {
		s.FormatPrice = p.FormatPrice
	}
	if p.FormatQuantity != nil {
		s.FormatQuantity = p.FormatQuantity
	}
	r.exchanges[name] = s
	return nil
}

// StrategyPatch updates only the supplied fields of a registered strategy.
type StrategyPatch struct {
	Interval  *types.Interval
	Signal    SignalFunc
	Callbacks *StrategyCallbacks
	RiskName  *string
	RiskList  *[]string
}

// UpdateStrategy applies a partial override, identified by name.
func (r *Registry) UpdateStrategy(name string, p StrategyPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.strategies[name]
	if !ok {
		return fmt.Errorf("strategy %q: %w", name, types.ErrNotFound)
	}
	if p.Interval != nil {
		if !p.Interval.Valid() {
			return fmt.Errorf("%w: strategy %q interval %q", types.ErrConfig, name, *p.Interval)
		}
		s.Interval = *p.Interval
	}
	if p.Signal != nil {
		s.Signal = p.Signal
	}
	if p.Callbacks != nil {
		s.Callbacks = *p.Callbacks
	}
	if p.RiskName != nil {
		s.RiskName = *p.RiskName
	}
	if p.RiskList != nil {
		s.RiskList = *p.RiskList
	}
	r.strategies[name] = s
	return nil
}

// RiskPatch updates only the supplied fields of a registered risk profile.
type RiskPatch struct {
	Validations *[]RiskValidator
	Callbacks   *RiskCallbacks
}

// UpdateRisk applies a partial override, identified by name.
func (r *Registry) UpdateRisk(name string, p RiskPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.risks[name]
	if !ok {
		return fmt.Errorf("risk %q: %w", name, types.ErrNotFound)
	}
	if p.Validations != nil {
		s.Validations = *p.Validations
	}
	if p.Callbacks != nil {
		s.Callbacks = *p.Callbacks
	}
	r.risks[name] = s
	return nil
}
