package schema

import (
	"sync"
)

// Kind names a schema family for the validation service.
type Kind string

const (
	KindExchange Kind = "exchange"
	KindFrame    Kind = "frame"
	KindStrategy Kind = "strategy"
	KindRisk     Kind = "risk"
	KindWalker   Kind = "walker"
)

// ValidationService performs existence checks against the registry with
// per-(kind, name) memoization so hot paths validate each name once.
type ValidationService struct {
	registry *Registry

	mu   sync.Mutex
	seen map[Kind]map[string]bool
}

// NewValidationService creates a validation service over the registry.
func NewValidationService(registry *Registry) *ValidationService {
	return &ValidationService{
		registry: registry,
		seen:     make(map[Kind]map[string]bool),
	}
}

// Validate checks that the named schema of the given kind exists. A name that
// validated once is never re-checked.
func (v *ValidationService) Validate(kind Kind, name string) error {
	v.mu.Lock()
	if v.seen[kind][name] {
		v.mu.Unlock()
		return nil
	}
	v.mu.Unlock()

	var err error
	switch kind {
	case KindExchange:
		_, err = v.registry.Exchange(name)
	case KindFrame:
		_, err = v.registry.Frame(name)
	case KindStrategy:
		_, err = v.registry.Strategy(name)
	case KindRisk:
		_, err = v.registry.Risk(name)
	case KindWalker:
		_, err = v.registry.Walker(name)
	}
	if err != nil {
		return err
	}

	v.mu.Lock()
	if v.seen[kind] == nil {
		v.seen[kind] = make(map[string]bool)
	}
	v.seen[kind][name] = true
	v.mu.Unlock()
	return nil
}

// Instances memoizes one client instance per composite key, guaranteeing that
// repeated lookups observe the same state object. Construction runs inside
// the lock, so two concurrent callers never build two instances for one key.
type Instances[T any] struct {
	mu    sync.Mutex
	cache map[string]T
	build func(key string) T
}

// NewInstances creates an instance cache with the given constructor.
func NewInstances[T any](build func(key string) T) *Instances[T] {
	return &Instances[T]{
		cache: make(map[string]T),
		build: build,
	}
}

// Get returns the instance for the key, constructing it on first use.
func (c *Instances[T]) Get(key string) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.cache[key]; ok {
		return inst
	}
	inst := c.build(key)
	c.cache[key] = inst
	return inst
}

// Each calls fn for every cached instance.
func (c *Instances[T]) Each(fn func(key string, inst T)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, inst := range c.cache {
		fn(k, inst)
	}
}
