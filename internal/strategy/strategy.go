// Package strategy defines the Strategy interface for trading strategies and
// provides a Registry for managing multiple strategy implementations.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"papertrader/internal/domain"
)

// Kind is the direction of a Signal.
type Kind int

const (
	KindHold Kind = iota
	KindBuy
	KindSell
)

func (k Kind) String() string {
	switch k {
	case KindBuy:
		return "BUY"
	case KindSell:
		return "SELL"
	default:
		return "HOLD"
	}
}

// Signal is the outcome of one analysis: Buy or Sell with a confidence in
// [0, 1], or Hold. Construct with Buy, Sell or Hold.
type Signal struct {
	Kind       Kind    `json:"kind"`
	Confidence float64 `json:"confidence"`
}

// Buy returns a buy signal with confidence clamped to [0, 1].
func Buy(confidence float64) Signal { return Signal{Kind: KindBuy, Confidence: clamp(confidence)} }

// Sell returns a sell signal with confidence clamped to [0, 1].
func Sell(confidence float64) Signal { return Signal{Kind: KindSell, Confidence: clamp(confidence)} }

// Hold returns the neutral signal.
func Hold() Signal { return Signal{} }

func (s Signal) IsBuy() bool  { return s.Kind == KindBuy }
func (s Signal) IsSell() bool { return s.Kind == KindSell }

func (s Signal) String() string {
	if s.Kind == KindHold {
		return "HOLD"
	}
	return fmt.Sprintf("%s(%.2f)", s.Kind, s.Confidence)
}

func clamp(c float64) float64 {
	switch {
	case c < 0 || c != c:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

// Strategy is the interface that all trading strategies must implement.
// Analyze must not mutate shared state; it is called concurrently from the
// scan worker pool.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Analyze inspects a daily series, oldest bar first, and returns a
	// signal for the most recent bar. A series too short to judge yields
	// Hold.
	Analyze(ctx context.Context, series domain.Series) (Signal, error)
}

// Func adapts a plain function to Strategy.
type Func struct {
	ID string
	Fn func(ctx context.Context, series domain.Series) (Signal, error)
}

func (f Func) Name() string { return f.ID }

func (f Func) Analyze(ctx context.Context, series domain.Series) (Signal, error) {
	return f.Fn(ctx, series)
}

// Registry holds a named collection of strategies for lookup and enumeration.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry, keyed by its Name().
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Lookup is Get for configuration-time lookups. An unknown name is an error
// listing the registered names.
func (r *Registry) Lookup(name string) (Strategy, error) {
	if s, ok := r.Get(name); ok {
		return s, nil
	}
	return nil, fmt.Errorf("unknown strategy %q (have %v)", name, r.List())
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
