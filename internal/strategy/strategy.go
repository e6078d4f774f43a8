// Package strategy contains the signal-generating models. A strategy is
// pure over its inputs: it reads one market snapshot, the spot price,
// the trailing price history, and an optional orderbook, and either
// emits a Signal or stays silent. Strategies never mutate shared state,
// so the loop may run them concurrently for different markets.
package strategy

import (
	"sync"

	"kalshi-trading-bot/pkg/types"
)

// Strategy is the contract every signal model implements.
type Strategy interface {
	// Name identifies the strategy in signals, logs, and the operator API.
	Name() string

	// Analyze evaluates one market and returns a signal or nil.
	// orderbook may be nil when the book fetch failed this tick.
	Analyze(market *types.Market, spotPrice float64, history []types.PricePoint, orderbook *types.Orderbook) *types.Signal

	// Enabled / SetEnabled gate the strategy from the operator surface.
	Enabled() bool
	SetEnabled(enabled bool)
}

// enabledFlag is the embeddable on/off switch shared by strategies.
type enabledFlag struct {
	mu sync.Mutex
	on bool
}

func (e *enabledFlag) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.on
}

func (e *enabledFlag) SetEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.on = enabled
}

// Info is the operator-surface description of one strategy.
type Info struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// Registry holds the configured strategies in registration order.
type Registry struct {
	mu         sync.Mutex
	strategies []Strategy
}

// NewRegistry builds a registry from the given strategies.
func NewRegistry(strategies ...Strategy) *Registry {
	return &Registry{strategies: strategies}
}

// All returns the strategies in registration order.
func (r *Registry) All() []Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Strategy, len(r.strategies))
	copy(out, r.strategies)
	return out
}

// Enabled returns only the currently enabled strategies.
func (r *Registry) Enabled() []Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Strategy
	for _, s := range r.strategies {
		if s.Enabled() {
			out = append(out, s)
		}
	}
	return out
}

// Get finds a strategy by name.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.strategies {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Infos describes all strategies for the operator API.
func (r *Registry) Infos() []Info {
	all := r.All()
	infos := make([]Info, 0, len(all))
	for _, s := range all {
		infos = append(infos, Info{Name: s.Name(), Enabled: s.Enabled()})
	}
	return infos
}

// DisableAll switches every strategy off. Used by the emergency halt.
func (r *Registry) DisableAll() {
	for _, s := range r.All() {
		s.SetEnabled(false)
	}
}

// SetBankroll fans a new capital base out to every strategy that sizes
// positions from it.
func (r *Registry) SetBankroll(bankroll float64) {
	for _, s := range r.All() {
		if sizer, ok := s.(interface{ SetBankroll(float64) }); ok {
			sizer.SetBankroll(bankroll)
		}
	}
}
