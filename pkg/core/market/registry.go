// Package market tracks the set of markets the engine synchronizes.
package market

import (
	"fmt"
	"sort"
	"sync"
)

type Status int8

const (
	Active Status = iota
	Paused
)

func (s Status) String() string {
	if s == Paused {
		return "PAUSED"
	}
	return "ACTIVE"
}

// Market identifies one tradable pair. Matching only runs while the
// market is Active.
type Market struct {
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`
	Status     Status `json:"status"`
}

// Registry manages all known markets in a thread-safe manner. Markets are
// registered explicitly at boot or implicitly when the ingestor first
// observes an order for an unknown symbol.
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*Market
}

func NewRegistry() *Registry {
	return &Registry{markets: make(map[string]*Market)}
}

// Register adds a market. Returns an error if the symbol already exists.
func (r *Registry) Register(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.markets[m.Symbol]; exists {
		return fmt.Errorf("market %s already registered", m.Symbol)
	}
	r.markets[m.Symbol] = m
	return nil
}

// Ensure returns the market for symbol, registering an Active one if the
// symbol is new.
func (r *Registry) Ensure(symbol string) *Market {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.markets[symbol]; ok {
		return m
	}
	m := &Market{Symbol: symbol, Status: Active}
	r.markets[symbol] = m
	return m
}

// Get retrieves a market by symbol.
func (r *Registry) Get(symbol string) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.markets[symbol]
	if !exists {
		return nil, fmt.Errorf("market %s not found", symbol)
	}
	return m, nil
}

// List returns all markets sorted by symbol.
func (r *Registry) List() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// SetStatus pauses or resumes a market.
func (r *Registry) SetStatus(symbol string, st Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.markets[symbol]
	if !exists {
		return fmt.Errorf("market %s not found", symbol)
	}
	m.Status = st
	return nil
}
