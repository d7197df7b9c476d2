package storage

import (
	"sort"
	"sync"

	"github.com/openclob/ledgersync/pkg/core"
	"github.com/openclob/ledgersync/pkg/ledger"
)

// MemStore is the in-memory Store used by tests. It enforces the same
// cursor monotonicity contract as the pebble implementation.
type MemStore struct {
	mu     sync.Mutex
	orders map[string]core.Order // market:id
	trades map[string][]core.Trade
	cursor ledger.Cursor
}

func NewMemStore() *MemStore {
	return &MemStore{
		orders: make(map[string]core.Order),
		trades: make(map[string][]core.Trade),
	}
}

func (s *MemStore) UpsertOrder(o *core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.Market+":"+o.ID] = *o
	return nil
}

func (s *MemStore) GetOrder(market, id string) (*core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[market+":"+id]
	if !ok {
		return nil, nil
	}
	cp := o
	return &cp, nil
}

func (s *MemStore) OpenOrders() ([]*core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.Order
	for _, o := range s.orders {
		if !o.IsClosed() {
			cp := o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemStore) InsertTrade(t *core.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[t.Market] = append(s.trades[t.Market], *t)
	return nil
}

func (s *MemStore) RecentTrades(market string, limit int) ([]*core.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.trades[market]
	if limit > len(all) {
		limit = len(all)
	}
	out := make([]*core.Trade, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		cp := all[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) GetCursor() (ledger.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

func (s *MemStore) SetCursor(c ledger.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c < s.cursor {
		return ErrCursorRegression
	}
	s.cursor = c
	return nil
}

func (s *MemStore) Close() error { return nil }

var _ Store = (*MemStore)(nil)
