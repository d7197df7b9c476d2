// Package orderbook keeps one market's resting orders in price-time
// priority: a red-black tree of price levels per side, each level a FIFO
// queue ordered by arrival time.
package orderbook

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/openclob/ledgersync/pkg/core"
)

// priceLevel is the FIFO queue of resting orders at a single price.
type priceLevel struct {
	price  decimal.Decimal
	orders []*core.Order
}

func (pl *priceLevel) totalQty() decimal.Decimal {
	total := decimal.Zero
	for _, o := range pl.orders {
		total = total.Add(o.Remaining)
	}
	return total
}

// enqueue places o by arrival time. Events normally arrive in ledger order
// so this is an append; the scan covers replays that interleave.
func (pl *priceLevel) enqueue(o *core.Order) {
	i := len(pl.orders)
	for i > 0 && o.Before(pl.orders[i-1]) {
		i--
	}
	pl.orders = append(pl.orders, nil)
	copy(pl.orders[i+1:], pl.orders[i:])
	pl.orders[i] = o
}

func (pl *priceLevel) dequeue(id string) bool {
	for i, o := range pl.orders {
		if o.ID == id {
			pl.orders = append(pl.orders[:i], pl.orders[i+1:]...)
			return true
		}
	}
	return false
}

// SnapshotLevel is one aggregated price level of a book snapshot.
type SnapshotLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// Snapshot is a bounded, read-only view of the book.
type Snapshot struct {
	Market string          `json:"market"`
	Bids   []SnapshotLevel `json:"bids"` // best (highest) first
	Asks   []SnapshotLevel `json:"asks"` // best (lowest) first
}

// OrderBook holds one market's resting orders. All mutation goes through
// the owning market worker; the mutex only guards read-side snapshots.
type OrderBook struct {
	mu     sync.RWMutex
	market string

	bids *levelTree
	asks *levelTree

	// Market orders carry no price and cannot live in the level trees.
	// They queue per side in arrival order, ahead of all limit levels.
	marketBids []*core.Order
	marketAsks []*core.Order

	// order id -> order, for O(log n) removal and delta application
	index map[string]*core.Order
}

func New(market string) *OrderBook {
	return &OrderBook{
		market: market,
		bids:   newLevelTree(),
		asks:   newLevelTree(),
		index:  make(map[string]*core.Order),
	}
}

func (ob *OrderBook) Market() string { return ob.market }

func (ob *OrderBook) side(s core.Side) *levelTree {
	if s == core.Buy {
		return ob.bids
	}
	return ob.asks
}

// Insert places the order at its price level in arrival order. Inserting an
// id already present is a no-op, so replayed creation events are harmless.
func (ob *OrderBook) Insert(o *core.Order) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if _, ok := ob.index[o.ID]; ok {
		return
	}
	if o.Type == core.Market {
		q := ob.marketQueue(o.Side)
		i := len(*q)
		for i > 0 && o.Before((*q)[i-1]) {
			i--
		}
		*q = append(*q, nil)
		copy((*q)[i+1:], (*q)[i:])
		(*q)[i] = o
	} else {
		ob.side(o.Side).Upsert(o.Price).enqueue(o)
	}
	ob.index[o.ID] = o
}

func (ob *OrderBook) marketQueue(s core.Side) *[]*core.Order {
	if s == core.Buy {
		return &ob.marketBids
	}
	return &ob.marketAsks
}

// Remove takes the order out of the book. Absent ids are a no-op, not an
// error: cancellation events may be delivered more than once.
func (ob *OrderBook) Remove(id string) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.removeLocked(id)
}

func (ob *OrderBook) removeLocked(id string) {
	o, ok := ob.index[id]
	if !ok {
		return
	}
	if o.Type == core.Market {
		q := ob.marketQueue(o.Side)
		for i, mo := range *q {
			if mo.ID == id {
				*q = append((*q)[:i], (*q)[i+1:]...)
				break
			}
		}
	} else {
		tree := ob.side(o.Side)
		if lvl := tree.Find(o.Price); lvl != nil {
			lvl.dequeue(id)
			if len(lvl.orders) == 0 {
				tree.Delete(o.Price)
			}
		}
	}
	delete(ob.index, id)
}

// Get returns the resting order with the given id, or nil.
func (ob *OrderBook) Get(id string) *core.Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.index[id]
}

// Reduce decrements the order's remaining quantity by qty and evicts it
// once fully filled. Returns false if the order is unknown or qty exceeds
// its remaining quantity.
func (ob *OrderBook) Reduce(id string, qty decimal.Decimal) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	o, ok := ob.index[id]
	if !ok || qty.LessThanOrEqual(decimal.Zero) || qty.GreaterThan(o.Remaining) {
		return false
	}
	o.Remaining = o.Remaining.Sub(qty)
	if o.Remaining.IsZero() {
		ob.removeLocked(id)
	}
	return true
}

// BestBid returns the highest-priority resting buy order: the oldest
// market bid if any, else the head of the highest bid level.
func (ob *OrderBook) BestBid() *core.Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.marketBids) > 0 {
		return ob.marketBids[0]
	}
	if lvl := ob.bids.Max(); lvl != nil {
		return lvl.orders[0]
	}
	return nil
}

// BestAsk returns the highest-priority resting sell order: the oldest
// market ask if any, else the head of the lowest ask level.
func (ob *OrderBook) BestAsk() *core.Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.marketAsks) > 0 {
		return ob.marketAsks[0]
	}
	if lvl := ob.asks.Min(); lvl != nil {
		return lvl.orders[0]
	}
	return nil
}

// Scan visits resting orders of one side in priority order: market orders
// first, then bids from the highest price / asks from the lowest, FIFO
// within a level. Stops when fn returns false.
func (ob *OrderBook) Scan(s core.Side, fn func(*core.Order) bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	for _, o := range *ob.marketQueue(s) {
		if !fn(o) {
			return
		}
	}
	visit := func(lvl *priceLevel) bool {
		for _, o := range lvl.orders {
			if !fn(o) {
				return false
			}
		}
		return true
	}
	if s == core.Buy {
		ob.bids.Descend(visit)
	} else {
		ob.asks.Ascend(visit)
	}
}

// MarketOrders returns the resting market orders of one side in arrival
// order. The slice is a copy.
func (ob *OrderBook) MarketOrders(s core.Side) []*core.Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	q := *ob.marketQueue(s)
	out := make([]*core.Order, len(q))
	copy(out, q)
	return out
}

// Len returns the number of resting orders.
func (ob *OrderBook) Len() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.index)
}

// Snapshot aggregates up to depth price levels per side into a view that
// shares no mutable state with the book.
func (ob *OrderBook) Snapshot(depth int) Snapshot {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	snap := Snapshot{Market: ob.market}
	ob.bids.Descend(func(lvl *priceLevel) bool {
		if depth > 0 && len(snap.Bids) >= depth {
			return false
		}
		snap.Bids = append(snap.Bids, SnapshotLevel{Price: lvl.price, Qty: lvl.totalQty()})
		return true
	})
	ob.asks.Ascend(func(lvl *priceLevel) bool {
		if depth > 0 && len(snap.Asks) >= depth {
			return false
		}
		snap.Asks = append(snap.Asks, SnapshotLevel{Price: lvl.price, Qty: lvl.totalQty()})
		return true
	})
	return snap
}
