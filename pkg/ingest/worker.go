package ingest

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openclob/ledgersync/pkg/broadcast"
	"github.com/openclob/ledgersync/pkg/core"
	"github.com/openclob/ledgersync/pkg/core/market"
	"github.com/openclob/ledgersync/pkg/core/matching"
	"github.com/openclob/ledgersync/pkg/core/orderbook"
	"github.com/openclob/ledgersync/pkg/ledger"
	"github.com/openclob/ledgersync/pkg/settle"
	"github.com/openclob/ledgersync/pkg/storage"
	"github.com/openclob/ledgersync/pkg/util"
)

type applyReq struct {
	events []ledger.Event
	done   chan<- struct{}
}

type reconcileReq struct {
	trade core.Trade
	cause error
}

// marketWorker is the single goroutine that owns one market's book and
// projection. Projection application and matching for a market are
// serialized here; different markets run fully in parallel.
type marketWorker struct {
	symbol     string
	book       *orderbook.OrderBook
	engine     *matching.Engine
	store      storage.Store
	hub        *broadcast.Hub
	dispatcher *settle.Dispatcher
	registry   *market.Registry
	clock      util.Clock
	log        *zap.SugaredLogger

	deb           debounce
	snapshotDepth int

	batches    chan applyReq
	reconciles chan reconcileReq

	// projection state, touched only from run()
	orders    map[string]*core.Order   // order id -> order
	contracts map[string]string        // ledger contract id -> order id
	lastSeq   map[string]ledger.Cursor // contract id -> last applied seq
	pending   map[string]core.Trade    // trades awaiting ledger confirmation
	settled   map[string]struct{}      // trade ids already confirmed
}

func (w *marketWorker) run(ctx context.Context) {
	for {
		var fire <-chan time.Time
		if w.deb.armed {
			fire = w.clock.After(w.deb.deadline.Sub(w.clock.Now()))
		}

		select {
		case <-ctx.Done():
			return
		case req := <-w.batches:
			w.applyBatch(req)
		case req := <-w.reconciles:
			w.reconcile(req)
		case <-fire:
			// The deadline may have been pushed out since this timer was
			// armed; only a due trigger runs matching.
			if !w.deb.due(w.clock.Now()) {
				continue
			}
			w.deb.reset()
			w.matchCycle()
		}
	}
}

func (w *marketWorker) applyBatch(req applyReq) {
	dirty := false
	for _, ev := range req.events {
		switch ev.Entity {
		case ledger.EntityOrder:
			dirty = w.applyOrderEvent(ev) || dirty
		case ledger.EntityTrade:
			w.applyTradeEvent(ev)
		}
	}
	if dirty {
		w.publishBook()
	}
	req.done <- struct{}{}
}

// applyOrderEvent applies one create/archive event to the projection.
// Application is keyed by the ledger contract reference: re-delivery and
// stale out-of-order events are no-ops, so the projection always converges
// to the ledger's true event order.
func (w *marketWorker) applyOrderEvent(ev ledger.Event) bool {
	p := ev.Order
	if p == nil {
		return false
	}
	if last, ok := w.lastSeq[p.ContractID]; ok && ev.Seq <= last {
		return false
	}

	switch ev.Kind {
	case ledger.Created:
		if _, known := w.contracts[p.ContractID]; known {
			w.lastSeq[p.ContractID] = ev.Seq
			return false
		}
		o := &core.Order{
			ID:         p.OrderID,
			ContractID: p.ContractID,
			Owner:      p.Owner,
			Market:     p.Market,
			Side:       p.Side,
			Type:       p.Type,
			Price:      p.Price,
			Original:   p.Qty,
			Remaining:  p.Qty,
			CreatedAt:  p.CreatedAt,
			Seq:        uint64(ev.Seq),
		}
		w.orders[o.ID] = o
		w.contracts[p.ContractID] = o.ID
		w.lastSeq[p.ContractID] = ev.Seq
		w.persistOrder(o)

		if o.Status() == core.StatusOpen {
			w.book.Insert(o)
			w.deb.note(w.clock.Now())
			return true
		}
		return false

	case ledger.Archived:
		id, known := w.contracts[p.ContractID]
		if !known {
			// Unknown locally, e.g. history missed across a cold restart
			// or an archive delivered ahead of its create. Recording the
			// seq keeps a late stale create from resting the order.
			w.lastSeq[p.ContractID] = ev.Seq
			w.log.Warnw("projection_conflict",
				"market", w.symbol, "contract_id", p.ContractID, "seq", ev.Seq)
			return false
		}
		o := w.orders[id]
		w.lastSeq[p.ContractID] = ev.Seq

		if p.Reason == ledger.ArchivedFilled {
			o.Remaining = decimal.Zero
		} else {
			o.Cancelled = true
		}
		inBook := w.book.Get(o.ID) != nil
		w.book.Remove(o.ID)
		w.persistOrder(o)
		return inBook
	}
	return false
}

// applyTradeEvent confirms a tentative trade, or records one this process
// never produced (e.g. matched before a crash).
func (w *marketWorker) applyTradeEvent(ev ledger.Event) {
	p := ev.Trade
	if p == nil {
		return
	}
	if _, ok := w.settled[p.TradeID]; ok {
		return
	}
	w.settled[p.TradeID] = struct{}{}
	if _, ok := w.pending[p.TradeID]; ok {
		delete(w.pending, p.TradeID)
		w.log.Debugw("trade_settled", "market", w.symbol, "trade_id", p.TradeID)
	} else {
		t := &core.Trade{
			ID:          p.TradeID,
			Market:      p.Market,
			BuyOrderID:  p.BuyOrderID,
			SellOrderID: p.SellOrderID,
			Buyer:       p.Buyer,
			Seller:      p.Seller,
			Price:       p.Price,
			Qty:         p.Qty,
			ExecutedAt:  w.clock.Now(),
		}
		if err := w.store.InsertTrade(t); err != nil {
			w.log.Errorw("persist_trade", "trade_id", t.ID, "err", err)
		}
	}
	w.hub.Publish(broadcast.TradesChannel(w.symbol), p)
}

// matchCycle runs the engine over the book and fans out the results.
func (w *marketWorker) matchCycle() {
	if m, err := w.registry.Get(w.symbol); err == nil && m.Status != market.Active {
		return
	}

	res, err := w.engine.Match(w.book)

	for _, t := range res.Trades {
		w.pending[t.ID] = t
		for _, id := range []string{t.BuyOrderID, t.SellOrderID} {
			if o, ok := w.orders[id]; ok {
				w.persistOrder(o)
			}
		}
		if serr := w.store.InsertTrade(&t); serr != nil {
			w.log.Errorw("persist_trade", "trade_id", t.ID, "err", serr)
		}
		w.hub.Publish(broadcast.TradesChannel(w.symbol), t)
		if derr := w.dispatcher.Enqueue(t); derr != nil {
			w.log.Errorw("settlement_enqueue", "trade_id", t.ID, "err", derr)
		}
	}

	for _, o := range res.Cancelled {
		w.persistOrder(o)
		if derr := w.dispatcher.EnqueueCancel(o.ContractID); derr != nil {
			w.log.Errorw("cancel_enqueue", "order_id", o.ID, "err", derr)
		}
	}

	if len(res.Trades) > 0 || len(res.Cancelled) > 0 {
		w.publishBook()
	}

	if err != nil {
		// The offending pair was never applied; trades before it stand.
		// Matching for this market resumes on the next trigger.
		w.log.Errorw("matching_aborted", "market", w.symbol, "err", err)
	}
}

// reconcile reverts the tentative effect of a permanently failed
// settlement and re-opens the orders for matching. Orders the ledger has
// since cancelled stay closed: ledger event order wins over local state.
func (w *marketWorker) reconcile(req reconcileReq) {
	t := req.trade
	delete(w.pending, t.ID)
	w.log.Warnw("reconciling_trade",
		"market", w.symbol, "trade_id", t.ID, "cause", req.cause)

	for _, id := range []string{t.BuyOrderID, t.SellOrderID} {
		o, ok := w.orders[id]
		if !ok || o.Cancelled {
			continue
		}
		o.Remaining = decimal.Min(o.Remaining.Add(t.Qty), o.Original)
		if !o.IsClosed() && w.book.Get(o.ID) == nil {
			w.book.Insert(o)
		}
		w.persistOrder(o)
	}
	w.deb.note(w.clock.Now())
	w.publishBook()
}

func (w *marketWorker) persistOrder(o *core.Order) {
	if err := w.store.UpsertOrder(o); err != nil {
		w.log.Errorw("persist_order", "order_id", o.ID, "err", err)
	}
	// Subscribers read off-thread while this worker keeps mutating the
	// live order; they get a copy.
	snap := *o
	w.hub.Publish(broadcast.OrdersChannel(o.Owner), &snap)
}

func (w *marketWorker) publishBook() {
	w.hub.Publish(broadcast.BookChannel(w.symbol), w.book.Snapshot(w.snapshotDepth))
}
