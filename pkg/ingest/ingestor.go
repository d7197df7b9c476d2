// Package ingest keeps the local projections consistent with the
// authoritative ledger: it consumes create/archive events from a resumable
// cursor, applies them idempotently, and schedules debounced matching
// cycles per market.
package ingest

import (
	"context"
	"sync"
	"time"

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

type Config struct {
	PollInterval    time.Duration
	QueryTimeout    time.Duration
	DebounceWindow  time.Duration
	DebounceMaxWait time.Duration
	SnapshotDepth   int
	WorkerQueue     int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:    500 * time.Millisecond,
		QueryTimeout:    10 * time.Second,
		DebounceWindow:  3 * time.Second,
		DebounceMaxWait: 10 * time.Second,
		SnapshotDepth:   20,
		WorkerQueue:     256,
	}
}

// Ingestor drives the event loop. It owns one marketWorker per market and
// persists the cursor only after a batch is fully applied, so a crash
// mid-batch re-applies it; the idempotent projection makes that safe.
type Ingestor struct {
	client     ledger.Client
	store      storage.Store
	hub        *broadcast.Hub
	dispatcher *settle.Dispatcher
	registry   *market.Registry
	matchCfg   matching.Config
	clock      util.Clock
	log        *zap.SugaredLogger
	cfg        Config

	mu      sync.Mutex
	workers map[string]*marketWorker
	cursor  ledger.Cursor
	runCtx  context.Context
	wg      sync.WaitGroup
}

func New(client ledger.Client, store storage.Store, hub *broadcast.Hub, dispatcher *settle.Dispatcher,
	registry *market.Registry, matchCfg matching.Config, cfg Config, clock util.Clock, log *zap.SugaredLogger) *Ingestor {
	return &Ingestor{
		client:     client,
		store:      store,
		hub:        hub,
		dispatcher: dispatcher,
		registry:   registry,
		matchCfg:   matchCfg,
		clock:      clock,
		log:        log,
		cfg:        cfg,
		workers:    make(map[string]*marketWorker),
	}
}

// Cursor returns the last persisted stream position.
func (ing *Ingestor) Cursor() ledger.Cursor {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return ing.cursor
}

// Book exposes a market's order book for the read-side API.
func (ing *Ingestor) Book(symbol string) *orderbook.OrderBook {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if w, ok := ing.workers[symbol]; ok {
		return w.book
	}
	return nil
}

// Run resumes from the persisted cursor, rebuilds books from open orders,
// and polls the ledger until ctx is done.
func (ing *Ingestor) Run(ctx context.Context) error {
	ing.mu.Lock()
	ing.runCtx = ctx
	ing.mu.Unlock()

	cur, err := ing.store.GetCursor()
	if err != nil {
		return err
	}
	ing.mu.Lock()
	ing.cursor = cur
	ing.mu.Unlock()

	if err := ing.restore(ctx); err != nil {
		return err
	}
	ing.log.Infow("ingestion_started", "cursor", cur)

	entities := []ledger.EntityType{ledger.EntityOrder, ledger.EntityTrade, ledger.EntityBalance}
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			ing.wg.Wait()
			return nil
		default:
		}

		qctx, cancel := context.WithTimeout(ctx, ing.cfg.QueryTimeout)
		events, next, err := ing.client.QueryEvents(qctx, ing.Cursor(), entities)
		cancel()
		if err != nil {
			// Timeouts and connection failures are retried against the
			// same cursor; re-querying an applied batch is harmless.
			attempt++
			delay := ing.cfg.PollInterval * time.Duration(attempt)
			if delay > ing.cfg.QueryTimeout {
				delay = ing.cfg.QueryTimeout
			}
			ing.log.Warnw("ledger_query_failed", "attempt", attempt, "err", err)
			ing.sleep(ctx, delay)
			continue
		}
		attempt = 0

		applied := true
		if len(events) > 0 {
			applied = ing.applyBatch(ctx, events)
		}
		if applied && next > ing.Cursor() {
			if err := ing.store.SetCursor(next); err != nil {
				return err
			}
			ing.mu.Lock()
			ing.cursor = next
			ing.mu.Unlock()
		}
		if len(events) == 0 {
			ing.sleep(ctx, ing.cfg.PollInterval)
		}
	}
}

func (ing *Ingestor) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-ing.clock.After(d):
	}
}

// applyBatch routes events to their market workers and waits until every
// worker has applied its share. Markets apply in parallel; the batch as a
// whole completes before the cursor advances. It reports whether every
// worker acknowledged: a run cancelled mid-batch must not advance the
// cursor past events it never applied.
func (ing *Ingestor) applyBatch(ctx context.Context, events []ledger.Event) bool {
	byMarket := make(map[string][]ledger.Event)
	for _, ev := range events {
		switch ev.Entity {
		case ledger.EntityOrder:
			if ev.Order != nil {
				byMarket[ev.Order.Market] = append(byMarket[ev.Order.Market], ev)
			}
		case ledger.EntityTrade:
			if ev.Trade != nil {
				byMarket[ev.Trade.Market] = append(byMarket[ev.Trade.Market], ev)
			}
		case ledger.EntityBalance:
			if ev.Balance != nil {
				ing.hub.Publish(broadcast.BalanceChannel(ev.Balance.Party), ev.Balance)
			}
		}
	}

	var dones []chan struct{}
	for symbol, group := range byMarket {
		w := ing.workerFor(ctx, symbol)
		done := make(chan struct{}, 1)
		select {
		case w.batches <- applyReq{events: group, done: done}:
			dones = append(dones, done)
		case <-ctx.Done():
			return false
		}
	}
	for _, done := range dones {
		select {
		case <-done:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// workerFor returns the market's worker, spawning it on first sight.
func (ing *Ingestor) workerFor(ctx context.Context, symbol string) *marketWorker {
	return ing.workerSeeded(ctx, symbol, nil)
}

// workerSeeded spawns the worker with pre-loaded open orders. The seed is
// applied before the worker goroutine starts, so no lock is needed on the
// projection maps.
func (ing *Ingestor) workerSeeded(ctx context.Context, symbol string, seed []*core.Order) *marketWorker {
	ing.mu.Lock()
	defer ing.mu.Unlock()

	if w, ok := ing.workers[symbol]; ok {
		return w
	}
	ing.registry.Ensure(symbol)
	w := &marketWorker{
		symbol:        symbol,
		book:          orderbook.New(symbol),
		engine:        matching.NewEngine(ing.matchCfg),
		store:         ing.store,
		hub:           ing.hub,
		dispatcher:    ing.dispatcher,
		registry:      ing.registry,
		clock:         ing.clock,
		log:           ing.log,
		deb:           debounce{window: ing.cfg.DebounceWindow, maxWait: ing.cfg.DebounceMaxWait},
		snapshotDepth: ing.cfg.SnapshotDepth,
		batches:       make(chan applyReq, ing.cfg.WorkerQueue),
		reconciles:    make(chan reconcileReq, ing.cfg.WorkerQueue),
		orders:        make(map[string]*core.Order),
		contracts:     make(map[string]string),
		lastSeq:       make(map[string]ledger.Cursor),
		pending:       make(map[string]core.Trade),
		settled:       make(map[string]struct{}),
	}
	for _, o := range seed {
		w.orders[o.ID] = o
		w.contracts[o.ContractID] = o.ID
		w.lastSeq[o.ContractID] = ledger.Cursor(o.Seq)
		w.book.Insert(o)
	}
	if len(seed) > 0 {
		w.deb.note(ing.clock.Now())
	}
	ing.workers[symbol] = w
	ing.wg.Add(1)
	go func() {
		defer ing.wg.Done()
		w.run(ctx)
	}()
	ing.log.Infow("market_worker_started", "market", symbol)
	return w
}

// restore rebuilds projections and books from persisted open orders, then
// schedules an initial matching trigger per touched market.
func (ing *Ingestor) restore(ctx context.Context) error {
	orders, err := ing.store.OpenOrders()
	if err != nil {
		return err
	}
	byMarket := make(map[string][]*core.Order)
	for _, o := range orders {
		byMarket[o.Market] = append(byMarket[o.Market], o)
	}
	for symbol, seed := range byMarket {
		ing.workerSeeded(ctx, symbol, seed)
	}
	if len(orders) > 0 {
		ing.log.Infow("books_restored", "open_orders", len(orders), "markets", len(byMarket))
	}
	return nil
}

// Reconcile routes a failed settlement back to the owning market worker.
// It implements settle.Reconciler.
func (ing *Ingestor) Reconcile(t core.Trade, cause error) {
	ing.mu.Lock()
	ctx := ing.runCtx
	ing.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	w := ing.workerFor(ctx, t.Market)
	select {
	case w.reconciles <- reconcileReq{trade: t, cause: cause}:
	default:
		ing.log.Errorw("reconcile_queue_full", "market", t.Market, "trade_id", t.ID)
	}
}

var _ settle.Reconciler = (*Ingestor)(nil)
