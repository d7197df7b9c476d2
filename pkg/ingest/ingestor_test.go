package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openclob/ledgersync/pkg/broadcast"
	"github.com/openclob/ledgersync/pkg/core"
	"github.com/openclob/ledgersync/pkg/core/market"
	"github.com/openclob/ledgersync/pkg/core/matching"
	"github.com/openclob/ledgersync/pkg/ledger"
	"github.com/openclob/ledgersync/pkg/settle"
	"github.com/openclob/ledgersync/pkg/storage"
	"github.com/openclob/ledgersync/pkg/util"
)

var testEpoch = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	led   *ledger.MemLedger
	store *storage.MemStore
	clock *util.FakeClock
	hub   *broadcast.Hub
	ing   *Ingestor
}

// newHarness wires a full engine against the in-process ledger. The fake
// clock drives polling, debouncing, and settlement backoff.
func newHarness(t *testing.T, client ledger.Client, maxAttempts int) *harness {
	t.Helper()
	log := zap.NewNop().Sugar()

	led, _ := client.(*ledger.MemLedger)
	st := storage.NewMemStore()
	clock := util.NewFakeClock(testEpoch)
	hub := broadcast.NewHub(log)

	scfg := settle.DefaultConfig()
	scfg.BaseDelay = 0 // backoff fires immediately under the fake clock
	scfg.MaxAttempts = maxAttempts
	disp := settle.NewDispatcher(client, scfg, clock, log)

	cfg := DefaultConfig()
	cfg.PollInterval = 50 * time.Millisecond
	cfg.DebounceWindow = 100 * time.Millisecond
	cfg.DebounceMaxWait = time.Second

	ing := New(client, st, hub, disp, market.NewRegistry(), matching.DefaultConfig(), cfg, clock, log)
	disp.SetReconciler(ing)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go disp.Run(ctx)
	go func() { _ = ing.Run(ctx) }()

	return &harness{led: led, store: st, clock: clock, hub: hub, ing: ing}
}

// drive advances the fake clock until cond holds.
func (h *harness) drive(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.clock.Advance(time.Second)
		return cond()
	}, 10*time.Second, 2*time.Millisecond)
}

func orderPayload(owner string, side core.Side, price, qty string) ledger.OrderPayload {
	return ledger.OrderPayload{
		Owner:  owner,
		Market: "BTC-USD",
		Side:   side,
		Type:   core.Limit,
		Price:  decimal.RequireFromString(price),
		Qty:    decimal.RequireFromString(qty),
	}
}

func TestIngestMatchesAndSettles(t *testing.T) {
	led := ledger.NewMemLedger()
	h := newHarness(t, led, 3)

	led.SeedBalance("alice", "quote", decimal.RequireFromString("100000"))
	balances := h.hub.Subscribe(broadcast.BalanceChannel("alice"), 8)
	defer balances.Close()

	led.CreateOrder(orderPayload("alice", core.Buy, "101", "3"))
	led.CreateOrder(orderPayload("bob", core.Sell, "100", "3"))

	h.drive(t, func() bool {
		trades, _ := h.store.RecentTrades("BTC-USD", 10)
		return len(trades) == 1
	})

	trades, err := h.store.RecentTrades("BTC-USD", 10)
	require.NoError(t, err)
	require.Equal(t, "alice", trades[0].Buyer)
	require.Equal(t, "bob", trades[0].Seller)
	require.True(t, trades[0].Price.Equal(decimal.RequireFromString("101")))
	require.True(t, trades[0].Qty.Equal(decimal.RequireFromString("3")))

	// Settlement drains both contracts on ledger and archives them FILLED;
	// the resulting events flow back and close the local projections.
	h.drive(t, func() bool {
		open, _ := h.store.OpenOrders()
		return len(open) == 0 && h.ing.Book("BTC-USD").Len() == 0
	})

	var sawTrade bool
	for _, ev := range led.Events() {
		if ev.Entity == ledger.EntityTrade {
			sawTrade = true
		}
	}
	require.True(t, sawTrade)

	// The buyer was seeded, so settlement emitted a balance event.
	select {
	case msg := <-balances.C:
		require.Equal(t, broadcast.BalanceChannel("alice"), msg.Channel)
	default:
		t.Fatal("expected a balance update for alice")
	}

	require.Greater(t, uint64(h.ing.Cursor()), uint64(0))
}

// duplicatingClient re-delivers every batch twice, simulating at-least-once
// delivery from the ledger gateway.
type duplicatingClient struct {
	ledger.Client
}

func (d duplicatingClient) QueryEvents(ctx context.Context, after ledger.Cursor, entities []ledger.EntityType) ([]ledger.Event, ledger.Cursor, error) {
	evs, next, err := d.Client.QueryEvents(ctx, after, entities)
	return append(evs, evs...), next, err
}

func TestRedeliveredEventsApplyOnce(t *testing.T) {
	led := ledger.NewMemLedger()
	h := newHarness(t, duplicatingClient{Client: led}, 3)

	led.CreateOrder(orderPayload("alice", core.Buy, "101", "5"))
	led.CreateOrder(orderPayload("bob", core.Sell, "100", "5"))

	h.drive(t, func() bool {
		trades, _ := h.store.RecentTrades("BTC-USD", 10)
		return len(trades) > 0
	})

	trades, err := h.store.RecentTrades("BTC-USD", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.True(t, trades[0].Qty.Equal(decimal.RequireFromString("5")))
}

// scriptedClient serves a fixed, possibly out-of-order event stream.
type scriptedClient struct {
	events []ledger.Event
}

func (c *scriptedClient) QueryEvents(ctx context.Context, after ledger.Cursor, entities []ledger.EntityType) ([]ledger.Event, ledger.Cursor, error) {
	if int(after) >= len(c.events) {
		return nil, after, nil
	}
	batch := c.events[after:]
	return batch, after + ledger.Cursor(len(batch)), nil
}

func (c *scriptedClient) SubmitCommand(ctx context.Context, key string, cmd ledger.Command) (ledger.CommandResult, error) {
	return ledger.CommandResult{Accepted: true}, nil
}

func TestArchiveDeliveredBeforeCreateWins(t *testing.T) {
	pa := orderPayload("alice", core.Buy, "99", "1")
	pa.ContractID, pa.OrderID, pa.CreatedAt = "ca", "A", testEpoch

	pbArchived := orderPayload("bob", core.Sell, "101", "1")
	pbArchived.ContractID, pbArchived.OrderID, pbArchived.CreatedAt = "cb", "B", testEpoch
	pbArchived.Reason = ledger.ArchivedCancelled
	pbCreated := pbArchived
	pbCreated.Reason = ""

	client := &scriptedClient{events: []ledger.Event{
		{Kind: ledger.Created, Entity: ledger.EntityOrder, Seq: 1, Order: &pa},
		{Kind: ledger.Archived, Entity: ledger.EntityOrder, Seq: 3, Order: &pbArchived},
		{Kind: ledger.Created, Entity: ledger.EntityOrder, Seq: 2, Order: &pbCreated},
	}}
	h := newHarness(t, client, 3)

	h.drive(t, func() bool {
		book := h.ing.Book("BTC-USD")
		return book != nil && book.Get("A") != nil
	})

	// The ledger archived contract cb at seq 3; the stale create at seq 2
	// must not resurrect it.
	book := h.ing.Book("BTC-USD")
	require.Nil(t, book.Get("B"))
	require.Equal(t, 1, book.Len())
}

func TestCancelledOrderLeavesBook(t *testing.T) {
	led := ledger.NewMemLedger()
	h := newHarness(t, led, 3)

	bidContract := led.CreateOrder(orderPayload("alice", core.Buy, "99", "2"))
	led.CreateOrder(orderPayload("bob", core.Sell, "101", "2"))

	h.drive(t, func() bool {
		book := h.ing.Book("BTC-USD")
		return book != nil && book.Len() == 2
	})

	led.ArchiveOrder(bidContract, ledger.ArchivedCancelled)

	h.drive(t, func() bool {
		return h.ing.Book("BTC-USD").Len() == 1
	})

	open, err := h.store.OpenOrders()
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "bob", open[0].Owner)
}

func TestReconcileAfterSettlementFailure(t *testing.T) {
	led := ledger.NewMemLedger()
	h := newHarness(t, led, 2)

	// Exactly enough injected failures to exhaust the first settlement.
	// The reconciled orders re-enter the book, rematch, and the second
	// settlement attempt goes through.
	led.FailSubmits(2)

	led.CreateOrder(orderPayload("alice", core.Buy, "101", "4"))
	led.CreateOrder(orderPayload("bob", core.Sell, "100", "4"))

	h.drive(t, func() bool {
		for _, ev := range led.Events() {
			if ev.Entity == ledger.EntityTrade {
				return true
			}
		}
		return false
	})

	h.drive(t, func() bool {
		open, _ := h.store.OpenOrders()
		return len(open) == 0
	})
}

func TestRestoreRebuildsBookFromStore(t *testing.T) {
	led := ledger.NewMemLedger()
	h := newHarness(t, led, 3)

	led.CreateOrder(orderPayload("alice", core.Buy, "99", "2"))
	led.CreateOrder(orderPayload("bob", core.Sell, "101", "3"))

	h.drive(t, func() bool {
		book := h.ing.Book("BTC-USD")
		return book != nil && book.Len() == 2
	})

	// A fresh ingestor over the same store starts with the books rebuilt
	// before the first poll.
	log := zap.NewNop().Sugar()
	clock := util.NewFakeClock(testEpoch)
	disp := settle.NewDispatcher(led, settle.DefaultConfig(), clock, log)
	ing2 := New(led, h.store, broadcast.NewHub(log), disp, market.NewRegistry(),
		matching.DefaultConfig(), DefaultConfig(), clock, log)
	disp.SetReconciler(ing2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ing2.Run(ctx) }()

	require.Eventually(t, func() bool {
		book := ing2.Book("BTC-USD")
		return book != nil && book.Len() == 2
	}, 5*time.Second, 2*time.Millisecond)
}

// cancellingClient cancels the run context just before handing back a
// batch, simulating shutdown racing a non-empty poll.
type cancellingClient struct {
	scriptedClient
	cancel context.CancelFunc
}

func (c *cancellingClient) QueryEvents(ctx context.Context, after ledger.Cursor, entities []ledger.EntityType) ([]ledger.Event, ledger.Cursor, error) {
	c.cancel()
	return c.scriptedClient.QueryEvents(ctx, after, entities)
}

func TestShutdownMidBatchDoesNotAdvanceCursor(t *testing.T) {
	p := orderPayload("alice", core.Buy, "99", "1")
	p.ContractID, p.OrderID, p.CreatedAt = "ca", "A", testEpoch

	// The worker may or may not reach the batch before the cancelled
	// context wins its select; in every interleaving the cursor moves
	// only once the event has been applied and persisted.
	for i := 0; i < 25; i++ {
		log := zap.NewNop().Sugar()
		st := storage.NewMemStore()
		clock := util.NewFakeClock(testEpoch)
		disp := settle.NewDispatcher(&scriptedClient{}, settle.DefaultConfig(), clock, log)

		ctx, cancel := context.WithCancel(context.Background())
		client := &cancellingClient{
			scriptedClient: scriptedClient{events: []ledger.Event{
				{Kind: ledger.Created, Entity: ledger.EntityOrder, Seq: 1, Order: &p},
			}},
			cancel: cancel,
		}
		ing := New(client, st, broadcast.NewHub(log), disp, market.NewRegistry(),
			matching.DefaultConfig(), DefaultConfig(), clock, log)
		disp.SetReconciler(ing)

		require.NoError(t, ing.Run(ctx))

		cur, err := st.GetCursor()
		require.NoError(t, err)
		if cur == 0 {
			continue
		}
		o, err := st.GetOrder("BTC-USD", "A")
		require.NoError(t, err)
		require.NotNil(t, o, "cursor advanced past an unapplied batch")
	}
}

func TestOrderUpdatesArePublishedAsCopies(t *testing.T) {
	led := ledger.NewMemLedger()
	h := newHarness(t, led, 3)

	sub := h.hub.Subscribe(broadcast.OrdersChannel("alice"), 8)
	defer sub.Close()

	led.CreateOrder(orderPayload("alice", core.Buy, "101", "3"))

	var first *core.Order
	h.drive(t, func() bool {
		select {
		case msg := <-sub.C:
			first = msg.Payload.(*core.Order)
		default:
		}
		return first != nil
	})
	require.True(t, first.Remaining.Equal(decimal.RequireFromString("3")))

	led.CreateOrder(orderPayload("bob", core.Sell, "100", "3"))
	h.drive(t, func() bool {
		open, _ := h.store.OpenOrders()
		return len(open) == 0
	})

	// The fill closed the live order; the published snapshot is decoupled
	// from it and keeps the state it was published with.
	require.True(t, first.Remaining.Equal(decimal.RequireFromString("3")))
	require.False(t, first.Cancelled)
}

func TestRecoveredTradeGetsTimestamp(t *testing.T) {
	// A trade this process never produced, e.g. matched before a crash.
	client := &scriptedClient{events: []ledger.Event{
		{Kind: ledger.Created, Entity: ledger.EntityTrade, Seq: 1, Trade: &ledger.TradeSettledPayload{
			TradeID: "t1", Market: "BTC-USD", BuyOrderID: "b", SellOrderID: "s",
			Buyer: "alice", Seller: "bob",
			Price: decimal.RequireFromString("100"), Qty: decimal.RequireFromString("1"),
		}},
	}}
	h := newHarness(t, client, 3)

	h.drive(t, func() bool {
		trades, _ := h.store.RecentTrades("BTC-USD", 10)
		return len(trades) == 1
	})

	trades, err := h.store.RecentTrades("BTC-USD", 10)
	require.NoError(t, err)
	require.False(t, trades[0].ExecutedAt.IsZero())
	require.False(t, trades[0].ExecutedAt.Before(testEpoch))
}
