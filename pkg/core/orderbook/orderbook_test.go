package orderbook

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/openclob/ledgersync/pkg/core"
)

var testEpoch = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func limitOrder(id, owner string, side core.Side, price, qty string, seq uint64) *core.Order {
	return &core.Order{
		ID:         id,
		ContractID: "c-" + id,
		Owner:      owner,
		Market:     "BTC-USD",
		Side:       side,
		Type:       core.Limit,
		Price:      decimal.RequireFromString(price),
		Original:   decimal.RequireFromString(qty),
		Remaining:  decimal.RequireFromString(qty),
		CreatedAt:  testEpoch.Add(time.Duration(seq) * time.Millisecond),
		Seq:        seq,
	}
}

func marketOrder(id, owner string, side core.Side, qty string, seq uint64) *core.Order {
	o := limitOrder(id, owner, side, "0", qty, seq)
	o.Type = core.Market
	o.Price = decimal.Decimal{}
	return o
}

func TestBestBidIsHighestPrice(t *testing.T) {
	book := New("BTC-USD")
	book.Insert(limitOrder("b1", "alice", core.Buy, "100", "1", 1))
	book.Insert(limitOrder("b2", "bob", core.Buy, "102", "1", 2))
	book.Insert(limitOrder("b3", "carol", core.Buy, "101", "1", 3))

	require.Equal(t, "b2", book.BestBid().ID)
	require.Nil(t, book.BestAsk())
}

func TestBestAskIsLowestPrice(t *testing.T) {
	book := New("BTC-USD")
	book.Insert(limitOrder("a1", "alice", core.Sell, "105", "1", 1))
	book.Insert(limitOrder("a2", "bob", core.Sell, "103", "1", 2))

	require.Equal(t, "a2", book.BestAsk().ID)
}

func TestTimePriorityWithinLevel(t *testing.T) {
	book := New("BTC-USD")
	book.Insert(limitOrder("late", "bob", core.Buy, "100", "1", 5))
	book.Insert(limitOrder("early", "alice", core.Buy, "100", "1", 2))

	// Same price: the earlier arrival has priority even when inserted second.
	require.Equal(t, "early", book.BestBid().ID)
}

func TestSeqBreaksTimestampTies(t *testing.T) {
	book := New("BTC-USD")
	a := limitOrder("a", "alice", core.Sell, "100", "1", 7)
	b := limitOrder("b", "bob", core.Sell, "100", "1", 4)
	a.CreatedAt = testEpoch
	b.CreatedAt = testEpoch

	book.Insert(a)
	book.Insert(b)
	require.Equal(t, "b", book.BestAsk().ID)
}

func TestInsertDuplicateIsNoop(t *testing.T) {
	book := New("BTC-USD")
	o := limitOrder("b1", "alice", core.Buy, "100", "2", 1)
	book.Insert(o)
	book.Insert(limitOrder("b1", "alice", core.Buy, "100", "2", 1))

	require.Equal(t, 1, book.Len())
	snap := book.Snapshot(0)
	require.Len(t, snap.Bids, 1)
	require.True(t, snap.Bids[0].Qty.Equal(decimal.RequireFromString("2")))
}

func TestRemoveAbsentIsNoop(t *testing.T) {
	book := New("BTC-USD")
	book.Insert(limitOrder("b1", "alice", core.Buy, "100", "1", 1))
	book.Remove("nope")
	book.Remove("b1")
	book.Remove("b1")
	require.Equal(t, 0, book.Len())
}

func TestReduceEvictsAtZero(t *testing.T) {
	book := New("BTC-USD")
	book.Insert(limitOrder("b1", "alice", core.Buy, "100", "5", 1))

	require.True(t, book.Reduce("b1", decimal.RequireFromString("3")))
	require.NotNil(t, book.Get("b1"))
	require.True(t, book.Get("b1").Remaining.Equal(decimal.RequireFromString("2")))

	require.True(t, book.Reduce("b1", decimal.RequireFromString("2")))
	require.Nil(t, book.Get("b1"))
}

func TestReduceRejectsOverdraw(t *testing.T) {
	book := New("BTC-USD")
	book.Insert(limitOrder("b1", "alice", core.Buy, "100", "5", 1))

	require.False(t, book.Reduce("b1", decimal.RequireFromString("6")))
	require.False(t, book.Reduce("b1", decimal.Zero))
	require.False(t, book.Reduce("unknown", decimal.RequireFromString("1")))
	require.True(t, book.Get("b1").Remaining.Equal(decimal.RequireFromString("5")))
}

func TestMarketOrdersRankAheadOfLimits(t *testing.T) {
	book := New("BTC-USD")
	book.Insert(limitOrder("b1", "alice", core.Buy, "999", "1", 1))
	book.Insert(marketOrder("m1", "bob", core.Buy, "1", 2))
	book.Insert(marketOrder("m2", "carol", core.Buy, "1", 3))

	require.Equal(t, "m1", book.BestBid().ID)

	var seen []string
	book.Scan(core.Buy, func(o *core.Order) bool {
		seen = append(seen, o.ID)
		return true
	})
	require.Equal(t, []string{"m1", "m2", "b1"}, seen)
}

func TestSnapshotAggregatesAndBoundsDepth(t *testing.T) {
	book := New("BTC-USD")
	book.Insert(limitOrder("b1", "alice", core.Buy, "100", "1", 1))
	book.Insert(limitOrder("b2", "bob", core.Buy, "100", "2", 2))
	book.Insert(limitOrder("b3", "carol", core.Buy, "99", "1", 3))
	book.Insert(limitOrder("b4", "dave", core.Buy, "98", "1", 4))
	book.Insert(limitOrder("a1", "erin", core.Sell, "101", "4", 5))
	book.Insert(marketOrder("m1", "frank", core.Buy, "9", 6))

	snap := book.Snapshot(2)
	require.Len(t, snap.Bids, 2)
	require.True(t, snap.Bids[0].Price.Equal(decimal.RequireFromString("100")))
	require.True(t, snap.Bids[0].Qty.Equal(decimal.RequireFromString("3")))
	require.True(t, snap.Bids[1].Price.Equal(decimal.RequireFromString("99")))
	require.Len(t, snap.Asks, 1)

	// Market orders carry no price and never appear in the snapshot.
	for _, lvl := range snap.Bids {
		require.False(t, lvl.Qty.Equal(decimal.RequireFromString("9")))
	}
}

func TestScanSellSideAscends(t *testing.T) {
	book := New("BTC-USD")
	book.Insert(limitOrder("a1", "alice", core.Sell, "110", "1", 1))
	book.Insert(limitOrder("a2", "bob", core.Sell, "105", "1", 2))
	book.Insert(limitOrder("a3", "carol", core.Sell, "120", "1", 3))

	var seen []string
	book.Scan(core.Sell, func(o *core.Order) bool {
		seen = append(seen, o.ID)
		return true
	})
	require.Equal(t, []string{"a2", "a1", "a3"}, seen)
}
