// Package matching runs continuous price-time-priority matching over one
// market's order book.
package matching

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openclob/ledgersync/pkg/core"
	"github.com/openclob/ledgersync/pkg/core/orderbook"
)

// SelfMatchPolicy decides what happens when the best bid and best ask
// belong to the same party.
type SelfMatchPolicy string

const (
	// SelfMatchSkip walks deeper into the opposing side for the first
	// eligible counter-order at an inferior price/time position.
	SelfMatchSkip SelfMatchPolicy = "skip"
	// SelfMatchHalt stops the matching cycle for the market entirely.
	SelfMatchHalt SelfMatchPolicy = "halt"
)

// RemainderPolicy decides the fate of a market order that cannot fully
// fill against the book.
type RemainderPolicy string

const (
	// RemainderCancel cancels the unfilled remainder after the cycle.
	RemainderCancel RemainderPolicy = "cancel"
	// RemainderRest leaves the remainder queued ahead of all limit levels.
	RemainderRest RemainderPolicy = "rest"
)

// InvariantViolationError aborts a matching cycle without corrupting the
// book: trades applied before the violation stand, the offending pair is
// never applied.
type InvariantViolationError struct {
	Market string
	Reason string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("matching invariant violated on %s: %s", e.Market, e.Reason)
}

type Config struct {
	SelfMatch SelfMatchPolicy
	Remainder RemainderPolicy
}

func DefaultConfig() Config {
	return Config{SelfMatch: SelfMatchSkip, Remainder: RemainderCancel}
}

// Result is the outcome of one matching cycle.
type Result struct {
	Trades []core.Trade
	// Cancelled holds market-order remainders removed under the cancel
	// policy. The cancellation is tentative until the ledger confirms it.
	Cancelled []*core.Order
}

type Engine struct {
	cfg Config
	now func() time.Time
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg, now: time.Now}
}

// NewEngineAt is NewEngine with an injected time source.
func NewEngineAt(cfg Config, now func() time.Time) *Engine {
	return &Engine{cfg: cfg, now: now}
}

// crosses reports whether the bid is willing to pay the ask. Market orders
// have no bound and cross everything.
func crosses(bid, ask *core.Order) bool {
	if bid.Type == core.Market || ask.Type == core.Market {
		return true
	}
	return bid.Price.GreaterThanOrEqual(ask.Price)
}

// executionPrice is the maker's limit price; a market maker falls back to
// the taker's limit. Two market orders cannot price a trade.
func executionPrice(maker, taker *core.Order) (decimal.Decimal, bool) {
	if maker.Type == core.Limit {
		return maker.Price, true
	}
	if taker.Type == core.Limit {
		return taker.Price, true
	}
	return decimal.Decimal{}, false
}

// orient splits a crossing pair into maker and taker. The maker is the
// order that was resting first.
func orient(a, b *core.Order) (maker, taker *core.Order) {
	if a.Before(b) {
		return a, b
	}
	return b, a
}

func eligible(a, b *core.Order) bool {
	if a.Owner == b.Owner {
		return false
	}
	bid, ask := a, b
	if bid.Side == core.Sell {
		bid, ask = ask, bid
	}
	if !crosses(bid, ask) {
		return false
	}
	_, ok := executionPrice(orient(a, b))
	return ok
}

// firstEligible scans the side opposing taker in price-time priority for
// the first order that crosses it, is priceable, and is not self-owned.
func firstEligible(book *orderbook.OrderBook, taker *core.Order) *core.Order {
	var found *core.Order
	book.Scan(taker.Side.Opposite(), func(o *core.Order) bool {
		if o.Owner == taker.Owner {
			return true
		}
		bid, ask := taker, o
		if bid.Side == core.Sell {
			bid, ask = ask, bid
		}
		if !crosses(bid, ask) {
			// Price priority is monotone past the market-order queue,
			// but market makers (always crossing) never land here.
			return false
		}
		if _, ok := executionPrice(orient(taker, o)); !ok {
			return true
		}
		found = o
		return false
	})
	return found
}

// Match drains all crossing pairs from the book, accumulating trades in an
// explicit loop. Each trade is fully validated before either order is
// mutated, so a violation aborts the cycle with the book intact.
func (e *Engine) Match(book *orderbook.OrderBook) (Result, error) {
	var res Result

	for {
		bid, ask := book.BestBid(), book.BestAsk()
		if bid == nil || ask == nil || !crosses(bid, ask) {
			break
		}

		var maker, taker *core.Order
		switch {
		case eligible(bid, ask):
			maker, taker = orient(bid, ask)
		case bid.Owner == ask.Owner && e.cfg.SelfMatch == SelfMatchHalt:
			e.cancelRemainders(book, &res)
			return res, nil
		default:
			// Top-of-book pair is blocked (self-owned or unpriceable).
			// Try each top order as taker against deeper counter-orders.
			_, top := orient(bid, ask)
			if maker = firstEligible(book, top); maker != nil {
				taker = top
			} else {
				top, _ = orient(bid, ask)
				if maker = firstEligible(book, top); maker != nil {
					taker = top
				}
			}
			if maker == nil {
				e.cancelRemainders(book, &res)
				return res, nil
			}
			// The deeper order may predate the top order; the earlier
			// arrival is still the maker.
			maker, taker = orient(maker, taker)
		}

		price, ok := executionPrice(maker, taker)
		if !ok {
			return res, &InvariantViolationError{Market: book.Market(), Reason: "unpriceable pair selected"}
		}
		qty := decimal.Min(maker.Remaining, taker.Remaining)
		if qty.LessThanOrEqual(decimal.Zero) {
			return res, &InvariantViolationError{Market: book.Market(), Reason: fmt.Sprintf("non-positive execution quantity %s", qty)}
		}
		buy, sell := maker, taker
		if buy.Side == core.Sell {
			buy, sell = sell, buy
		}
		if buy.Owner == sell.Owner {
			return res, &InvariantViolationError{Market: book.Market(), Reason: "self-trade escaped prevention"}
		}

		if !book.Reduce(maker.ID, qty) {
			return res, &InvariantViolationError{Market: book.Market(), Reason: fmt.Sprintf("maker %s rejected reduction by %s", maker.ID, qty)}
		}
		if !book.Reduce(taker.ID, qty) {
			return res, &InvariantViolationError{Market: book.Market(), Reason: fmt.Sprintf("taker %s rejected reduction by %s", taker.ID, qty)}
		}

		res.Trades = append(res.Trades, core.Trade{
			ID:          uuid.NewString(),
			Market:      book.Market(),
			BuyOrderID:  buy.ID,
			SellOrderID: sell.ID,
			Buyer:       buy.Owner,
			Seller:      sell.Owner,
			Price:       price,
			Qty:         qty,
			ExecutedAt:  e.now(),
		})
	}

	e.cancelRemainders(book, &res)
	return res, nil
}

// cancelRemainders evicts unfilled market orders under the cancel policy.
func (e *Engine) cancelRemainders(book *orderbook.OrderBook, res *Result) {
	if e.cfg.Remainder != RemainderCancel {
		return
	}
	for _, side := range []core.Side{core.Buy, core.Sell} {
		for _, o := range book.MarketOrders(side) {
			book.Remove(o.ID)
			o.Cancelled = true
			res.Cancelled = append(res.Cancelled, o)
		}
	}
}
