// Package core defines the domain types shared by the order book, the
// matching engine, and the ledger projection: orders, trades, and their
// status lifecycle.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	if s == Buy {
		return "BUY"
	}
	return "SELL"
}

// Opposite returns the counter side.
func (s Side) Opposite() Side { return -s }

type OrderType string

const (
	// Limit orders carry a price and may rest in the book.
	Limit OrderType = "LIMIT"
	// Market orders have no price bound; the remainder policy decides
	// whether an unfilled remainder rests or is cancelled.
	Market OrderType = "MARKET"
)

type OrderStatus string

const (
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
)

// Order is the local projection of an order-like ledger contract.
//
// ContractID is the stable ledger reference the projection is keyed by;
// re-delivery of the same ledger event for the same contract is a no-op.
type Order struct {
	ID         string          `json:"id"`
	ContractID string          `json:"contract_id"`
	Owner      string          `json:"owner"`
	Market     string          `json:"market"`
	Side       Side            `json:"side"`
	Type       OrderType       `json:"type"`
	Price      decimal.Decimal `json:"price"` // unset for market orders
	Original   decimal.Decimal `json:"original_qty"`
	Remaining  decimal.Decimal `json:"remaining_qty"`
	Cancelled  bool            `json:"cancelled"`
	CreatedAt  time.Time       `json:"created_at"`

	// Seq is the ledger sequence the order was created at. It breaks
	// price-time ties between orders carrying identical timestamps.
	Seq uint64 `json:"seq"`
}

// Status derives deterministically from the remaining quantity and the
// cancelled flag; it is never stored independently.
func (o *Order) Status() OrderStatus {
	switch {
	case o.Cancelled:
		return StatusCancelled
	case o.Remaining.IsZero():
		return StatusFilled
	case o.Remaining.LessThan(o.Original):
		return StatusPartiallyFilled
	default:
		return StatusOpen
	}
}

// IsClosed reports whether the order has left the live book.
func (o *Order) IsClosed() bool {
	return o.Cancelled || o.Remaining.IsZero()
}

// Before orders the price-time FIFO queue: earlier creation first, ledger
// sequence as the tie-break for identical timestamps.
func (o *Order) Before(other *Order) bool {
	if !o.CreatedAt.Equal(other.CreatedAt) {
		return o.CreatedAt.Before(other.CreatedAt)
	}
	return o.Seq < other.Seq
}

// Trade is one execution between a resting maker and a crossing taker.
// Buyer and Seller are always distinct parties.
type Trade struct {
	ID          string          `json:"id"`
	Market      string          `json:"market"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	Buyer       string          `json:"buyer"`
	Seller      string          `json:"seller"`
	Price       decimal.Decimal `json:"price"`
	Qty         decimal.Decimal `json:"qty"`
	ExecutedAt  time.Time       `json:"executed_at"`
}
