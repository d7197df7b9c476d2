// Package ledger defines the contract with the authoritative external
// ledger: the resumable event query, the idempotent command submission,
// and the error taxonomy the rest of the engine is written against.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openclob/ledgersync/pkg/core"
)

// Cursor marks the last applied position in the ledger event stream. It
// never decreases; zero means "from the beginning".
type Cursor uint64

type EventKind string

const (
	Created  EventKind = "CREATED"
	Archived EventKind = "ARCHIVED"
)

type EntityType string

const (
	EntityOrder   EntityType = "ORDER"
	EntityTrade   EntityType = "TRADE"
	EntityBalance EntityType = "BALANCE"
)

// ArchiveReason says why an order contract was archived.
type ArchiveReason string

const (
	ArchivedFilled    ArchiveReason = "FILLED"
	ArchivedCancelled ArchiveReason = "CANCELLED"
)

// OrderPayload is the order-contract projection carried by order events.
type OrderPayload struct {
	ContractID string          `json:"contract_id"`
	OrderID    string          `json:"order_id"`
	Owner      string          `json:"owner"`
	Market     string          `json:"market"`
	Side       core.Side       `json:"side"`
	Type       core.OrderType  `json:"type"`
	Price      decimal.Decimal `json:"price"`
	Qty        decimal.Decimal `json:"qty"`
	CreatedAt  time.Time       `json:"created_at"`

	// Reason is set on ARCHIVED events only.
	Reason ArchiveReason `json:"reason,omitempty"`
}

// TradeSettledPayload confirms a settlement command was accepted on ledger.
type TradeSettledPayload struct {
	TradeID     string          `json:"trade_id"`
	Market      string          `json:"market"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	Buyer       string          `json:"buyer"`
	Seller      string          `json:"seller"`
	Price       decimal.Decimal `json:"price"`
	Qty         decimal.Decimal `json:"qty"`
}

// BalancePayload carries a party's asset balance after a ledger mutation.
type BalancePayload struct {
	Party   string          `json:"party"`
	Asset   string          `json:"asset"`
	Balance decimal.Decimal `json:"balance"`
}

// Event is one contract create/archive observed on the ledger stream.
// Exactly one payload field matching Entity is set.
type Event struct {
	Kind   EventKind  `json:"kind"`
	Entity EntityType `json:"entity"`
	Seq    Cursor     `json:"seq"`

	Order   *OrderPayload        `json:"order,omitempty"`
	Trade   *TradeSettledPayload `json:"trade,omitempty"`
	Balance *BalancePayload      `json:"balance,omitempty"`
}

type CommandKind string

const (
	// CmdSettleTrade exercises the asset transfers for one trade.
	CmdSettleTrade CommandKind = "SETTLE_TRADE"
	// CmdCancelOrder archives an order contract as cancelled.
	CmdCancelOrder CommandKind = "CANCEL_ORDER"
)

// Command is a ledger-bound mutation. Submissions are keyed by a
// caller-supplied idempotency key so retries are always safe.
type Command struct {
	Kind            CommandKind `json:"kind"`
	Trade           *core.Trade `json:"trade,omitempty"`
	OrderContractID string      `json:"order_contract_id,omitempty"`
}

// CommandResult is the ledger's structured accept/reject answer.
type CommandResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Client is the upstream ledger collaborator. Implementations must treat
// repeated SubmitCommand calls with the same idempotency key as one
// submission.
type Client interface {
	// QueryEvents returns events after the cursor for the given entity
	// types, plus the cursor to resume from. An empty batch with the same
	// cursor means the stream is currently drained.
	QueryEvents(ctx context.Context, after Cursor, entities []EntityType) ([]Event, Cursor, error)

	// SubmitCommand submits a command for ledger acceptance. Transport
	// failures return *TransientError; business rejections either return
	// *RejectedError or an unaccepted CommandResult with a reason.
	SubmitCommand(ctx context.Context, idempotencyKey string, cmd Command) (CommandResult, error)
}
