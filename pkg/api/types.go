package api

// API response types for REST endpoints and WebSocket messages

import (
	"github.com/shopspring/decimal"

	"github.com/openclob/ledgersync/pkg/core/orderbook"
)

// ==============================
// REST Response Types
// ==============================

// MarketInfo represents a market's configuration and state
type MarketInfo struct {
	Symbol     string `json:"symbol"`      // e.g., "BTC-USD"
	BaseAsset  string `json:"base_asset"`  // e.g., "BTC"
	QuoteAsset string `json:"quote_asset"` // e.g., "USD"
	Status     string `json:"status"`      // "ACTIVE" or "PAUSED"
}

// OrderbookSnapshot represents current aggregated orderbook state
type OrderbookSnapshot struct {
	Symbol    string                    `json:"symbol"`
	Bids      []orderbook.SnapshotLevel `json:"bids"`      // Sorted high to low
	Asks      []orderbook.SnapshotLevel `json:"asks"`      // Sorted low to high
	Timestamp int64                     `json:"timestamp"` // Unix milliseconds
}

// TradeInfo represents a recent trade
type TradeInfo struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	Buyer     string          `json:"buyer"`
	Seller    string          `json:"seller"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
}

// EngineStatus reports the node's ingestion progress
type EngineStatus struct {
	Cursor  uint64 `json:"cursor"`  // Last fully applied ledger cursor
	Markets int    `json:"markets"` // Known market count
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by a client to manage channel subscriptions.
// Channels follow the hub naming: "book:BTC-USD", "trades:BTC-USD",
// "orders:<owner>", "balance:<owner>".
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}
