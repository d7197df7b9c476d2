// Package storage persists the engine's projections: orders, trades, and
// the ledger cursor.
package storage

import (
	"errors"

	"github.com/openclob/ledgersync/pkg/core"
	"github.com/openclob/ledgersync/pkg/ledger"
)

// ErrCursorRegression is returned when a cursor write would move the
// persisted cursor backwards.
var ErrCursorRegression = errors.New("cursor must not decrease")

// Store is the persistent collaborator behind the ingestor. Writes must be
// durable before SetCursor returns; the ingestor persists the cursor only
// after a fully applied batch.
type Store interface {
	UpsertOrder(o *core.Order) error
	GetOrder(market, id string) (*core.Order, error)
	// OpenOrders returns every order that is neither filled nor
	// cancelled, across all markets. Used to rebuild books on restart.
	OpenOrders() ([]*core.Order, error)

	InsertTrade(t *core.Trade) error
	RecentTrades(market string, limit int) ([]*core.Trade, error)

	GetCursor() (ledger.Cursor, error)
	SetCursor(c ledger.Cursor) error

	Close() error
}
