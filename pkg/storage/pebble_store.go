package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/openclob/ledgersync/pkg/core"
	"github.com/openclob/ledgersync/pkg/ledger"
)

// PebbleStore is the on-disk Store implementation.
//
// keys: o:<market>:<order-id>, t:<market>:<8-byte-ts>:<trade-id>, cur
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func orderKey(market, id string) []byte {
	return []byte("o:" + market + ":" + id)
}

func orderPrefix() []byte { return []byte("o:") }

func tradeKey(t *core.Trade) []byte {
	key := []byte("t:" + t.Market + ":")
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(t.ExecutedAt.UnixNano()))
	key = append(key, ts[:]...)
	return append(key, t.ID...)
}

func tradePrefix(market string) []byte { return []byte("t:" + market + ":") }

func kCursor() []byte { return []byte("cur") }

// keyUpperBound returns the smallest key greater than every key with the
// given prefix.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) UpsertOrder(o *core.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(o.Market, o.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

func (s *PebbleStore) GetOrder(market, id string) (*core.Order, error) {
	data, closer, err := s.db.Get(orderKey(market, id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	defer closer.Close()

	var o core.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

func (s *PebbleStore) OpenOrders() ([]*core.Order, error) {
	prefix := orderPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var orders []*core.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o core.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			continue // skip invalid entries
		}
		if !o.IsClosed() {
			orders = append(orders, &o)
		}
	}
	return orders, nil
}

func (s *PebbleStore) InsertTrade(t *core.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	if err := s.db.Set(tradeKey(t), data, pebble.NoSync); err != nil {
		return fmt.Errorf("save trade: %w", err)
	}
	return nil
}

func (s *PebbleStore) RecentTrades(market string, limit int) ([]*core.Trade, error) {
	prefix := tradePrefix(market)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var trades []*core.Trade
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var t core.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue
		}
		trades = append(trades, &t)
	}
	return trades, nil
}

func (s *PebbleStore) GetCursor() (ledger.Cursor, error) {
	data, closer, err := s.db.Get(kCursor())
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor: %w", err)
	}
	defer closer.Close()
	return ledger.Cursor(binary.BigEndian.Uint64(data)), nil
}

func (s *PebbleStore) SetCursor(c ledger.Cursor) error {
	cur, err := s.GetCursor()
	if err != nil {
		return err
	}
	if c < cur {
		return ErrCursorRegression
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(c))
	if err := s.db.Set(kCursor(), buf[:], pebble.Sync); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

var _ Store = (*PebbleStore)(nil)
