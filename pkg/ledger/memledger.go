package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openclob/ledgersync/pkg/core"
)

// MemLedger is an in-process ledger used by tests and the local dev mode.
// It honors the Client contract: monotonic sequence tokens, idempotent
// command submission, and settlement commands that come back as events.
type MemLedger struct {
	mu     sync.Mutex
	seq    Cursor
	events []Event

	// outstanding qty per order contract; archived contracts are removed
	open map[string]*OrderPayload

	// idempotency key -> first result
	submitted map[string]CommandResult

	// party:asset -> balance; only enforced for seeded parties
	balances map[string]decimal.Decimal

	// transient failures to inject before the next submission succeeds
	failSubmits int
	batchLimit  int
}

func NewMemLedger() *MemLedger {
	return &MemLedger{
		open:       make(map[string]*OrderPayload),
		submitted:  make(map[string]CommandResult),
		balances:   make(map[string]decimal.Decimal),
		batchLimit: 100,
	}
}

func (m *MemLedger) nextSeq() Cursor {
	m.seq++
	return m.seq
}

func (m *MemLedger) append(ev Event) Event {
	ev.Seq = m.nextSeq()
	m.events = append(m.events, ev)
	return ev
}

// CreateOrder records an order contract and emits its CREATED event.
// Returns the contract id.
func (m *MemLedger) CreateOrder(p OrderPayload) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ContractID == "" {
		p.ContractID = uuid.NewString()
	}
	if p.OrderID == "" {
		p.OrderID = p.ContractID
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	cp := p
	m.open[p.ContractID] = &cp
	m.append(Event{Kind: Created, Entity: EntityOrder, Order: &cp})
	return p.ContractID
}

// ArchiveOrder archives an order contract with the given reason, emitting
// the ARCHIVED event. Unknown or already-archived contracts are ignored.
func (m *MemLedger) ArchiveOrder(contractID string, reason ArchiveReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archiveLocked(contractID, reason)
}

func (m *MemLedger) archiveLocked(contractID string, reason ArchiveReason) {
	p, ok := m.open[contractID]
	if !ok {
		return
	}
	delete(m.open, contractID)
	cp := *p
	cp.Reason = reason
	m.append(Event{Kind: Archived, Entity: EntityOrder, Order: &cp})
}

// SeedBalance funds a party. Settlements only enforce balances for
// parties seeded here.
func (m *MemLedger) SeedBalance(party, asset string, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[party+":"+asset] = balance
}

// FailSubmits makes the next n submissions fail with a TransientError.
func (m *MemLedger) FailSubmits(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSubmits = n
}

// Events returns a copy of everything emitted so far.
func (m *MemLedger) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *MemLedger) QueryEvents(ctx context.Context, after Cursor, entities []EntityType) ([]Event, Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, after, &TransientError{Op: "query", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[EntityType]bool, len(entities))
	for _, e := range entities {
		want[e] = true
	}

	next := after
	var batch []Event
	for _, ev := range m.events {
		if ev.Seq <= after {
			continue
		}
		if len(want) > 0 && !want[ev.Entity] {
			// Skipped entities still advance the cursor; their sequence
			// positions must not be re-queried forever.
			next = ev.Seq
			continue
		}
		batch = append(batch, ev)
		next = ev.Seq
		if len(batch) >= m.batchLimit {
			break
		}
	}
	return batch, next, nil
}

func (m *MemLedger) SubmitCommand(ctx context.Context, idempotencyKey string, cmd Command) (CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return CommandResult{}, &TransientError{Op: "submit", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if res, ok := m.submitted[idempotencyKey]; ok {
		return res, nil
	}
	if m.failSubmits > 0 {
		m.failSubmits--
		return CommandResult{}, &TransientError{Op: "submit", Err: fmt.Errorf("injected failure")}
	}

	var res CommandResult
	switch cmd.Kind {
	case CmdSettleTrade:
		res = m.settleLocked(cmd.Trade)
	case CmdCancelOrder:
		m.archiveLocked(cmd.OrderContractID, ArchivedCancelled)
		res = CommandResult{Accepted: true}
	default:
		res = CommandResult{Accepted: false, Reason: fmt.Sprintf("unknown command kind %q", cmd.Kind)}
	}
	m.submitted[idempotencyKey] = res
	return res, nil
}

func (m *MemLedger) settleLocked(t *core.Trade) CommandResult {
	if t == nil {
		return CommandResult{Accepted: false, Reason: "missing trade"}
	}

	// Enforce funds only for seeded buyers.
	quoteKey := t.Buyer + ":quote"
	if bal, ok := m.balances[quoteKey]; ok {
		cost := t.Price.Mul(t.Qty)
		if bal.LessThan(cost) {
			return CommandResult{Accepted: false, Reason: "insufficient funds"}
		}
		m.balances[quoteKey] = bal.Sub(cost)
		m.append(Event{Kind: Created, Entity: EntityBalance, Balance: &BalancePayload{
			Party: t.Buyer, Asset: "quote", Balance: m.balances[quoteKey],
		}})
	}

	m.reduceContract(t.BuyOrderID, t.Qty)
	m.reduceContract(t.SellOrderID, t.Qty)

	m.append(Event{Kind: Created, Entity: EntityTrade, Trade: &TradeSettledPayload{
		TradeID:     t.ID,
		Market:      t.Market,
		BuyOrderID:  t.BuyOrderID,
		SellOrderID: t.SellOrderID,
		Buyer:       t.Buyer,
		Seller:      t.Seller,
		Price:       t.Price,
		Qty:         t.Qty,
	}})
	return CommandResult{Accepted: true}
}

// reduceContract burns filled quantity off an order contract and archives
// it as FILLED once exhausted.
func (m *MemLedger) reduceContract(orderID string, qty decimal.Decimal) {
	for id, p := range m.open {
		if p.OrderID != orderID {
			continue
		}
		p.Qty = p.Qty.Sub(qty)
		if p.Qty.LessThanOrEqual(decimal.Zero) {
			m.archiveLocked(id, ArchivedFilled)
		}
		return
	}
}

var _ Client = (*MemLedger)(nil)
