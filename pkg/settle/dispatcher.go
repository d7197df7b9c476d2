// Package settle turns trades produced by matching into ledger-bound
// settlement commands. Submissions are idempotent, retried with bounded
// exponential backoff, and reconciled when they fail permanently.
package settle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openclob/ledgersync/pkg/core"
	"github.com/openclob/ledgersync/pkg/feed"
	"github.com/openclob/ledgersync/pkg/ledger"
	"github.com/openclob/ledgersync/pkg/util"
)

// ErrRetriesExhausted wraps the final transient error once every retry is
// spent. It is an operational failure, never a silent drop.
var ErrRetriesExhausted = errors.New("settlement retries exhausted")

// ErrQueueFull is returned by Enqueue when the dispatch queue is full.
var ErrQueueFull = errors.New("settlement queue full")

// Reconciler reverts the tentative in-memory effect of a trade whose
// settlement failed permanently, re-opening the orders for matching.
type Reconciler interface {
	Reconcile(trade core.Trade, cause error)
}

type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// SubmitTimeout bounds each individual ledger call.
	SubmitTimeout time.Duration
	QueueSize     int
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		MaxAttempts:   8,
		SubmitTimeout: 10 * time.Second,
		QueueSize:     1024,
	}
}

// job is one queued unit of ledger-bound work.
type job struct {
	trade          *core.Trade
	cancelContract string
}

type Dispatcher struct {
	client     ledger.Client
	reconciler Reconciler
	cfg        Config
	clock      util.Clock
	log        *zap.SugaredLogger
	feed       *feed.Producer

	queue chan job
}

func NewDispatcher(client ledger.Client, cfg Config, clock util.Clock, log *zap.SugaredLogger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Dispatcher{
		client: client,
		cfg:    cfg,
		clock:  clock,
		log:    log,
		queue:  make(chan job, cfg.QueueSize),
	}
}

// SetReconciler wires the reconciliation path. Must be called before Run.
func (d *Dispatcher) SetReconciler(r Reconciler) { d.reconciler = r }

// SetFeed enables publishing successfully settled trades to kafka.
func (d *Dispatcher) SetFeed(f *feed.Producer) { d.feed = f }

// Enqueue hands a trade to the background worker. Matching never blocks on
// settlement: a full queue is an error the caller surfaces.
func (d *Dispatcher) Enqueue(t core.Trade) error {
	return d.enqueue(job{trade: &t})
}

// EnqueueCancel queues the archiving of an order contract.
func (d *Dispatcher) EnqueueCancel(contractID string) error {
	return d.enqueue(job{cancelContract: contractID})
}

func (d *Dispatcher) enqueue(j job) error {
	select {
	case d.queue <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run processes the queue until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.process(ctx, j)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, j job) {
	if j.trade != nil {
		if err := d.Submit(ctx, *j.trade); err != nil {
			d.log.Errorw("settlement_failed",
				"trade_id", j.trade.ID, "market", j.trade.Market, "err", err)
			if d.reconciler != nil {
				d.reconciler.Reconcile(*j.trade, err)
			}
			return
		}
		if d.feed != nil {
			if err := d.feed.PublishTrade(ctx, *j.trade); err != nil {
				d.log.Warnw("feed_publish_failed", "trade_id", j.trade.ID, "err", err)
			}
		}
		return
	}
	if err := d.SubmitCancel(ctx, j.cancelContract); err != nil {
		// The contract stays live on ledger; a later cancellation or fill
		// event will converge the projection.
		d.log.Errorw("cancel_failed", "contract_id", j.cancelContract, "err", err)
	}
}

// settleKey is the stable idempotency key for a trade's settlement
// command; it survives retries and restarts.
func settleKey(t core.Trade) string { return "settle:" + t.ID }

// cancelKey is the idempotency key for archiving an order contract.
func cancelKey(contractID string) string { return "cancel:" + contractID }

// Submit sends the settlement command, retrying transient failures with
// bounded exponential backoff. Rejections are surfaced without retry.
func (d *Dispatcher) Submit(ctx context.Context, t core.Trade) error {
	cmd := ledger.Command{Kind: ledger.CmdSettleTrade, Trade: &t}
	return d.submit(ctx, settleKey(t), cmd)
}

// SubmitCancel archives an order contract (market-order remainders under
// the cancel policy, local cancellations awaiting ledger confirmation).
func (d *Dispatcher) SubmitCancel(ctx context.Context, contractID string) error {
	cmd := ledger.Command{Kind: ledger.CmdCancelOrder, OrderContractID: contractID}
	return d.submit(ctx, cancelKey(contractID), cmd)
}

func (d *Dispatcher) submit(ctx context.Context, key string, cmd ledger.Command) error {
	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, d.cfg.BaseDelay, d.cfg.MaxDelay)
			d.log.Infow("settlement_retry",
				"key", key, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.clock.After(delay):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, d.cfg.SubmitTimeout)
		res, err := d.client.SubmitCommand(callCtx, key, cmd)
		cancel()

		switch {
		case err == nil && res.Accepted:
			return nil
		case err == nil:
			// Structured rejection: surfaced, not retried.
			return &ledger.RejectedError{Reason: res.Reason}
		case ledger.IsRejected(err):
			return err
		case ledger.IsTransient(err):
			lastErr = err
		default:
			// Ambiguous failure: the command key makes a repeat safe.
			lastErr = err
		}
	}
	return fmt.Errorf("%w (key %s): %v", ErrRetriesExhausted, key, lastErr)
}
