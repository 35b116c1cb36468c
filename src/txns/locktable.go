package txns

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Blackdeer1524/BlockDB/src"
	"github.com/Blackdeer1524/BlockDB/src/pkg/common"
)

const DefaultMaxWait = 10 * time.Second

// ErrLockAbort means the caller must roll its transaction back.
var ErrLockAbort = errors.New("lock abort")

type lockHolder struct {
	txnID     common.TxnID
	exclusive bool
}

// LockTable grants block-level shared and exclusive locks.
//
// Deadlocks are prevented with wait-die: a requester that conflicts with an
// older holder (smaller id) aborts at once, a requester that only conflicts
// with younger holders waits. Waits are bounded by maxWait.
type LockTable struct {
	log     src.Logger
	maxWait time.Duration

	mu    sync.Mutex
	locks map[common.BlockID][]lockHolder

	// released is closed and replaced on every unlock.
	released chan struct{}

	meterProvider metric.MeterProvider
	grants        metric.Int64Counter
	aborts        metric.Int64Counter
	waits         metric.Int64Counter
}

type Option func(*LockTable)

// WithMeterProvider registers the lock counters with mp instead of the
// global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(lt *LockTable) {
		lt.meterProvider = mp
	}
}

func NewLockTable(maxWait time.Duration, log src.Logger, opts ...Option) (*LockTable, error) {
	lt := &LockTable{
		log:      log,
		maxWait:  maxWait,
		locks:    make(map[common.BlockID][]lockHolder),
		released: make(chan struct{}),

		meterProvider: otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(lt)
	}

	meter := lt.meterProvider.Meter("github.com/Blackdeer1524/BlockDB/src/txns")

	var err error
	if lt.grants, err = meter.Int64Counter(
		"locktable.grants",
		metric.WithDescription("granted lock requests"),
	); err != nil {
		return nil, fmt.Errorf("failed to create grants counter: %w", err)
	}
	if lt.aborts, err = meter.Int64Counter(
		"locktable.aborts",
		metric.WithDescription("lock requests that forced a transaction abort"),
	); err != nil {
		return nil, fmt.Errorf("failed to create aborts counter: %w", err)
	}
	if lt.waits, err = meter.Int64Counter(
		"locktable.waits",
		metric.WithDescription("lock requests that had to wait"),
	); err != nil {
		return nil, fmt.Errorf("failed to create waits counter: %w", err)
	}

	return lt, nil
}

func (lt *LockTable) SLock(ctx context.Context, blk common.BlockID, txnID common.TxnID) error {
	return lt.lock(ctx, blk, txnID, false)
}

// XLock grants an exclusive lock. A shared lock already held by txnID is
// upgraded in place.
func (lt *LockTable) XLock(ctx context.Context, blk common.BlockID, txnID common.TxnID) error {
	return lt.lock(ctx, blk, txnID, true)
}

func (lt *LockTable) lock(
	ctx context.Context,
	blk common.BlockID,
	txnID common.TxnID,
	exclusive bool,
) error {
	mode := attribute.Bool("exclusive", exclusive)

	var timer *time.Timer
	expired := false
	for {
		lt.mu.Lock()
		granted, older := lt.tryLock(blk, txnID, exclusive)
		released := lt.released
		lt.mu.Unlock()

		if granted {
			lt.grants.Add(ctx, 1, metric.WithAttributes(mode))
			return nil
		}
		if older != common.NilTxnID {
			lt.aborts.Add(ctx, 1, metric.WithAttributes(mode))
			lt.log.Debugw(
				"lock conflict with an older transaction",
				"block", blk.String(),
				"txn", txnID,
				"holder", older,
				"exclusive", exclusive,
			)
			return fmt.Errorf(
				"%w: txn %d conflicts with older txn %d on %v",
				ErrLockAbort,
				txnID,
				older,
				blk,
			)
		}
		if expired {
			lt.aborts.Add(ctx, 1, metric.WithAttributes(mode))
			lt.log.Warnw("lock wait timed out", "block", blk.String(), "txn", txnID, "wait", lt.maxWait)
			return fmt.Errorf("%w: txn %d timed out waiting for %v", ErrLockAbort, txnID, blk)
		}

		if timer == nil {
			lt.waits.Add(ctx, 1, metric.WithAttributes(mode))
			timer = time.NewTimer(lt.maxWait)
			defer timer.Stop()
		}

		select {
		case <-released:
		case <-timer.C:
			expired = true
		case <-ctx.Done():
			lt.aborts.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(mode))
			return fmt.Errorf("%w: txn %d on %v: %w", ErrLockAbort, txnID, blk, ctx.Err())
		}
	}
}

// tryLock grants the lock if nothing conflicts. Otherwise it reports the
// oldest conflicting holder that is older than txnID, or NilTxnID if every
// conflicting holder is younger.
// The caller must hold lt.mu.
func (lt *LockTable) tryLock(
	blk common.BlockID,
	txnID common.TxnID,
	exclusive bool,
) (bool, common.TxnID) {
	holders := lt.locks[blk]

	own := slices.IndexFunc(holders, func(h lockHolder) bool { return h.txnID == txnID })
	if own >= 0 && (holders[own].exclusive || !exclusive) {
		return true, common.NilTxnID
	}

	conflict := false
	older := common.NilTxnID
	for _, h := range holders {
		if h.txnID == txnID || (!exclusive && !h.exclusive) {
			continue
		}
		conflict = true
		if h.txnID < txnID && (older == common.NilTxnID || h.txnID < older) {
			older = h.txnID
		}
	}

	if conflict {
		return false, older
	}

	if own >= 0 {
		holders[own].exclusive = true
		return true, common.NilTxnID
	}

	lt.locks[blk] = append(holders, lockHolder{txnID: txnID, exclusive: exclusive})
	return true, common.NilTxnID
}

// Unlock releases whatever lock txnID holds on blk and wakes all waiters.
func (lt *LockTable) Unlock(blk common.BlockID, txnID common.TxnID) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	holders := lt.locks[blk]
	holders = slices.DeleteFunc(holders, func(h lockHolder) bool { return h.txnID == txnID })
	if len(holders) == 0 {
		delete(lt.locks, blk)
	} else {
		lt.locks[blk] = holders
	}

	close(lt.released)
	lt.released = make(chan struct{})
}

func (lt *LockTable) isExclusivelyLocked(blk common.BlockID) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	holders := lt.locks[blk]
	return len(holders) == 1 && holders[0].exclusive
}
