package txns

import (
	"context"

	"github.com/Blackdeer1524/BlockDB/src/pkg/common"
)

type lockMode int

const (
	lockShared lockMode = iota + 1
	lockExclusive
)

// ConcurrencyManager remembers the locks one transaction holds so they can
// be released together. It is owned by a single transaction and is not safe
// for concurrent use.
type ConcurrencyManager struct {
	txnID common.TxnID
	table *LockTable
	locks map[common.BlockID]lockMode
}

func NewConcurrencyManager(txnID common.TxnID, table *LockTable) *ConcurrencyManager {
	return &ConcurrencyManager{
		txnID: txnID,
		table: table,
		locks: make(map[common.BlockID]lockMode),
	}
}

func (c *ConcurrencyManager) SLock(ctx context.Context, blk common.BlockID) error {
	if _, ok := c.locks[blk]; ok {
		return nil
	}

	if err := c.table.SLock(ctx, blk, c.txnID); err != nil {
		return err
	}

	c.locks[blk] = lockShared
	return nil
}

func (c *ConcurrencyManager) XLock(ctx context.Context, blk common.BlockID) error {
	if c.locks[blk] == lockExclusive {
		return nil
	}

	if err := c.table.XLock(ctx, blk, c.txnID); err != nil {
		return err
	}

	c.locks[blk] = lockExclusive
	return nil
}

// Release drops every lock the transaction holds.
func (c *ConcurrencyManager) Release() {
	for blk := range c.locks {
		c.table.Unlock(blk, c.txnID)
	}
	clear(c.locks)
}

func (c *ConcurrencyManager) Holds(blk common.BlockID) bool {
	_, ok := c.locks[blk]
	return ok
}
