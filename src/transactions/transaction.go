package transactions

import (
	"context"
	"errors"
	"fmt"

	"github.com/Blackdeer1524/BlockDB/src"
	"github.com/Blackdeer1524/BlockDB/src/bufferpool"
	"github.com/Blackdeer1524/BlockDB/src/pkg/common"
	"github.com/Blackdeer1524/BlockDB/src/recovery"
	"github.com/Blackdeer1524/BlockDB/src/txns"
)

var (
	ErrTxnFinished    = errors.New("transaction already finished")
	ErrBlockNotPinned = errors.New("block is not pinned by the transaction")
)

// Transaction is the unit of work seen by the record layer. Reads take
// shared locks, writes take exclusive locks, and every lock is held until
// Commit or Rollback.
//
// A Transaction must be used by one goroutine at a time.
type Transaction struct {
	id  common.TxnID
	mgr *Manager
	log src.Logger

	fs          common.FileStore
	recovery    *recovery.Manager
	concurrency *txns.ConcurrencyManager
	buffers     *bufferList

	finished bool
}

func (t *Transaction) ID() common.TxnID {
	return t.id
}

func (t *Transaction) BlockSize() int {
	return t.fs.BlockSize()
}

func (t *Transaction) Pin(ctx context.Context, blk common.BlockID) error {
	if t.finished {
		return ErrTxnFinished
	}
	return t.buffers.pin(ctx, blk)
}

func (t *Transaction) Unpin(blk common.BlockID) error {
	if _, err := t.pinned(blk); err != nil {
		return err
	}
	t.buffers.unpin(blk)
	return nil
}

func (t *Transaction) pinned(blk common.BlockID) (*bufferpool.Buffer, error) {
	if t.finished {
		return nil, ErrTxnFinished
	}

	buf, ok := t.buffers.buffer(blk)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrBlockNotPinned, blk)
	}

	return buf, nil
}

func (t *Transaction) GetInt(ctx context.Context, blk common.BlockID, offset int) (int32, error) {
	buf, err := t.pinned(blk)
	if err != nil {
		return 0, err
	}
	if err := t.concurrency.SLock(ctx, blk); err != nil {
		return 0, err
	}

	buf.RLock()
	defer buf.RUnlock()

	return buf.Contents().Int(offset)
}

func (t *Transaction) GetString(ctx context.Context, blk common.BlockID, offset int) (string, error) {
	buf, err := t.pinned(blk)
	if err != nil {
		return "", err
	}
	if err := t.concurrency.SLock(ctx, blk); err != nil {
		return "", err
	}

	buf.RLock()
	defer buf.RUnlock()

	return buf.Contents().String(offset)
}

// SetInt writes val at offset. With shouldLog unset the change is not
// undoable, which is only meant for formatting freshly appended blocks.
func (t *Transaction) SetInt(
	ctx context.Context,
	blk common.BlockID,
	offset int,
	val int32,
	shouldLog bool,
) error {
	return t.set(ctx, blk, shouldLog, t.recovery.SetInt, offset, func(buf *bufferpool.Buffer) error {
		return buf.Contents().SetInt(offset, val)
	})
}

func (t *Transaction) SetString(
	ctx context.Context,
	blk common.BlockID,
	offset int,
	val string,
	shouldLog bool,
) error {
	return t.set(ctx, blk, shouldLog, t.recovery.SetString, offset, func(buf *bufferpool.Buffer) error {
		return buf.Contents().SetString(offset, val)
	})
}

func (t *Transaction) set(
	ctx context.Context,
	blk common.BlockID,
	shouldLog bool,
	logOld func(buf *bufferpool.Buffer, offset int) (common.LSN, error),
	offset int,
	apply func(buf *bufferpool.Buffer) error,
) error {
	buf, err := t.pinned(blk)
	if err != nil {
		return err
	}
	if err := t.concurrency.XLock(ctx, blk); err != nil {
		return err
	}

	buf.Lock()
	defer buf.Unlock()

	lsn := common.NilLSN
	if shouldLog {
		if lsn, err = logOld(buf, offset); err != nil {
			return err
		}
	}

	if err := apply(buf); err != nil {
		return err
	}
	buf.SetModified(t.id, lsn)

	return nil
}

// Size returns the number of blocks in fileName. Appends are serialized
// through a lock on the end-of-file marker.
func (t *Transaction) Size(ctx context.Context, fileName string) (int, error) {
	if t.finished {
		return 0, ErrTxnFinished
	}
	if err := t.concurrency.SLock(ctx, common.EndOfFile(fileName)); err != nil {
		return 0, err
	}
	return t.fs.Size(fileName)
}

func (t *Transaction) Append(ctx context.Context, fileName string) (common.BlockID, error) {
	if t.finished {
		return common.BlockID{}, ErrTxnFinished
	}
	if err := t.concurrency.XLock(ctx, common.EndOfFile(fileName)); err != nil {
		return common.BlockID{}, err
	}
	return t.fs.Append(fileName)
}

// Commit makes the transaction's changes durable and releases everything
// it holds. Calling it on a finished transaction does nothing. If the
// commit itself fails the transaction stays open and must be rolled back.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.finished {
		return nil
	}

	if err := t.recovery.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit txn %d: %w", t.id, err)
	}

	t.finish()
	t.log.Debugw("transaction committed", "txn", t.id)

	return nil
}

// Rollback undoes the transaction's changes and releases everything it
// holds. Calling it on a finished transaction does nothing.
func (t *Transaction) Rollback(ctx context.Context) error {
	if t.finished {
		return nil
	}

	if err := t.recovery.Rollback(ctx); err != nil {
		return fmt.Errorf("failed to roll back txn %d: %w", t.id, err)
	}

	t.finish()
	t.log.Debugw("transaction rolled back", "txn", t.id)

	return nil
}

func (t *Transaction) finish() {
	t.concurrency.Release()
	t.buffers.unpinAll()
	t.finished = true
	t.mgr.forget(t.id)
}
