package bufferpool

import (
	"fmt"
	"sync"

	"github.com/Blackdeer1524/BlockDB/src/pkg/common"
	"github.com/Blackdeer1524/BlockDB/src/pkg/optional"
	"github.com/Blackdeer1524/BlockDB/src/storage/page"
)

// Buffer is a pool frame: one page plus the bookkeeping needed to decide
// when it may be written back or reassigned.
//
// The latch protects the page contents and the modification tag. Pin
// counts and the block binding belong to the Manager and are only touched
// under its mutex.
type Buffer struct {
	id       uint64
	fs       common.FileStore
	wal      common.LogFlusher
	contents *page.Page

	block optional.Optional[common.BlockID]
	pins  int

	latch sync.RWMutex
	txnID common.TxnID
	lsn   common.LSN
}

func newBuffer(id uint64, fs common.FileStore, wal common.LogFlusher) *Buffer {
	return &Buffer{
		id:       id,
		fs:       fs,
		wal:      wal,
		contents: page.New(fs.BlockSize()),
		block:    optional.None[common.BlockID](),
		txnID:    common.NilTxnID,
		lsn:      common.NilLSN,
	}
}

func (b *Buffer) ID() uint64 {
	return b.id
}

func (b *Buffer) Contents() *page.Page {
	return b.contents
}

// Block returns the block the buffer is bound to. Only valid while pinned.
func (b *Buffer) Block() common.BlockID {
	return b.block.Unwrap()
}

// SetModified tags the buffer as changed by txnID. A negative lsn means the
// change was not logged and the previous LSN is kept.
// The caller must hold the write latch.
func (b *Buffer) SetModified(txnID common.TxnID, lsn common.LSN) {
	b.txnID = txnID
	if lsn >= 0 {
		b.lsn = lsn
	}
}

// ModifyingTxn must be called with the latch held.
func (b *Buffer) ModifyingTxn() common.TxnID {
	return b.txnID
}

// LSN must be called with the latch held.
func (b *Buffer) LSN() common.LSN {
	return b.lsn
}

func (b *Buffer) Lock() {
	b.latch.Lock()
}

func (b *Buffer) Unlock() {
	b.latch.Unlock()
}

func (b *Buffer) RLock() {
	b.latch.RLock()
}

func (b *Buffer) RUnlock() {
	b.latch.RUnlock()
}

// flush writes a dirty page back to its block. The log is forced up to the
// buffer's LSN first.
// The caller must hold the write latch.
func (b *Buffer) flush() error {
	if b.txnID == common.NilTxnID {
		return nil
	}

	blk := b.block.Unwrap()

	if err := b.wal.Flush(b.lsn); err != nil {
		return fmt.Errorf("failed to flush log up to %d: %w", b.lsn, err)
	}

	if err := b.fs.WriteBlock(blk, b.contents); err != nil {
		return fmt.Errorf("failed to write buffer %d to %v: %w", b.id, blk, err)
	}

	b.txnID = common.NilTxnID

	return nil
}

// assignToBlock binds a clean buffer to blk and loads its contents.
// The caller must hold the write latch.
func (b *Buffer) assignToBlock(blk common.BlockID) error {
	b.block = optional.None[common.BlockID]()
	b.lsn = common.NilLSN

	if err := b.fs.ReadBlock(blk, b.contents); err != nil {
		return fmt.Errorf("failed to read %v: %w", blk, err)
	}

	b.block = optional.Some(blk)

	return nil
}
