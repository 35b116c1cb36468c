package recovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/Blackdeer1524/BlockDB/src/bufferpool"
	"github.com/Blackdeer1524/BlockDB/src/pkg/common"
)

type LogRecordTypeTag int32

// Type tags for each log record type. The tag is always the first field of
// a serialized record.
const (
	TypeCheckpoint LogRecordTypeTag = iota
	TypeStart
	TypeCommit
	TypeRollback
	TypeSetInt
	TypeSetString
	TypeNQCheckpoint
)

func (t LogRecordTypeTag) String() string {
	switch t {
	case TypeCheckpoint:
		return "CHECKPOINT"
	case TypeStart:
		return "START"
	case TypeCommit:
		return "COMMIT"
	case TypeRollback:
		return "ROLLBACK"
	case TypeSetInt:
		return "SETINT"
	case TypeSetString:
		return "SETSTRING"
	case TypeNQCheckpoint:
		return "NQCKPT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(t))
	}
}

// BufferPool is the part of the buffer manager undo needs.
type BufferPool interface {
	Pin(ctx context.Context, blk common.BlockID) (*bufferpool.Buffer, error)
	Unpin(buf *bufferpool.Buffer)
	FlushAll(txnID common.TxnID) error
	FlushAllDirty() error
}

var (
	_ BufferPool = &bufferpool.Manager{}
)

type LogRecord interface {
	Type() LogRecordTypeTag
	// TxnID is NilTxnID for checkpoints.
	TxnID() common.TxnID
	// Undo restores the pre-image, attributing the change to undoer.
	// Records without a pre-image do nothing.
	Undo(ctx context.Context, undoer common.TxnID, pool BufferPool) error
	MarshalBinary() ([]byte, error)
	String() string
}

var (
	_ LogRecord = &CheckpointRecord{}
	_ LogRecord = &NQCheckpointRecord{}
	_ LogRecord = &StartRecord{}
	_ LogRecord = &CommitRecord{}
	_ LogRecord = &RollbackRecord{}
	_ LogRecord = &SetIntRecord{}
	_ LogRecord = &SetStringRecord{}
)

type noUndo struct{}

func (noUndo) Undo(context.Context, common.TxnID, BufferPool) error {
	return nil
}

// CheckpointRecord is written only when no transaction is active.
type CheckpointRecord struct {
	noUndo
}

func NewCheckpointRecord() *CheckpointRecord {
	return &CheckpointRecord{}
}

func (*CheckpointRecord) Type() LogRecordTypeTag { return TypeCheckpoint }
func (*CheckpointRecord) TxnID() common.TxnID    { return common.NilTxnID }
func (*CheckpointRecord) String() string         { return "<CHECKPOINT>" }

// NQCheckpointRecord lists the transactions that were active when a
// non-quiescent checkpoint was taken.
type NQCheckpointRecord struct {
	noUndo
	active []common.TxnID
}

func NewNQCheckpointRecord(active []common.TxnID) *NQCheckpointRecord {
	return &NQCheckpointRecord{active: active}
}

func (*NQCheckpointRecord) Type() LogRecordTypeTag { return TypeNQCheckpoint }
func (*NQCheckpointRecord) TxnID() common.TxnID    { return common.NilTxnID }

func (r *NQCheckpointRecord) Active() []common.TxnID {
	return r.active
}

func (r *NQCheckpointRecord) String() string {
	ids := make([]string, len(r.active))
	for i, id := range r.active {
		ids[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("<NQCKPT %s>", strings.Join(ids, ","))
}

type StartRecord struct {
	noUndo
	txnID common.TxnID
}

func NewStartRecord(txnID common.TxnID) *StartRecord {
	return &StartRecord{txnID: txnID}
}

func (*StartRecord) Type() LogRecordTypeTag { return TypeStart }
func (r *StartRecord) TxnID() common.TxnID  { return r.txnID }
func (r *StartRecord) String() string       { return fmt.Sprintf("<START %d>", r.txnID) }

type CommitRecord struct {
	noUndo
	txnID common.TxnID
}

func NewCommitRecord(txnID common.TxnID) *CommitRecord {
	return &CommitRecord{txnID: txnID}
}

func (*CommitRecord) Type() LogRecordTypeTag { return TypeCommit }
func (r *CommitRecord) TxnID() common.TxnID  { return r.txnID }
func (r *CommitRecord) String() string       { return fmt.Sprintf("<COMMIT %d>", r.txnID) }

type RollbackRecord struct {
	noUndo
	txnID common.TxnID
}

func NewRollbackRecord(txnID common.TxnID) *RollbackRecord {
	return &RollbackRecord{txnID: txnID}
}

func (*RollbackRecord) Type() LogRecordTypeTag { return TypeRollback }
func (r *RollbackRecord) TxnID() common.TxnID  { return r.txnID }
func (r *RollbackRecord) String() string       { return fmt.Sprintf("<ROLLBACK %d>", r.txnID) }

// SetIntRecord holds the value an int field had before txnID overwrote it.
type SetIntRecord struct {
	txnID  common.TxnID
	blk    common.BlockID
	offset int
	oldVal int32
}

func NewSetIntRecord(txnID common.TxnID, blk common.BlockID, offset int, oldVal int32) *SetIntRecord {
	return &SetIntRecord{
		txnID:  txnID,
		blk:    blk,
		offset: offset,
		oldVal: oldVal,
	}
}

func (*SetIntRecord) Type() LogRecordTypeTag { return TypeSetInt }
func (r *SetIntRecord) TxnID() common.TxnID  { return r.txnID }

func (r *SetIntRecord) String() string {
	return fmt.Sprintf("<SETINT %d %v %d %d>", r.txnID, r.blk, r.offset, r.oldVal)
}

func (r *SetIntRecord) Undo(ctx context.Context, undoer common.TxnID, pool BufferPool) error {
	return applyOldValue(ctx, r.blk, undoer, pool, func(buf *bufferpool.Buffer) error {
		return buf.Contents().SetInt(r.offset, r.oldVal)
	})
}

// SetStringRecord holds the value a string field had before txnID
// overwrote it.
type SetStringRecord struct {
	txnID  common.TxnID
	blk    common.BlockID
	offset int
	oldVal string
}

func NewSetStringRecord(
	txnID common.TxnID,
	blk common.BlockID,
	offset int,
	oldVal string,
) *SetStringRecord {
	return &SetStringRecord{
		txnID:  txnID,
		blk:    blk,
		offset: offset,
		oldVal: oldVal,
	}
}

func (*SetStringRecord) Type() LogRecordTypeTag { return TypeSetString }
func (r *SetStringRecord) TxnID() common.TxnID  { return r.txnID }

func (r *SetStringRecord) String() string {
	return fmt.Sprintf("<SETSTRING %d %v %d %q>", r.txnID, r.blk, r.offset, r.oldVal)
}

func (r *SetStringRecord) Undo(ctx context.Context, undoer common.TxnID, pool BufferPool) error {
	return applyOldValue(ctx, r.blk, undoer, pool, func(buf *bufferpool.Buffer) error {
		return buf.Contents().SetString(r.offset, r.oldVal)
	})
}

// applyOldValue writes a pre-image straight through the buffer pool. No
// locks are taken and nothing is logged.
func applyOldValue(
	ctx context.Context,
	blk common.BlockID,
	undoer common.TxnID,
	pool BufferPool,
	apply func(buf *bufferpool.Buffer) error,
) error {
	buf, err := pool.Pin(ctx, blk)
	if err != nil {
		return fmt.Errorf("failed to pin %v for undo: %w", blk, err)
	}
	defer pool.Unpin(buf)

	buf.Lock()
	defer buf.Unlock()

	if err := apply(buf); err != nil {
		return fmt.Errorf("failed to undo change on %v: %w", blk, err)
	}
	buf.SetModified(undoer, common.NilLSN)

	return nil
}
