package recovery

import (
	"errors"
	"fmt"

	"github.com/Blackdeer1524/BlockDB/src/pkg/common"
	"github.com/Blackdeer1524/BlockDB/src/storage/page"
)

var ErrMalformedRecord = errors.New("malformed log record")

type recordWriter struct {
	p   *page.Page
	pos int
	err error
}

func newRecordWriter(size int) *recordWriter {
	return &recordWriter{p: page.New(size)}
}

func (w *recordWriter) writeInt(v int32) {
	if w.err != nil {
		return
	}
	w.err = w.p.SetInt(w.pos, v)
	w.pos += page.Int32Size
}

func (w *recordWriter) writeString(s string) {
	if w.err != nil {
		return
	}
	w.err = w.p.SetString(w.pos, s)
	w.pos += page.MaxLength(len(s))
}

func (w *recordWriter) writeBlock(blk common.BlockID) {
	w.writeString(blk.FileName)
	w.writeInt(int32(blk.Num)) //nolint:gosec
}

func (w *recordWriter) bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.p.GetData(), nil
}

type recordReader struct {
	p   *page.Page
	pos int
	err error
}

func (r *recordReader) readInt() int32 {
	if r.err != nil {
		return 0
	}
	v, err := r.p.Int(r.pos)
	r.err = err
	r.pos += page.Int32Size
	return v
}

func (r *recordReader) readString() string {
	if r.err != nil {
		return ""
	}
	s, err := r.p.String(r.pos)
	r.err = err
	r.pos += page.MaxLength(len(s))
	return s
}

func (r *recordReader) readBlock() common.BlockID {
	name := r.readString()
	num := r.readInt()
	return common.NewBlockID(name, int(num))
}

func blockSize(blk common.BlockID) int {
	return page.MaxLength(len(blk.FileName)) + page.Int32Size
}

func marshalTagOnly(tag LogRecordTypeTag) ([]byte, error) {
	w := newRecordWriter(page.Int32Size)
	w.writeInt(int32(tag))
	return w.bytes()
}

func marshalTxnRecord(tag LogRecordTypeTag, txnID common.TxnID) ([]byte, error) {
	w := newRecordWriter(2 * page.Int32Size)
	w.writeInt(int32(tag))
	w.writeInt(int32(txnID))
	return w.bytes()
}

func (r *CheckpointRecord) MarshalBinary() ([]byte, error) {
	return marshalTagOnly(TypeCheckpoint)
}

func (r *NQCheckpointRecord) MarshalBinary() ([]byte, error) {
	w := newRecordWriter((2 + len(r.active)) * page.Int32Size)
	w.writeInt(int32(TypeNQCheckpoint))
	w.writeInt(int32(len(r.active))) //nolint:gosec
	for _, id := range r.active {
		w.writeInt(int32(id))
	}
	return w.bytes()
}

func (r *StartRecord) MarshalBinary() ([]byte, error) {
	return marshalTxnRecord(TypeStart, r.txnID)
}

func (r *CommitRecord) MarshalBinary() ([]byte, error) {
	return marshalTxnRecord(TypeCommit, r.txnID)
}

func (r *RollbackRecord) MarshalBinary() ([]byte, error) {
	return marshalTxnRecord(TypeRollback, r.txnID)
}

func (r *SetIntRecord) MarshalBinary() ([]byte, error) {
	w := newRecordWriter(4*page.Int32Size + blockSize(r.blk))
	w.writeInt(int32(TypeSetInt))
	w.writeInt(int32(r.txnID))
	w.writeBlock(r.blk)
	w.writeInt(int32(r.offset)) //nolint:gosec
	w.writeInt(r.oldVal)
	return w.bytes()
}

func (r *SetStringRecord) MarshalBinary() ([]byte, error) {
	w := newRecordWriter(3*page.Int32Size + blockSize(r.blk) + page.MaxLength(len(r.oldVal)))
	w.writeInt(int32(TypeSetString))
	w.writeInt(int32(r.txnID))
	w.writeBlock(r.blk)
	w.writeInt(int32(r.offset)) //nolint:gosec
	w.writeString(r.oldVal)
	return w.bytes()
}

// ReadLogRecord decodes a record produced by one of the MarshalBinary
// methods. The tag is read first and selects the variant.
func ReadLogRecord(data []byte) (LogRecord, error) {
	r := &recordReader{p: page.NewFromBytes(data)}

	tag := LogRecordTypeTag(r.readInt())
	if r.err != nil {
		return nil, fmt.Errorf("%w: missing type tag: %w", ErrMalformedRecord, r.err)
	}

	var rec LogRecord
	switch tag {
	case TypeCheckpoint:
		rec = NewCheckpointRecord()
	case TypeNQCheckpoint:
		n := int(r.readInt())
		if r.err == nil && (n < 0 || n > (len(data)-r.pos)/page.Int32Size) {
			return nil, fmt.Errorf("%w: bad active transaction count %d", ErrMalformedRecord, n)
		}
		active := make([]common.TxnID, 0, max(n, 0))
		for range n {
			active = append(active, common.TxnID(r.readInt()))
		}
		rec = NewNQCheckpointRecord(active)
	case TypeStart:
		rec = NewStartRecord(common.TxnID(r.readInt()))
	case TypeCommit:
		rec = NewCommitRecord(common.TxnID(r.readInt()))
	case TypeRollback:
		rec = NewRollbackRecord(common.TxnID(r.readInt()))
	case TypeSetInt:
		txnID := common.TxnID(r.readInt())
		blk := r.readBlock()
		offset := int(r.readInt())
		rec = NewSetIntRecord(txnID, blk, offset, r.readInt())
	case TypeSetString:
		txnID := common.TxnID(r.readInt())
		blk := r.readBlock()
		offset := int(r.readInt())
		rec = NewSetStringRecord(txnID, blk, offset, r.readString())
	default:
		return nil, fmt.Errorf("%w: unknown type tag %d", ErrMalformedRecord, int32(tag))
	}

	if r.err != nil {
		return nil, fmt.Errorf("%w: %v: %w", ErrMalformedRecord, tag, r.err)
	}

	return rec, nil
}
