package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Blackdeer1524/BlockDB/src"
	"github.com/Blackdeer1524/BlockDB/src/bufferpool"
	"github.com/Blackdeer1524/BlockDB/src/pkg/common"
	"github.com/Blackdeer1524/BlockDB/src/wal"
)

type LogManager interface {
	Append(rec []byte) (common.LSN, error)
	Flush(lsn common.LSN) error
	Iterator() (*wal.Iterator, error)
}

var (
	_ LogManager = &wal.Manager{}
)

const tracerName = "github.com/Blackdeer1524/BlockDB/src/recovery"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Manager keeps the undo log of a single transaction.
type Manager struct {
	txnID common.TxnID
	wal   LogManager
	pool  BufferPool
	log   src.Logger
}

// New writes a START record for txnID.
func New(txnID common.TxnID, lm LogManager, pool BufferPool, log src.Logger) (*Manager, error) {
	m := &Manager{
		txnID: txnID,
		wal:   lm,
		pool:  pool,
		log:   log,
	}

	if _, err := m.append(NewStartRecord(txnID)); err != nil {
		return nil, err
	}

	return m, nil
}

// SetInt logs the int currently stored at offset in buf. The caller must
// hold the buffer latch and tag the buffer with the returned LSN.
func (m *Manager) SetInt(buf *bufferpool.Buffer, offset int) (common.LSN, error) {
	old, err := buf.Contents().Int(offset)
	if err != nil {
		return common.NilLSN, fmt.Errorf("failed to read old value: %w", err)
	}
	return m.append(NewSetIntRecord(m.txnID, buf.Block(), offset, old))
}

// SetString is SetInt for string fields.
func (m *Manager) SetString(buf *bufferpool.Buffer, offset int) (common.LSN, error) {
	old, err := buf.Contents().String(offset)
	if err != nil {
		return common.NilLSN, fmt.Errorf("failed to read old value: %w", err)
	}
	return m.append(NewSetStringRecord(m.txnID, buf.Block(), offset, old))
}

// Commit forces the transaction's pages and then a durable COMMIT record.
func (m *Manager) Commit(ctx context.Context) (err error) {
	_, span := m.startSpan(ctx, "recovery.Commit")
	defer func() { endSpan(span, err) }()

	if err := m.pool.FlushAll(m.txnID); err != nil {
		return err
	}
	return m.appendAndFlush(NewCommitRecord(m.txnID))
}

// Rollback undoes every change of the transaction, newest first, and
// writes a durable ROLLBACK record.
func (m *Manager) Rollback(ctx context.Context) (err error) {
	ctx, span := m.startSpan(ctx, "recovery.Rollback")
	defer func() { endSpan(span, err) }()

	if err := m.rollback(ctx); err != nil {
		return err
	}
	if err := m.pool.FlushAll(m.txnID); err != nil {
		return err
	}
	return m.appendAndFlush(NewRollbackRecord(m.txnID))
}

// Recover undoes every unfinished transaction found in the log and then
// writes a quiescent checkpoint. It must run before any other
// transaction starts.
func (m *Manager) Recover(ctx context.Context) (err error) {
	ctx, span := m.startSpan(ctx, "recovery.Recover")
	defer func() { endSpan(span, err) }()

	undone, err := m.recover(ctx)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("undone", undone))

	if err := m.pool.FlushAll(m.txnID); err != nil {
		return err
	}
	if err := m.appendAndFlush(NewCheckpointRecord()); err != nil {
		return err
	}

	m.log.Infow("recovery finished", "undone_records", undone)
	return nil
}

func (m *Manager) rollback(ctx context.Context) error {
	it, err := m.wal.Iterator()
	if err != nil {
		return fmt.Errorf("failed to open log iterator: %w", err)
	}

	for it.HasNext() {
		rec, err := nextRecord(it)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		if rec.TxnID() != m.txnID {
			continue
		}
		if rec.Type() == TypeStart {
			return nil
		}
		if err := rec.Undo(ctx, m.txnID, m.pool); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w: no START record for txn %d", ErrMalformedRecord, m.txnID)
}

// recover scans the log backwards until a quiescent checkpoint, the START
// of the oldest transaction listed in the newest NQ checkpoint that had not
// finished, or the beginning of the log.
//
// Stopping at that START relies on transaction ids being handed out in the
// same order their START records are written.
func (m *Manager) recover(ctx context.Context) (int, error) {
	it, err := m.wal.Iterator()
	if err != nil {
		return 0, fmt.Errorf("failed to open log iterator: %w", err)
	}

	finished := make(map[common.TxnID]struct{})
	var pending map[common.TxnID]struct{}

	undone := 0
	for it.HasNext() {
		rec, err := nextRecord(it)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return undone, err
		}

		switch r := rec.(type) {
		case *CheckpointRecord:
			return undone, nil
		case *NQCheckpointRecord:
			if pending != nil {
				continue
			}
			pending = make(map[common.TxnID]struct{})
			for _, id := range r.Active() {
				if _, ok := finished[id]; !ok {
					pending[id] = struct{}{}
				}
			}
			if len(pending) == 0 {
				return undone, nil
			}
		case *CommitRecord, *RollbackRecord:
			finished[rec.TxnID()] = struct{}{}
		case *StartRecord:
			if pending == nil {
				continue
			}
			delete(pending, r.TxnID())
			if len(pending) == 0 {
				return undone, nil
			}
		default:
			if _, ok := finished[rec.TxnID()]; ok {
				continue
			}
			if err := rec.Undo(ctx, m.txnID, m.pool); err != nil {
				return undone, err
			}
			undone++
		}
	}

	return undone, nil
}

func nextRecord(it *wal.Iterator) (LogRecord, error) {
	raw, err := it.Next()
	if err != nil {
		return nil, err
	}
	return ReadLogRecord(raw)
}

func (m *Manager) append(rec LogRecord) (common.LSN, error) {
	data, err := rec.MarshalBinary()
	if err != nil {
		return common.NilLSN, fmt.Errorf("failed to serialize %v: %w", rec.Type(), err)
	}

	lsn, err := m.wal.Append(data)
	if err != nil {
		return common.NilLSN, fmt.Errorf("failed to append %v: %w", rec.Type(), err)
	}

	return lsn, nil
}

func (m *Manager) appendAndFlush(rec LogRecord) error {
	lsn, err := m.append(rec)
	if err != nil {
		return err
	}
	if err := m.wal.Flush(lsn); err != nil {
		return fmt.Errorf("failed to flush %v: %w", rec.Type(), err)
	}
	return nil
}

func (m *Manager) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithAttributes(attribute.Int("txn", int(m.txnID))))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Checkpoint forces every dirty page and writes a durable NQ checkpoint
// listing active, or a quiescent one when active is empty. New transactions
// must not start while it runs.
func Checkpoint(
	ctx context.Context,
	lm LogManager,
	pool BufferPool,
	active []common.TxnID,
) (lsn common.LSN, err error) {
	_, span := tracer().Start(ctx, "recovery.Checkpoint", trace.WithAttributes(
		attribute.Int("active", len(active)),
	))
	defer func() { endSpan(span, err) }()

	if err := pool.FlushAllDirty(); err != nil {
		return common.NilLSN, err
	}

	var rec LogRecord = NewNQCheckpointRecord(active)
	if len(active) == 0 {
		rec = NewCheckpointRecord()
	}

	data, err := rec.MarshalBinary()
	if err != nil {
		return common.NilLSN, fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	lsn, err = lm.Append(data)
	if err != nil {
		return common.NilLSN, fmt.Errorf("failed to append checkpoint: %w", err)
	}
	if err := lm.Flush(lsn); err != nil {
		return common.NilLSN, fmt.Errorf("failed to flush checkpoint: %w", err)
	}

	return lsn, nil
}
