package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Blackdeer1524/BlockDB/src"
	"github.com/Blackdeer1524/BlockDB/src/bufferpool"
	"github.com/Blackdeer1524/BlockDB/src/cfg"
	"github.com/Blackdeer1524/BlockDB/src/pkg/common"
	"github.com/Blackdeer1524/BlockDB/src/recovery"
	"github.com/Blackdeer1524/BlockDB/src/storage/disk"
	"github.com/Blackdeer1524/BlockDB/src/transactions"
	"github.com/Blackdeer1524/BlockDB/src/txns"
	"github.com/Blackdeer1524/BlockDB/src/wal"
)

// Engine wires the storage core together over a single data directory.
type Engine struct {
	log src.Logger

	disk  *disk.Manager
	wal   *wal.Manager
	pool  *bufferpool.Manager
	locks *txns.LockTable
	txns  *transactions.Manager
}

type Option func(*options)

type options struct {
	meterProvider metric.MeterProvider
}

// WithMeterProvider registers the buffer pool and lock table counters with mp.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// Open builds the engine on fs. If the data directory already existed the
// log is replayed before Open returns; a failed recovery fails Open.
func Open(
	ctx context.Context,
	c cfg.Config,
	fs afero.Fs,
	log src.Logger,
	opts ...Option,
) (*Engine, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	d, err := disk.New(c.DataDir, c.BlockSize, fs)
	if err != nil {
		return nil, fmt.Errorf("failed to open data dir: %w", err)
	}

	o := options{meterProvider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&o)
	}

	e, err := newEngine(c, d, log, o)
	if err != nil {
		return nil, errors.Join(err, d.Close())
	}

	if d.IsNew() {
		log.Infow("created new database", "dir", c.DataDir)
		return e, nil
	}

	log.Infow("recovering existing database", "dir", c.DataDir)
	if err := e.txns.Recover(ctx); err != nil {
		return nil, errors.Join(err, d.Close())
	}

	return e, nil
}

func newEngine(c cfg.Config, d *disk.Manager, log src.Logger, o options) (*Engine, error) {
	lm, err := wal.New(d, c.LogFile, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	poolSize := uint64(c.BufferPoolSize) //nolint:gosec

	pool, err := bufferpool.New(
		poolSize,
		bufferpool.NewLRUReplacer(poolSize),
		d,
		lm,
		c.WaitTimeout(),
		log,
		bufferpool.WithMeterProvider(o.meterProvider),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer pool: %w", err)
	}

	locks, err := txns.NewLockTable(
		c.WaitTimeout(),
		log,
		txns.WithMeterProvider(o.meterProvider),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock table: %w", err)
	}

	return &Engine{
		log:   log,
		disk:  d,
		wal:   lm,
		pool:  pool,
		locks: locks,
		txns:  transactions.NewManager(d, lm, pool, locks, log),
	}, nil
}

func (e *Engine) Begin(ctx context.Context) (*transactions.Transaction, error) {
	return e.txns.Begin(ctx)
}

func (e *Engine) Recover(ctx context.Context) error {
	return e.txns.Recover(ctx)
}

func (e *Engine) Checkpoint(ctx context.Context) (common.LSN, error) {
	return e.txns.Checkpoint(ctx)
}

// RunCheckpoints writes a checkpoint every interval until ctx is done.
func (e *Engine) RunCheckpoints(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Checkpoint(ctx); err != nil {
				return fmt.Errorf("periodic checkpoint: %w", err)
			}
		}
	}
}

func (e *Engine) Active() []common.TxnID {
	return e.txns.Active()
}

func (e *Engine) BufferStatus() bufferpool.Status {
	return e.pool.Status()
}

func (e *Engine) DiskStats() disk.Stats {
	return e.disk.Stats()
}

// ScanLog calls fn for every log record, newest first.
func (e *Engine) ScanLog(fn func(rec recovery.LogRecord) error) error {
	it, err := e.wal.Iterator()
	if err != nil {
		return err
	}

	for it.HasNext() {
		raw, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		rec, err := recovery.ReadLogRecord(raw)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}

	return nil
}

// Close flushes every dirty page. When no transaction is active the flush
// is recorded as a checkpoint so the next Open has nothing to undo.
func (e *Engine) Close() error {
	var err error
	if active := e.txns.Active(); len(active) == 0 {
		_, err = e.txns.Checkpoint(context.Background())
	} else {
		e.log.Warnw("closing with active transactions", "active", active)
		err = e.pool.FlushAllDirty()
	}

	return errors.Join(err, e.disk.Close())
}
