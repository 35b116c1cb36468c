package bufferpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Blackdeer1524/BlockDB/src"
	"github.com/Blackdeer1524/BlockDB/src/pkg/assert"
	"github.com/Blackdeer1524/BlockDB/src/pkg/common"
)

const DefaultMaxWait = 10 * time.Second

var ErrBufferTimeout = errors.New("timed out waiting for a free buffer")

type Replacer interface {
	Pin(frameID uint64)
	Unpin(frameID uint64)
	ChooseVictim() (uint64, error)
	GetSize() uint64
	Snapshot() []uint64
}

type FrameStatus struct {
	FrameID      uint64
	Bound        bool
	Block        common.BlockID
	PinCount     int
	ModifyingTxn common.TxnID
}

type Status struct {
	Frames []FrameStatus
	// Unpinned lists unpinned frames in eviction order.
	Unpinned []uint64
}

type Manager struct {
	log     src.Logger
	maxWait time.Duration

	mu           sync.Mutex
	buffers      []*Buffer
	blockToFrame map[common.BlockID]uint64
	emptyFrames  []uint64
	replacer     Replacer
	numAvailable int

	// released is closed and replaced every time a buffer becomes unpinned.
	released chan struct{}

	hits     metric.Int64Counter
	misses   metric.Int64Counter
	timeouts metric.Int64Counter
}

type Option func(*options)

type options struct {
	meterProvider metric.MeterProvider
}

// WithMeterProvider sets the provider the pool counters are registered with.
// The global provider is used by default.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

func New(
	poolSize uint64,
	replacer Replacer,
	fs common.FileStore,
	wal common.LogFlusher,
	maxWait time.Duration,
	log src.Logger,
	opts ...Option,
) (*Manager, error) {
	assert.Assert(poolSize > 0, "pool size must be greater than zero")
	assert.Assert(maxWait > 0, "max wait must be positive")

	buffers := make([]*Buffer, poolSize)
	emptyFrames := make([]uint64, poolSize)
	for i := range poolSize {
		buffers[i] = newBuffer(i, fs, wal)
		emptyFrames[i] = poolSize - 1 - i
	}

	m := &Manager{
		log:          log,
		maxWait:      maxWait,
		buffers:      buffers,
		blockToFrame: make(map[common.BlockID]uint64, poolSize),
		emptyFrames:  emptyFrames,
		replacer:     replacer,
		numAvailable: int(poolSize),
		released:     make(chan struct{}),
	}

	o := options{meterProvider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&o)
	}

	if err := m.initMetrics(o.meterProvider); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter("github.com/Blackdeer1524/BlockDB/src/bufferpool")

	var err error

	m.hits, err = meter.Int64Counter(
		"bufferpool.pin.hits",
		metric.WithDescription("pins served by an already assigned buffer"),
	)
	if err != nil {
		return fmt.Errorf("failed to create hits counter: %w", err)
	}

	m.misses, err = meter.Int64Counter(
		"bufferpool.pin.misses",
		metric.WithDescription("pins that had to read the block from disk"),
	)
	if err != nil {
		return fmt.Errorf("failed to create misses counter: %w", err)
	}

	m.timeouts, err = meter.Int64Counter(
		"bufferpool.pin.timeouts",
		metric.WithDescription("pins that gave up waiting for a free buffer"),
	)
	if err != nil {
		return fmt.Errorf("failed to create timeouts counter: %w", err)
	}

	return nil
}

// Pin returns a buffer holding blk, waiting up to the configured timeout
// for one to become free. Cancelling ctx is reported as ErrBufferTimeout.
func (m *Manager) Pin(ctx context.Context, blk common.BlockID) (*Buffer, error) {
	timer := time.NewTimer(m.maxWait)
	defer timer.Stop()

	expired := false
	for {
		m.mu.Lock()
		buf, err := m.tryToPin(ctx, blk)
		released := m.released
		m.mu.Unlock()

		if err != nil {
			return nil, err
		}
		if buf != nil {
			return buf, nil
		}
		if expired {
			m.timeouts.Add(ctx, 1)
			m.log.Warnw("buffer pin timed out", "block", blk.String(), "wait", m.maxWait)
			return nil, fmt.Errorf("%w: %v", ErrBufferTimeout, blk)
		}

		select {
		case <-released:
		case <-timer.C:
			// one last attempt before giving up
			expired = true
		case <-ctx.Done():
			m.timeouts.Add(context.WithoutCancel(ctx), 1)
			return nil, fmt.Errorf("%w: %v: %w", ErrBufferTimeout, blk, ctx.Err())
		}
	}
}

// tryToPin returns nil without an error if every buffer is pinned.
// The caller must hold m.mu.
func (m *Manager) tryToPin(ctx context.Context, blk common.BlockID) (*Buffer, error) {
	if frameID, ok := m.blockToFrame[blk]; ok {
		buf := m.buffers[frameID]
		m.pin(buf)
		m.hits.Add(ctx, 1)
		return buf, nil
	}

	frameID, ok, err := m.reserveFrame()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	buf := m.buffers[frameID]

	buf.Lock()
	err = buf.flush()
	if err == nil {
		if old, bound := buf.block.Get(); bound {
			delete(m.blockToFrame, old)
			m.log.Debugw("evicting buffer", "frame", frameID, "old", old.String(), "new", blk.String())
		}
		err = buf.assignToBlock(blk)
	}
	buf.Unlock()

	if err != nil {
		m.releaseFrame(buf)
		return nil, fmt.Errorf("failed to pin %v: %w", blk, err)
	}

	m.blockToFrame[blk] = frameID
	m.pin(buf)
	m.misses.Add(ctx, 1, metric.WithAttributes(attribute.String("file", blk.FileName)))

	return buf, nil
}

// reserveFrame prefers frames that were never assigned over evicting one.
func (m *Manager) reserveFrame() (uint64, bool, error) {
	if n := len(m.emptyFrames); n > 0 {
		id := m.emptyFrames[n-1]
		m.emptyFrames = m.emptyFrames[:n-1]
		return id, true, nil
	}

	id, err := m.replacer.ChooseVictim()
	if errors.Is(err, ErrNoVictim) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to choose victim: %w", err)
	}

	return id, true, nil
}

// releaseFrame hands a frame that failed to load back to the pool.
func (m *Manager) releaseFrame(buf *Buffer) {
	if _, bound := buf.block.Get(); bound {
		m.replacer.Unpin(buf.id)
		return
	}
	m.emptyFrames = append(m.emptyFrames, buf.id)
}

func (m *Manager) pin(buf *Buffer) {
	if buf.pins == 0 {
		m.replacer.Pin(buf.id)
		m.numAvailable--
	}
	buf.pins++
}

func (m *Manager) Unpin(buf *Buffer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	assert.Assert(buf.pins > 0, "buffer %d is not pinned", buf.id)

	buf.pins--
	if buf.pins > 0 {
		return
	}

	m.numAvailable++
	m.replacer.Unpin(buf.id)

	close(m.released)
	m.released = make(chan struct{})
}

// FlushAll writes every buffer modified by txnID, pinned or not.
func (m *Manager) FlushAll(txnID common.TxnID) error {
	return m.flushIf(func(b *Buffer) bool { return b.txnID == txnID })
}

// FlushAllDirty writes every modified buffer regardless of the transaction.
func (m *Manager) FlushAllDirty() error {
	return m.flushIf(func(b *Buffer) bool { return b.txnID != common.NilTxnID })
}

func (m *Manager) flushIf(pred func(b *Buffer) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, buf := range m.buffers {
		buf.Lock()
		var err error
		if pred(buf) {
			err = buf.flush()
		}
		buf.Unlock()

		if err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) Available() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.numAvailable
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		Frames:   make([]FrameStatus, 0, len(m.buffers)),
		Unpinned: m.replacer.Snapshot(),
	}

	for _, buf := range m.buffers {
		buf.RLock()
		fs := FrameStatus{
			FrameID:      buf.id,
			PinCount:     buf.pins,
			ModifyingTxn: buf.txnID,
		}
		fs.Block, fs.Bound = buf.block.Get()
		buf.RUnlock()

		st.Frames = append(st.Frames, fs)
	}

	return st
}
