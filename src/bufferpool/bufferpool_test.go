package bufferpool

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/BlockDB/src/pkg/common"
	"github.com/Blackdeer1524/BlockDB/src/storage/disk"
	"github.com/Blackdeer1524/BlockDB/src/storage/page"
)

const testFile = "testfile"

func newTestPool(
	t *testing.T,
	size uint64,
	maxWait time.Duration,
) (*Manager, *disk.Manager, *MockLogFlusher) {
	t.Helper()

	fs, err := disk.New("/db", 400, afero.NewMemMapFs())
	require.NoError(t, err)

	wal := new(MockLogFlusher)
	wal.On("Flush", mock.Anything).Return(nil)

	m, err := New(size, NewLRUReplacer(size), fs, wal, maxWait, zap.NewNop().Sugar())
	require.NoError(t, err)

	return m, fs, wal
}

func blk(n int) common.BlockID {
	return common.NewBlockID(testFile, n)
}

func TestPin_SameBlockSharesBuffer(t *testing.T) {
	m, _, _ := newTestPool(t, 3, time.Second)
	ctx := context.Background()

	b1, err := m.Pin(ctx, blk(0))
	require.NoError(t, err)
	b2, err := m.Pin(ctx, blk(0))
	require.NoError(t, err)

	assert.Same(t, b1, b2)
	assert.Equal(t, 2, m.Available())

	m.Unpin(b1)
	assert.Equal(t, 2, m.Available())

	m.Unpin(b2)
	assert.Equal(t, 3, m.Available())
}

func TestPin_TimesOutWhenPoolExhausted(t *testing.T) {
	m, _, _ := newTestPool(t, 3, 50*time.Millisecond)
	ctx := context.Background()

	pinned := make([]*Buffer, 0, 3)
	for i := range 3 {
		b, err := m.Pin(ctx, blk(i))
		require.NoError(t, err)
		pinned = append(pinned, b)
	}
	assert.Equal(t, 0, m.Available())

	start := time.Now()
	_, err := m.Pin(ctx, blk(3))
	assert.ErrorIs(t, err, ErrBufferTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	m.Unpin(pinned[1])
	b, err := m.Pin(ctx, blk(3))
	require.NoError(t, err)
	assert.Equal(t, blk(3), b.Block())
	assert.Equal(t, pinned[1].ID(), b.ID())
}

func TestPin_WaiterWakesOnUnpin(t *testing.T) {
	m, _, _ := newTestPool(t, 1, 5*time.Second)
	ctx := context.Background()

	b0, err := m.Pin(ctx, blk(0))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		b, err := m.Pin(ctx, blk(1))
		if err == nil {
			m.Unpin(b)
		}
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	m.Unpin(b0)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken up")
	}
}

func TestPin_ContextCancel(t *testing.T) {
	m, _, _ := newTestPool(t, 1, 5*time.Second)

	_, err := m.Pin(context.Background(), blk(0))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = m.Pin(ctx, blk(1))
	assert.ErrorIs(t, err, ErrBufferTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEviction_FlushesLogBeforeWritingPage(t *testing.T) {
	m, fs, wal := newTestPool(t, 1, time.Second)
	ctx := context.Background()

	b, err := m.Pin(ctx, blk(0))
	require.NoError(t, err)

	b.Lock()
	require.NoError(t, b.Contents().SetInt(80, 42))
	b.SetModified(1, 7)
	b.Unlock()
	m.Unpin(b)

	b, err = m.Pin(ctx, blk(1))
	require.NoError(t, err)
	m.Unpin(b)

	wal.AssertCalled(t, "Flush", common.LSN(7))

	p := page.New(fs.BlockSize())
	require.NoError(t, fs.ReadBlock(blk(0), p))
	v, err := p.Int(80)
	require.NoError(t, err)
	assert.Equal(t, int32(42), v)
}

func TestEviction_CleanBufferIsNotWritten(t *testing.T) {
	m, fs, wal := newTestPool(t, 1, time.Second)
	ctx := context.Background()

	for i := range 4 {
		b, err := m.Pin(ctx, blk(i))
		require.NoError(t, err)
		m.Unpin(b)
	}

	assert.Equal(t, uint64(0), fs.Stats().BlocksWritten)
	wal.AssertNotCalled(t, "Flush", mock.Anything)
}

func TestSetModified_NegativeLSNKeepsPrevious(t *testing.T) {
	m, _, _ := newTestPool(t, 1, time.Second)

	b, err := m.Pin(context.Background(), blk(0))
	require.NoError(t, err)
	defer m.Unpin(b)

	b.Lock()
	defer b.Unlock()

	b.SetModified(3, 10)
	b.SetModified(3, common.NilLSN)
	assert.Equal(t, common.LSN(10), b.LSN())
	assert.Equal(t, common.TxnID(3), b.ModifyingTxn())
}

func TestFlushAll_OnlyTransactionBuffers(t *testing.T) {
	m, fs, _ := newTestPool(t, 3, time.Second)
	ctx := context.Background()

	b0, err := m.Pin(ctx, blk(0))
	require.NoError(t, err)
	b1, err := m.Pin(ctx, blk(1))
	require.NoError(t, err)

	b0.Lock()
	require.NoError(t, b0.Contents().SetInt(0, 1))
	b0.SetModified(1, 1)
	b0.Unlock()

	b1.Lock()
	require.NoError(t, b1.Contents().SetInt(0, 2))
	b1.SetModified(2, 2)
	b1.Unlock()

	// pinned buffers are flushed too
	require.NoError(t, m.FlushAll(1))
	assert.Equal(t, uint64(1), fs.Stats().BlocksWritten)

	b0.RLock()
	assert.Equal(t, common.NilTxnID, b0.ModifyingTxn())
	b0.RUnlock()

	require.NoError(t, m.FlushAllDirty())
	assert.Equal(t, uint64(2), fs.Stats().BlocksWritten)

	require.NoError(t, m.FlushAllDirty())
	assert.Equal(t, uint64(2), fs.Stats().BlocksWritten)
}

func TestPin_ReadErrorReturnsFrame(t *testing.T) {
	store := new(MockFileStore)
	store.On("BlockSize").Return(400)
	store.On("ReadBlock", blk(0), mock.Anything).Return(assert.AnError).Once()
	store.On("ReadBlock", blk(0), mock.Anything).Return(nil)

	m, err := New(1, NewLRUReplacer(1), store, new(MockLogFlusher), time.Second, zap.NewNop().Sugar())
	require.NoError(t, err)

	_, err = m.Pin(context.Background(), blk(0))
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, m.Available())

	b, err := m.Pin(context.Background(), blk(0))
	require.NoError(t, err)
	assert.Equal(t, blk(0), b.Block())
}

func TestStatus(t *testing.T) {
	m, _, _ := newTestPool(t, 2, time.Second)
	ctx := context.Background()

	b0, err := m.Pin(ctx, blk(0))
	require.NoError(t, err)
	b1, err := m.Pin(ctx, blk(1))
	require.NoError(t, err)
	m.Unpin(b1)

	st := m.Status()
	require.Len(t, st.Frames, 2)

	byID := map[uint64]FrameStatus{}
	for _, f := range st.Frames {
		byID[f.FrameID] = f
	}

	assert.True(t, byID[b0.ID()].Bound)
	assert.Equal(t, blk(0), byID[b0.ID()].Block)
	assert.Equal(t, 1, byID[b0.ID()].PinCount)
	assert.Equal(t, 0, byID[b1.ID()].PinCount)
	assert.Equal(t, []uint64{b1.ID()}, st.Unpinned)
}

func TestUnpin_NotPinnedPanics(t *testing.T) {
	m, _, _ := newTestPool(t, 1, time.Second)

	b, err := m.Pin(context.Background(), blk(0))
	require.NoError(t, err)
	m.Unpin(b)

	assert.Panics(t, func() { m.Unpin(b) })
}
