package transactions

import (
	"context"

	"github.com/Blackdeer1524/BlockDB/src/bufferpool"
	"github.com/Blackdeer1524/BlockDB/src/pkg/assert"
	"github.com/Blackdeer1524/BlockDB/src/pkg/common"
	"github.com/Blackdeer1524/BlockDB/src/recovery"
)

// bufferList tracks the buffers one transaction has pinned. A block pinned
// several times is unpinned the same number of times.
type bufferList struct {
	pool    recovery.BufferPool
	buffers map[common.BlockID]*bufferpool.Buffer
	pins    map[common.BlockID]int
}

func newBufferList(pool recovery.BufferPool) *bufferList {
	return &bufferList{
		pool:    pool,
		buffers: make(map[common.BlockID]*bufferpool.Buffer),
		pins:    make(map[common.BlockID]int),
	}
}

func (l *bufferList) buffer(blk common.BlockID) (*bufferpool.Buffer, bool) {
	buf, ok := l.buffers[blk]
	return buf, ok
}

func (l *bufferList) pin(ctx context.Context, blk common.BlockID) error {
	buf, err := l.pool.Pin(ctx, blk)
	if err != nil {
		return err
	}

	l.buffers[blk] = buf
	l.pins[blk]++

	return nil
}

func (l *bufferList) unpin(blk common.BlockID) {
	buf, ok := l.buffers[blk]
	assert.Assert(ok, "block %v is not pinned", blk)

	l.pool.Unpin(buf)

	l.pins[blk]--
	if l.pins[blk] == 0 {
		delete(l.pins, blk)
		delete(l.buffers, blk)
	}
}

func (l *bufferList) unpinAll() {
	for blk, n := range l.pins {
		buf := l.buffers[blk]
		for range n {
			l.pool.Unpin(buf)
		}
	}

	clear(l.buffers)
	clear(l.pins)
}
