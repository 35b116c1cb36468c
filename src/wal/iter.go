package wal

import (
	"errors"
	"fmt"
	"io"

	"github.com/Blackdeer1524/BlockDB/src/pkg/common"
	"github.com/Blackdeer1524/BlockDB/src/storage/page"
)

var ErrCorruptedLog = errors.New("corrupted log block")

// Iterator walks the log from the most recent record back to the first one.
// It owns a private page and never touches the log manager's state.
type Iterator struct {
	fs    common.FileStore
	block common.BlockID
	page  *page.Page
	pos   int
}

func newIterator(fs common.FileStore, start common.BlockID) (*Iterator, error) {
	it := &Iterator{
		fs:   fs,
		page: page.New(fs.BlockSize()),
	}

	if err := it.moveToBlock(start); err != nil {
		return nil, err
	}

	return it, nil
}

func (it *Iterator) HasNext() bool {
	return it.pos < it.fs.BlockSize() || it.block.Num > 0
}

// Next returns the next (older) record. io.EOF signals the start of the log.
func (it *Iterator) Next() ([]byte, error) {
	for it.pos >= it.fs.BlockSize() {
		if it.block.Num == 0 {
			return nil, io.EOF
		}

		prev := common.NewBlockID(it.block.FileName, it.block.Num-1)
		if err := it.moveToBlock(prev); err != nil {
			return nil, err
		}
	}

	rec, err := it.page.Bytes(it.pos)
	if err != nil {
		return nil, fmt.Errorf("%w %v at %d: %w", ErrCorruptedLog, it.block, it.pos, err)
	}

	it.pos += page.Int32Size + len(rec)

	return rec, nil
}

func (it *Iterator) moveToBlock(blk common.BlockID) error {
	if err := it.fs.ReadBlock(blk, it.page); err != nil {
		return fmt.Errorf("failed to read log block %v: %w", blk, err)
	}

	boundary, err := it.page.Int(boundaryOffset)
	if err != nil {
		return err
	}

	it.block = blk

	// a zeroed block was extended by a crashed rollover and holds no records
	if boundary == 0 {
		it.pos = it.fs.BlockSize()
		return nil
	}

	if int(boundary) < page.Int32Size || int(boundary) > it.fs.BlockSize() {
		return fmt.Errorf("%w %v: boundary %d", ErrCorruptedLog, blk, boundary)
	}

	it.pos = int(boundary)

	return nil
}
