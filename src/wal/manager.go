package wal

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Blackdeer1524/BlockDB/src"
	"github.com/Blackdeer1524/BlockDB/src/pkg/assert"
	"github.com/Blackdeer1524/BlockDB/src/pkg/common"
	"github.com/Blackdeer1524/BlockDB/src/storage/page"
)

var ErrRecordTooLarge = errors.New("log record does not fit into a log block")

// boundaryOffset holds the offset of the most recently appended record.
// Records grow from the end of the block towards the header:
//
//	| boundary | free space ... | rec_n | ... | rec_2 | rec_1 |
//	     |____________________________^
//
// every record is a length-prefixed byte sequence, so walking forward
// from the boundary visits records newest first.
const boundaryOffset = 0

// Manager is an append-only write-ahead log over a single file.
type Manager struct {
	fs      common.FileStore
	logfile string
	log     src.Logger

	mu           sync.Mutex
	logPage      *page.Page
	currentBlock common.BlockID
	latestLSN    common.LSN
	lastSavedLSN common.LSN
}

var _ common.LogFlusher = &Manager{}

func New(fs common.FileStore, logfile string, log src.Logger) (*Manager, error) {
	m := &Manager{
		fs:      fs,
		logfile: logfile,
		log:     log,
		logPage: page.New(fs.BlockSize()),
	}

	size, err := fs.Size(logfile)
	if err != nil {
		return nil, fmt.Errorf("failed to get log size: %w", err)
	}

	if size == 0 {
		if err := m.appendNewBlock(); err != nil {
			return nil, err
		}

		return m, nil
	}

	m.currentBlock = common.NewBlockID(logfile, size-1)
	if err := fs.ReadBlock(m.currentBlock, m.logPage); err != nil {
		return nil, fmt.Errorf("failed to read log tail %v: %w", m.currentBlock, err)
	}

	boundary, err := m.boundary()
	if err != nil {
		return nil, err
	}

	// a zeroed tail is a block that was extended but never formatted
	if boundary == 0 {
		log.Warnw("reformatting unformatted log tail", "block", m.currentBlock)

		m.logPage = m.newLogPage()
		if err := m.flush(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Append adds a record to the log and returns its LSN.
// The record is not durable until Flush is called with that LSN (or later).
func (m *Manager) Append(rec []byte) (common.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	needed := len(rec) + page.Int32Size
	if needed+page.Int32Size > m.fs.BlockSize() {
		return common.NilLSN, fmt.Errorf(
			"%w: %d bytes, block size %d",
			ErrRecordTooLarge,
			len(rec),
			m.fs.BlockSize(),
		)
	}

	boundary, err := m.boundary()
	if err != nil {
		return common.NilLSN, err
	}

	if needed+page.Int32Size > boundary {
		if err := m.flush(); err != nil {
			return common.NilLSN, err
		}

		if err := m.appendNewBlock(); err != nil {
			return common.NilLSN, err
		}

		m.log.Debugw("log moved to a new block", "block", m.currentBlock)

		boundary = m.fs.BlockSize()
	}

	recpos := boundary - needed
	if err := m.logPage.SetBytes(recpos, rec); err != nil {
		return common.NilLSN, err
	}

	//nolint:gosec
	if err := m.logPage.SetInt(boundaryOffset, int32(recpos)); err != nil {
		return common.NilLSN, err
	}

	m.latestLSN++

	return m.latestLSN, nil
}

// Flush makes every record up to lsn durable.
func (m *Manager) Flush(lsn common.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lsn > m.lastSavedLSN {
		return m.flush()
	}

	return nil
}

// Iterator returns an iterator over all records, newest first.
// Every record appended so far is flushed first.
func (m *Manager) Iterator() (*Iterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.flush(); err != nil {
		return nil, err
	}

	return newIterator(m.fs, m.currentBlock)
}

func (m *Manager) LatestLSN() common.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.latestLSN
}

func (m *Manager) LastSavedLSN() common.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastSavedLSN
}

func (m *Manager) boundary() (int, error) {
	b, err := m.logPage.Int(boundaryOffset)
	if err != nil {
		return 0, err
	}

	return int(b), nil
}

func (m *Manager) flush() error {
	if err := m.fs.WriteBlock(m.currentBlock, m.logPage); err != nil {
		return fmt.Errorf("failed to flush log block %v: %w", m.currentBlock, err)
	}

	m.lastSavedLSN = m.latestLSN

	return nil
}

func (m *Manager) newLogPage() *page.Page {
	p := page.New(m.fs.BlockSize())

	//nolint:gosec
	assert.NoError(p.SetInt(boundaryOffset, int32(m.fs.BlockSize())))

	return p
}

// appendNewBlock persists a formatted block at the end of the log with a
// single write and makes it current. On failure the current block is kept.
func (m *Manager) appendNewBlock() error {
	size, err := m.fs.Size(m.logfile)
	if err != nil {
		return fmt.Errorf("failed to get log size: %w", err)
	}

	blk := common.NewBlockID(m.logfile, size)
	p := m.newLogPage()
	if err := m.fs.WriteBlock(blk, p); err != nil {
		return fmt.Errorf("failed to append log block %v: %w", blk, err)
	}

	m.currentBlock = blk
	m.logPage = p

	return nil
}
