package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/BlockDB/src/pkg/common"
	"github.com/Blackdeer1524/BlockDB/src/storage/page"
)

// TempFilePrefix marks scratch files that are removed on open.
const TempFilePrefix = "temp"

var (
	ErrBlockSizeMismatch = errors.New("page size does not match block size")
	ErrInvalidFileName   = errors.New("file name must stay inside the data directory")
)

type Stats struct {
	BlocksRead    uint64
	BlocksWritten uint64
}

// Manager is an afero-backed common.FileStore. Every file under basePath
// is a sequence of blockSize-byte blocks.
type Manager struct {
	fs        afero.Fs
	basePath  string
	blockSize int
	isNew     bool

	mu    sync.Mutex
	files map[string]afero.File
	stats Stats
}

var _ common.FileStore = &Manager{}

func New(basePath string, blockSize int, fs afero.Fs) (*Manager, error) {
	if blockSize <= page.Int32Size {
		return nil, fmt.Errorf("block size %d is too small", blockSize)
	}

	exists, err := afero.DirExists(fs, basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to check existence of %s: %w", basePath, err)
	}

	if !exists {
		if err := fs.MkdirAll(basePath, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", basePath, err)
		}
	}

	entries, err := afero.ReadDir(fs, basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", basePath, err)
	}

	for _, e := range entries {
		if strings.HasPrefix(e.Name(), TempFilePrefix) {
			if err := fs.Remove(filepath.Join(basePath, e.Name())); err != nil {
				return nil, fmt.Errorf("failed to remove temp file %s: %w", e.Name(), err)
			}
		}
	}

	return &Manager{
		fs:        fs,
		basePath:  basePath,
		blockSize: blockSize,
		isNew:     !exists,
		files:     map[string]afero.File{},
	}, nil
}

// IsNew reports whether the database directory was created by New.
func (m *Manager) IsNew() bool {
	return m.isNew
}

func (m *Manager) BlockSize() int {
	return m.blockSize
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stats
}

func (m *Manager) ReadBlock(blk common.BlockID, p *page.Page) error {
	if p.Size() != m.blockSize {
		return fmt.Errorf("%w: %d != %d", ErrBlockSizeMismatch, p.Size(), m.blockSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.getFile(blk.FileName)
	if err != nil {
		return err
	}

	data := p.GetData()
	n, err := f.ReadAt(data, m.offset(blk))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read block %v: %w", blk, err)
	}

	// blocks past the end of the file read as zeroes
	clear(data[n:])
	m.stats.BlocksRead++

	return nil
}

func (m *Manager) WriteBlock(blk common.BlockID, p *page.Page) error {
	if p.Size() != m.blockSize {
		return fmt.Errorf("%w: %d != %d", ErrBlockSizeMismatch, p.Size(), m.blockSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.getFile(blk.FileName)
	if err != nil {
		return err
	}

	if _, err := f.WriteAt(p.GetData(), m.offset(blk)); err != nil {
		return fmt.Errorf("failed to write block %v: %w", blk, err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", blk.FileName, err)
	}

	m.stats.BlocksWritten++

	return nil
}

// Append extends fileName by one zeroed block and returns its id.
func (m *Manager) Append(fileName string) (common.BlockID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.getFile(fileName)
	if err != nil {
		return common.BlockID{}, err
	}

	size, err := m.size(f)
	if err != nil {
		return common.BlockID{}, err
	}

	blk := common.NewBlockID(fileName, size)
	if _, err := f.WriteAt(make([]byte, m.blockSize), m.offset(blk)); err != nil {
		return common.BlockID{}, fmt.Errorf("failed to append block to %s: %w", fileName, err)
	}

	if err := f.Sync(); err != nil {
		return common.BlockID{}, fmt.Errorf("failed to sync %s: %w", fileName, err)
	}

	m.stats.BlocksWritten++

	return blk, nil
}

// Size returns the number of blocks in fileName.
func (m *Manager) Size(fileName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.getFile(fileName)
	if err != nil {
		return 0, err
	}

	return m.size(f)
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	for name, f := range m.files {
		err = errors.Join(err, f.Close())
		delete(m.files, name)
	}

	return err
}

func (m *Manager) offset(blk common.BlockID) int64 {
	return int64(blk.Num) * int64(m.blockSize)
}

func (m *Manager) size(f afero.File) (int, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", f.Name(), err)
	}

	return int(info.Size() / int64(m.blockSize)), nil
}

func (m *Manager) getFile(fileName string) (afero.File, error) {
	if f, ok := m.files[fileName]; ok {
		return f, nil
	}

	if !filepath.IsLocal(fileName) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFileName, fileName)
	}

	path := filepath.Join(m.basePath, fileName)
	f, err := m.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}

	m.files[fileName] = f

	return f, nil
}
