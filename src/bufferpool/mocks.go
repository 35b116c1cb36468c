package bufferpool

import (
	"github.com/stretchr/testify/mock"

	"github.com/Blackdeer1524/BlockDB/src/pkg/common"
	"github.com/Blackdeer1524/BlockDB/src/storage/page"
)

type MockFileStore struct {
	mock.Mock
}

var _ common.FileStore = &MockFileStore{}

func (m *MockFileStore) ReadBlock(blk common.BlockID, p *page.Page) error {
	args := m.Called(blk, p)
	return args.Error(0)
}

func (m *MockFileStore) WriteBlock(blk common.BlockID, p *page.Page) error {
	args := m.Called(blk, p)
	return args.Error(0)
}

func (m *MockFileStore) Append(fileName string) (common.BlockID, error) {
	args := m.Called(fileName)
	return args.Get(0).(common.BlockID), args.Error(1)
}

func (m *MockFileStore) Size(fileName string) (int, error) {
	args := m.Called(fileName)
	return args.Int(0), args.Error(1)
}

func (m *MockFileStore) BlockSize() int {
	args := m.Called()
	return args.Int(0)
}

type MockLogFlusher struct {
	mock.Mock
}

var _ common.LogFlusher = &MockLogFlusher{}

func (m *MockLogFlusher) Flush(lsn common.LSN) error {
	args := m.Called(lsn)
	return args.Error(0)
}

type MockReplacer struct {
	mock.Mock
}

var _ Replacer = &MockReplacer{}

func (m *MockReplacer) Pin(frameID uint64) {
	m.Called(frameID)
}

func (m *MockReplacer) Unpin(frameID uint64) {
	m.Called(frameID)
}

func (m *MockReplacer) ChooseVictim() (uint64, error) {
	args := m.Called()
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockReplacer) GetSize() uint64 {
	args := m.Called()
	return args.Get(0).(uint64)
}

func (m *MockReplacer) Snapshot() []uint64 {
	args := m.Called()
	return args.Get(0).([]uint64)
}
