package disk

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/BlockDB/src/pkg/common"
	"github.com/Blackdeer1524/BlockDB/src/storage/page"
)

const testBlockSize = 400

func TestWriteReadBlock(t *testing.T) {
	fs := afero.NewMemMapFs()
	m, err := New("/db", testBlockSize, fs)
	require.NoError(t, err)
	require.True(t, m.IsNew())

	blk := common.NewBlockID("testfile", 2)

	p1 := page.New(m.BlockSize())
	require.NoError(t, p1.SetString(88, "abcdefghijklm"))
	require.NoError(t, p1.SetInt(88+page.MaxLength(13), 345))
	require.NoError(t, m.WriteBlock(blk, p1))

	p2 := page.New(m.BlockSize())
	require.NoError(t, m.ReadBlock(blk, p2))

	s, err := p2.String(88)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghijklm", s)

	n, err := p2.Int(88 + page.MaxLength(13))
	require.NoError(t, err)
	assert.Equal(t, int32(345), n)

	size, err := m.Size("testfile")
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.BlocksRead)
	assert.Equal(t, uint64(1), stats.BlocksWritten)
}

func TestReadPastEndIsZeroed(t *testing.T) {
	m, err := New("/db", testBlockSize, afero.NewMemMapFs())
	require.NoError(t, err)

	p := page.New(testBlockSize)
	require.NoError(t, p.SetInt(0, 77))

	require.NoError(t, m.ReadBlock(common.NewBlockID("empty", 5), p))

	v, err := p.Int(0)
	require.NoError(t, err)
	assert.Equal(t, int32(0), v)
}

func TestAppendGrowsFile(t *testing.T) {
	m, err := New("/db", testBlockSize, afero.NewMemMapFs())
	require.NoError(t, err)

	for i := range 3 {
		blk, err := m.Append("tbl")
		require.NoError(t, err)
		assert.Equal(t, common.NewBlockID("tbl", i), blk)
	}

	size, err := m.Size("tbl")
	require.NoError(t, err)
	assert.Equal(t, 3, size)
}

func TestReopenIsNotNewAndDropsTempFiles(t *testing.T) {
	fs := afero.NewMemMapFs()

	m, err := New("/db", testBlockSize, fs)
	require.NoError(t, err)

	_, err = m.Append("data")
	require.NoError(t, err)
	_, err = m.Append(TempFilePrefix + "1")
	require.NoError(t, err)
	require.NoError(t, m.Close())

	m, err = New("/db", testBlockSize, fs)
	require.NoError(t, err)
	assert.False(t, m.IsNew())

	ok, err := afero.Exists(fs, "/db/"+TempFilePrefix+"1")
	require.NoError(t, err)
	assert.False(t, ok)

	size, err := m.Size("data")
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestPageSizeMismatch(t *testing.T) {
	m, err := New("/db", testBlockSize, afero.NewMemMapFs())
	require.NoError(t, err)

	err = m.WriteBlock(common.NewBlockID("f", 0), page.New(testBlockSize+1))
	require.ErrorIs(t, err, ErrBlockSizeMismatch)
}

func BenchmarkDiskManager(b *testing.B) {
	m, err := New(b.TempDir(), 4096, afero.NewOsFs())
	require.NoError(b, err)
	defer m.Close()

	p := page.New(4096)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		require.NoError(b, m.WriteBlock(common.NewBlockID("bench", i%64), p))
	}
}

func TestRejectsNamesOutsideBaseDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	m, err := New("/db/data", testBlockSize, fs)
	require.NoError(t, err)

	p := page.New(testBlockSize)
	for _, name := range []string{"../escape", "/etc/passwd", "a/../../b", ""} {
		t.Run(name, func(t *testing.T) {
			err := m.ReadBlock(common.NewBlockID(name, 0), p)
			assert.ErrorIs(t, err, ErrInvalidFileName)

			_, err = m.Append(name)
			assert.ErrorIs(t, err, ErrInvalidFileName)

			_, err = m.Size(name)
			assert.ErrorIs(t, err, ErrInvalidFileName)
		})
	}

	exists, err := afero.Exists(fs, "/db/escape")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = m.Append("nested/../tbl")
	require.NoError(t, err)
	exists, err = afero.Exists(fs, "/db/data/tbl")
	require.NoError(t, err)
	assert.True(t, exists)
}
