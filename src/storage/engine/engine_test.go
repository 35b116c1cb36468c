package engine

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Blackdeer1524/BlockDB/src/cfg"
	"github.com/Blackdeer1524/BlockDB/src/pkg/common"
	"github.com/Blackdeer1524/BlockDB/src/recovery"
	"github.com/Blackdeer1524/BlockDB/src/transactions"
)

func testConfig() cfg.Config {
	return cfg.Config{
		Environment:    cfg.EnvDev,
		DataDir:        "/data",
		LogFile:        "blockdb.log",
		BlockSize:      400,
		BufferPoolSize: 8,
		WaitTimeoutMs:  1000,
	}
}

func open(t *testing.T, fs afero.Fs) *Engine {
	t.Helper()

	e, err := Open(context.Background(), testConfig(), fs, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	return e
}

func write(t *testing.T, tx *transactions.Transaction, blk common.BlockID, offset int, val int32) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, tx.Pin(ctx, blk))
	require.NoError(t, tx.SetInt(ctx, blk, offset, val, true))
}

func read(t *testing.T, e *Engine, blk common.BlockID, offset int) int32 {
	t.Helper()
	ctx := context.Background()

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Pin(ctx, blk))

	v, err := tx.GetInt(ctx, blk, offset)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	return v
}

func TestOpen_CleanShutdownAndReopen(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()
	blk := common.NewBlockID("accounts", 0)

	e := open(t, fs)

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	write(t, tx, blk, 12, 5)
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, e.Close())

	e = open(t, fs)
	defer func() { require.NoError(t, e.Close()) }()

	assert.Equal(t, int32(5), read(t, e, blk, 12))

	var types []recovery.LogRecordTypeTag
	require.NoError(t, e.ScanLog(func(rec recovery.LogRecord) error {
		types = append(types, rec.Type())
		return nil
	}))
	require.NotEmpty(t, types)
	assert.Contains(t, types, recovery.TypeCheckpoint)
}

func TestOpen_RecoversAfterCrash(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()
	blk := common.NewBlockID("accounts", 1)

	e := open(t, fs)

	committed, err := e.Begin(ctx)
	require.NoError(t, err)
	write(t, committed, blk, 12, 5)
	require.NoError(t, committed.Commit(ctx))

	uncommitted, err := e.Begin(ctx)
	require.NoError(t, err)
	write(t, uncommitted, blk, 12, 9)

	// pages reach disk but the transaction never finishes
	_, err = e.Checkpoint(ctx)
	require.NoError(t, err)

	e = open(t, fs)
	defer func() { require.NoError(t, e.Close()) }()

	assert.Equal(t, int32(5), read(t, e, blk, 12))
	assert.Empty(t, e.Active())
}

func TestOpen_InvalidConfig(t *testing.T) {
	c := testConfig()
	c.BufferPoolSize = 0

	_, err := Open(context.Background(), c, afero.NewMemMapFs(), zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestBufferStatusReportsPins(t *testing.T) {
	e := open(t, afero.NewMemMapFs())
	ctx := context.Background()
	blk := common.NewBlockID("accounts", 0)

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Pin(ctx, blk))

	st := e.BufferStatus()
	pinned := 0
	for _, f := range st.Frames {
		if f.PinCount > 0 {
			pinned++
			assert.Equal(t, blk, f.Block)
		}
	}
	assert.Equal(t, 1, pinned)

	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, e.Close())
}
