package bufferpool

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/BlockDB/src/storage/disk"
)

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}

			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}

	return total
}

func TestPin_RecordsHitsMissesAndTimeouts(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { require.NoError(t, mp.Shutdown(context.Background())) }()

	fs, err := disk.New("/db", 400, afero.NewMemMapFs())
	require.NoError(t, err)

	wal := new(MockLogFlusher)
	wal.On("Flush", mock.Anything).Return(nil)

	m, err := New(
		1,
		NewLRUReplacer(1),
		fs,
		wal,
		20*time.Millisecond,
		zap.NewNop().Sugar(),
		WithMeterProvider(mp),
	)
	require.NoError(t, err)

	ctx := context.Background()

	b1, err := m.Pin(ctx, blk(0))
	require.NoError(t, err)
	b2, err := m.Pin(ctx, blk(0))
	require.NoError(t, err)

	_, err = m.Pin(ctx, blk(1))
	require.ErrorIs(t, err, ErrBufferTimeout)

	m.Unpin(b1)
	m.Unpin(b2)

	b3, err := m.Pin(ctx, blk(1))
	require.NoError(t, err)
	m.Unpin(b3)

	assert.Equal(t, int64(1), counterValue(t, reader, "bufferpool.pin.hits"))
	assert.Equal(t, int64(2), counterValue(t, reader, "bufferpool.pin.misses"))
	assert.Equal(t, int64(1), counterValue(t, reader, "bufferpool.pin.timeouts"))
}

func TestPin_CancelledWaitCountsAsTimeout(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { require.NoError(t, mp.Shutdown(context.Background())) }()

	fs, err := disk.New("/db", 400, afero.NewMemMapFs())
	require.NoError(t, err)

	m, err := New(
		1,
		NewLRUReplacer(1),
		fs,
		new(MockLogFlusher),
		time.Minute,
		zap.NewNop().Sugar(),
		WithMeterProvider(mp),
	)
	require.NoError(t, err)

	b, err := m.Pin(context.Background(), blk(0))
	require.NoError(t, err)
	defer m.Unpin(b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = m.Pin(ctx, blk(1))
	require.ErrorIs(t, err, ErrBufferTimeout)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, int64(1), counterValue(t, reader, "bufferpool.pin.timeouts"))
}
