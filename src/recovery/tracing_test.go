package recovery

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)

	t.Cleanup(func() {
		otel.SetTracerProvider(noop.NewTracerProvider())
		require.NoError(t, tp.Shutdown(context.Background()))
	})

	return sr
}

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSpans_CoverTerminalOperations(t *testing.T) {
	sr := recordSpans(t)

	fs := afero.NewMemMapFs()
	ctx := context.Background()

	e := openEnv(t, fs)

	committed := e.begin(t, 1)
	e.setInt(t, committed, blk(0), 0, 5)
	require.NoError(t, committed.Commit(ctx))

	aborted := e.begin(t, 2)
	e.setInt(t, aborted, blk(0), 0, 6)
	require.NoError(t, aborted.Rollback(ctx))

	_, err := Checkpoint(ctx, e.wal, e.pool, nil)
	require.NoError(t, err)

	unfinished := e.begin(t, 3)
	e.setInt(t, unfinished, blk(1), 0, 7)
	require.NoError(t, e.pool.FlushAll(3))

	e = openEnv(t, fs)
	require.NoError(t, e.begin(t, 1).Recover(ctx))

	spans := sr.Ended()
	names := make([]string, 0, len(spans))
	for _, s := range spans {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{
		"recovery.Commit",
		"recovery.Rollback",
		"recovery.Checkpoint",
		"recovery.Recover",
	}, names)

	txn, ok := spanAttr(spans[1], "txn")
	require.True(t, ok)
	assert.Equal(t, int64(2), txn.AsInt64())

	undone, ok := spanAttr(spans[3], "undone")
	require.True(t, ok)
	assert.Equal(t, int64(1), undone.AsInt64())
}

func TestSpans_RecordRecoveryFailure(t *testing.T) {
	sr := recordSpans(t)

	fs := afero.NewMemMapFs()
	e := openEnv(t, fs)

	lsn, err := e.wal.Append([]byte{0, 0, 0, 42})
	require.NoError(t, err)
	require.NoError(t, e.wal.Flush(lsn))

	e = openEnv(t, fs)
	require.ErrorIs(t, e.begin(t, 1).Recover(context.Background()), ErrMalformedRecord)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "recovery.Recover", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}
