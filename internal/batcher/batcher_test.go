package batcher

import (
	"context"
	"testing"
	"time"

	"github.com/litetable/litetable-db/internal/oplog"
	"github.com/litetable/litetable-db/internal/oplogbuffer"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func newBuf(t *testing.T, cap int) *oplogbuffer.Buffer {
	t.Helper()
	b, err := oplogbuffer.New(&oplogbuffer.Config{Capacity: cap})
	require.NoError(t, err)
	return b
}

func crudEntry(t uint32, ns string) *oplog.Entry {
	return &oplog.Entry{
		OpTime:  oplog.OpTime{Timestamp: primitive.Timestamp{T: t}, Term: 1},
		OpType:  oplog.OpTypeInsert,
		NS:      ns,
		Version: 2,
	}
}

func commandEntry(t uint32, ns string, ct oplog.CommandType) *oplog.Entry {
	e := crudEntry(t, ns)
	e.OpType = oplog.OpTypeCommand
	e.CommandType = ct
	return e
}

func TestFillBatchStopsOnMaxOps(t *testing.T) {
	buf := newBuf(t, 10)
	for i := uint32(1); i <= 5; i++ {
		require.NoError(t, buf.TryPush(crudEntry(i, "test.foo")))
	}

	b, err := New(&Config{
		Buffer:    buf,
		Limits:    BatchLimits{MaxOps: 3, MaxBytes: 1 << 20},
		EmptyWait: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	batch, err := b.fillBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Entries, 3)
}

func TestFillBatchIsolatesCommand(t *testing.T) {
	buf := newBuf(t, 10)
	require.NoError(t, buf.TryPush(crudEntry(1, "test.foo")))
	require.NoError(t, buf.TryPush(commandEntry(2, "test.foo", oplog.CommandCreateIndexes)))
	require.NoError(t, buf.TryPush(crudEntry(3, "test.foo")))

	b, err := New(&Config{
		Buffer:    buf,
		Limits:    BatchLimits{MaxOps: 100, MaxBytes: 1 << 20},
		EmptyWait: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	first, err := b.fillBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Entries, 1)

	second, err := b.fillBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, second.Entries, 1)
	require.Equal(t, oplog.CommandCreateIndexes, second.Entries[0].CommandType)

	third, err := b.fillBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, third.Entries, 1)
}

func TestFillBatchUnpreparedCommitBatchesFreely(t *testing.T) {
	buf := newBuf(t, 10)
	require.NoError(t, buf.TryPush(crudEntry(1, "test.foo")))
	require.NoError(t, buf.TryPush(commandEntry(2, "test.foo", oplog.CommandCommitTransaction)))
	require.NoError(t, buf.TryPush(crudEntry(3, "test.foo")))

	b, err := New(&Config{
		Buffer:    buf,
		Limits:    BatchLimits{MaxOps: 100, MaxBytes: 1 << 20},
		EmptyWait: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	batch, err := b.fillBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Entries, 3)
}

func TestFillBatchAllowsSingleOversizedEntry(t *testing.T) {
	buf := newBuf(t, 10)
	big := crudEntry(1, "test.foo")
	big.Doc = make([]byte, 2048)
	require.NoError(t, buf.TryPush(big))
	require.NoError(t, buf.TryPush(crudEntry(2, "test.foo")))

	b, err := New(&Config{
		Buffer:    buf,
		Limits:    BatchLimits{MaxOps: 100, MaxBytes: 16},
		EmptyWait: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	batch, err := b.fillBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Entries, 1)

	second, err := b.fillBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, second.Entries, 1)
}

func TestFillBatchFlushesOnEmptyBuffer(t *testing.T) {
	buf := newBuf(t, 10)
	require.NoError(t, buf.TryPush(crudEntry(1, "test.foo")))

	b, err := New(&Config{
		Buffer:    buf,
		Limits:    BatchLimits{MaxOps: 100, MaxBytes: 1 << 20},
		EmptyWait: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	batch, err := b.fillBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Entries, 1)
	require.Less(t, time.Since(start), time.Second)
}

func TestFillBatchRejectsVersionMismatch(t *testing.T) {
	buf := newBuf(t, 10)
	bad := crudEntry(1, "test.foo")
	bad.Version = 1
	require.NoError(t, buf.TryPush(bad))

	b, err := New(&Config{
		Buffer:    buf,
		Limits:    BatchLimits{MaxOps: 100, MaxBytes: 1 << 20},
		EmptyWait: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = b.fillBatch(context.Background())
	require.ErrorIs(t, err, oplog.ErrOplogVersionMismatch)
}
