package oplogbuffer

import (
	"context"
	"testing"
	"time"

	"github.com/litetable/litetable-db/internal/oplog"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func entryAt(t uint32) *oplog.Entry {
	return &oplog.Entry{OpTime: oplog.OpTime{Timestamp: primitive.Timestamp{T: t}, Term: 1}}
}

func TestPushTryPopOrder(t *testing.T) {
	b, err := New(&Config{Capacity: 4})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Push(ctx, entryAt(1)))
	require.NoError(t, b.Push(ctx, entryAt(2)))

	e, ok := b.TryPop()
	require.True(t, ok)
	require.EqualValues(t, 1, e.OpTime.Timestamp.T)

	e, ok = b.TryPop()
	require.True(t, ok)
	require.EqualValues(t, 2, e.OpTime.Timestamp.T)

	_, ok = b.TryPop()
	require.False(t, ok)
}

func TestTryPushReturnsErrFullAtCapacity(t *testing.T) {
	b, err := New(&Config{Capacity: 1})
	require.NoError(t, err)

	require.NoError(t, b.TryPush(entryAt(1)))
	require.ErrorIs(t, b.TryPush(entryAt(2)), ErrFull)
}

func TestPeekDoesNotConsume(t *testing.T) {
	b, err := New(&Config{Capacity: 2})
	require.NoError(t, err)
	require.NoError(t, b.TryPush(entryAt(1)))

	require.EqualValues(t, 1, b.Peek().OpTime.Timestamp.T)
	require.EqualValues(t, 1, b.Peek().OpTime.Timestamp.T)
	require.False(t, b.Empty())
}

func TestWaitForDataUnblocksOnPush(t *testing.T) {
	b, err := New(&Config{Capacity: 2})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		b.WaitForData(context.Background())
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.TryPush(entryAt(1)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForData did not unblock after push")
	}
}

func TestWaitForDataUnblocksOnCancel(t *testing.T) {
	b, err := New(&Config{Capacity: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.WaitForData(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForData did not unblock after cancel")
	}
}

func TestShutdownUnblocksWaiters(t *testing.T) {
	b, err := New(&Config{Capacity: 1})
	require.NoError(t, err)
	require.NoError(t, b.TryPush(entryAt(1)))

	done := make(chan error, 1)
	go func() {
		done <- b.Push(context.Background(), entryAt(2))
	}()

	time.Sleep(10 * time.Millisecond)
	b.Shutdown()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Push did not unblock after Shutdown")
	}
	require.True(t, b.MustShutdown())
}
