// Package oplogbuffer implements the bounded FIFO of raw log entries fed by
// the producer upstream. The wire protocol that feeds this buffer is out
// of scope; this package only owns the buffer itself.
package oplogbuffer

import (
	"context"
	"errors"
	"sync"

	"github.com/litetable/litetable-db/internal/oplog"
)

var ErrFull = errors.New("oplogbuffer: buffer is full")

// Config configures a Buffer.
type Config struct {
	// Capacity bounds the number of entries the buffer will hold.
	Capacity int
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Capacity <= 0 {
		errGrp = append(errGrp, errors.New("capacity must be greater than 0"))
	}
	return errors.Join(errGrp...)
}

// Buffer is a bounded FIFO of oplog.Entry, built on a mutex-guarded slice
// with a condition variable rather than a channel so Peek/TryPop can
// inspect the head without consuming it.
type Buffer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	entries  []*oplog.Entry
	capacity int

	shutdown bool
}

// New creates an empty, bounded Buffer.
func New(cfg *Config) (*Buffer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b := &Buffer{capacity: cfg.Capacity}
	b.cond = sync.NewCond(&b.mu)
	return b, nil
}

// TryPush appends an entry without blocking, returning ErrFull if the
// buffer is at capacity.
func (b *Buffer) TryPush(e *oplog.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return nil
	}
	if len(b.entries) >= b.capacity {
		return ErrFull
	}
	b.entries = append(b.entries, e)
	b.cond.Broadcast()
	return nil
}

// Push appends an entry, blocking while the buffer is at capacity, and
// returns ctx.Err() if cancelled while waiting.
func (b *Buffer) Push(ctx context.Context, e *oplog.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.entries) >= b.capacity && !b.shutdown {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.waitOrCtx(ctx)
	}
	if b.shutdown {
		return nil
	}

	b.entries = append(b.entries, e)
	b.cond.Broadcast()
	return nil
}

// waitOrCtx waits on the condition variable, but wakes promptly if ctx is
// cancelled by racing a goroutine that broadcasts on cancellation.
func (b *Buffer) waitOrCtx(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()
	b.cond.Wait()
}

// Peek returns the head entry without removing it, or nil if empty.
func (b *Buffer) Peek() *oplog.Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return nil
	}
	return b.entries[0]
}

// TryPop removes and returns the head entry if present, reporting whether
// an entry was available.
func (b *Buffer) TryPop() (*oplog.Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return nil, false
	}
	e := b.entries[0]
	b.entries = b.entries[1:]
	b.cond.Broadcast()
	return e, true
}

// WaitForData blocks until the buffer is non-empty, ctx is done, or the
// buffer is shut down, whichever comes first.
func (b *Buffer) WaitForData(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.entries) == 0 && !b.shutdown && ctx.Err() == nil {
		b.waitOrCtx(ctx)
	}
}

// Empty reports whether the buffer currently holds no entries.
func (b *Buffer) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries) == 0
}

// Shutdown marks the buffer as draining: no further Push calls will block,
// and any blocked waiters wake immediately.
func (b *Buffer) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdown = true
	b.cond.Broadcast()
}

// MustShutdown reports whether Shutdown has been called.
func (b *Buffer) MustShutdown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shutdown
}
