// Package batcher pulls entries off the oplog buffer and groups them into
// OpQueue batches under a set of termination rules, handing each batch to
// the single consumer through an unbuffered channel that acts as a single
// slot: the producer blocks until the previous batch has been taken.
package batcher

import (
	"context"
	"errors"
	"time"

	"github.com/litetable/litetable-db/internal/oplog"
	"github.com/litetable/litetable-db/internal/oplogbuffer"
	"github.com/rs/zerolog/log"
)

// BatchLimits bounds a single batch.
type BatchLimits struct {
	MaxOps  int
	MaxBytes int

	// SlaveDelayLatestTimestamp, if non-zero, is the latest wall-clock time
	// (unix millis) an entry may carry to be included in the current batch.
	SlaveDelayLatestTimestamp int64
}

func (l BatchLimits) validate() error {
	var errGrp []error
	if l.MaxOps <= 0 {
		errGrp = append(errGrp, errors.New("maxOps must be greater than 0"))
	}
	if l.MaxBytes <= 0 {
		errGrp = append(errGrp, errors.New("maxBytes must be greater than 0"))
	}
	return errors.Join(errGrp...)
}

// Config configures a Batcher.
type Config struct {
	Buffer *oplogbuffer.Buffer
	Limits BatchLimits

	// EmptyWait bounds how long the batcher blocks for new data before
	// flushing whatever it has: buffer empty after blocking <=1s for new
	// data. Defaults to one second.
	EmptyWait time.Duration

	// SlaveDelaySleep is how long the batcher sleeps when it holds back an
	// entry for slave delay. Defaults to one second.
	SlaveDelaySleep time.Duration
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Buffer == nil {
		errGrp = append(errGrp, errors.New("buffer is required"))
	}
	if err := c.Limits.validate(); err != nil {
		errGrp = append(errGrp, err)
	}
	return errors.Join(errGrp...)
}

// Batcher is the single consumer thread that assembles oplog.Queue batches
// from the buffer and hands them off one at a time via a single-slot
// hand-off.
type Batcher struct {
	buf    *oplogbuffer.Buffer
	limits BatchLimits

	emptyWait       time.Duration
	slaveDelaySleep time.Duration

	slot chan *oplog.Queue
}

// New creates a Batcher.
func New(cfg *Config) (*Batcher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ew := cfg.EmptyWait
	if ew <= 0 {
		ew = time.Second
	}
	sd := cfg.SlaveDelaySleep
	if sd <= 0 {
		sd = time.Second
	}
	return &Batcher{
		buf:             cfg.Buffer,
		limits:          cfg.Limits,
		emptyWait:       ew,
		slaveDelaySleep: sd,
		slot:            make(chan *oplog.Queue),
	}, nil
}

// Run drives the batcher loop until ctx is cancelled. It is meant to run on
// its own goroutine; batches are retrieved by the consumer via Next.
func (b *Batcher) Run(ctx context.Context) error {
	for {
		batch, err := b.fillBatch(ctx)
		if err != nil {
			return err
		}
		if batch.Empty() && ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case b.slot <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Next blocks until a batch is published or ctx is cancelled.
func (b *Batcher) Next(ctx context.Context) (*oplog.Queue, error) {
	select {
	case batch := <-b.slot:
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fillBatch assembles a single OpQueue under the batcher's termination
// rules.
func (b *Batcher) fillBatch(ctx context.Context) (*oplog.Queue, error) {
	batch := oplog.NewQueue(b.limits.MaxOps)

	for {
		if ctx.Err() != nil {
			return batch, nil
		}

		if len(batch.Entries) >= b.limits.MaxOps {
			return batch, nil
		}

		e := b.buf.Peek()
		if e == nil {
			waitCtx, cancel := context.WithTimeout(ctx, b.emptyWait)
			b.buf.WaitForData(waitCtx)
			cancel()
			if b.buf.Peek() == nil {
				return batch, nil
			}
			continue
		}

		if err := oplog.ValidateVersion(e); err != nil {
			return nil, err
		}

		if b.limits.SlaveDelayLatestTimestamp != 0 && e.WallTime > b.limits.SlaveDelayLatestTimestamp {
			log.Debug().Str("op", e.OpTime.String()).Msg("holding entry back for slave delay")
			time.Sleep(b.slaveDelaySleep)
			return batch, nil
		}

		size := oplog.EncodedSize(e)

		if !batch.Empty() {
			if batch.TotalBytes()+size > b.limits.MaxBytes {
				return batch, nil
			}
			if e.IsIsolatedCommand() {
				return batch, nil
			}
		}

		b.buf.TryPop()
		batch.Add(e, size)

		if e.IsIsolatedCommand() {
			return batch, nil
		}

		if batch.TotalBytes() > b.limits.MaxBytes {
			return batch, nil
		}
	}
}
