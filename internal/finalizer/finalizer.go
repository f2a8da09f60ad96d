// Package finalizer publishes lastApplied/lastDurable after a batch is
// applied, modeled on MongoDB's ApplyBatchFinalizer and
// ApplyBatchFinalizerForJournal. Modeled as two struct variants behind a
// shared interface rather than inheritance.
package finalizer

import (
	"context"
	"errors"

	"github.com/litetable/litetable-db/internal/markers"
	"github.com/litetable/litetable-db/internal/oplog"
	"github.com/rs/zerolog/log"
)

// Consistency reports whether the replica is caught up to minValid at the
// end of a batch: consistent iff lastOpTime >= minValid.
type Consistency int

const (
	Inconsistent Consistency = iota
	Consistent
)

// ReplicationCoordinator is the external collaborator that publishes
// lastApplied/lastDurable; stands in for ReplicationCoordinator's
// setMyLastAppliedOpTimeAndWallTimeForward /
// setMyLastDurableOpTimeAndWallTimeForward.
type ReplicationCoordinator interface {
	SetMyLastAppliedOpTimeForward(ot oplog.OpTime, wallTime int64)
	SetMyLastDurableOpTimeForward(ot oplog.OpTime, wallTime int64)
}

// DurabilityWaiter blocks until the storage engine has made durable
// everything written up to the point this call was issued. Only used by
// the Durable variant.
type DurabilityWaiter interface {
	WaitUntilDurable(ctx context.Context) error
}

// Finalizer is implemented by Immediate and Durable.
type Finalizer interface {
	// Finalize publishes lastApplied (and, depending on variant,
	// lastDurable) for a completed batch and returns the batch's
	// consistency flag.
	Finalize(ot oplog.OpTime, wallTime int64) Consistency
	// Stop shuts down any background waiter thread, joining cleanly.
	Stop()
}

// Config configures either finalizer variant.
type Config struct {
	Coordinator ReplicationCoordinator
	Markers     *markers.Markers

	// Durable, if true, builds the Durable variant; otherwise Immediate.
	Durable bool
	// Waiter is required when Durable is true.
	Waiter DurabilityWaiter
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Coordinator == nil {
		errGrp = append(errGrp, errors.New("replication coordinator is required"))
	}
	if c.Markers == nil {
		errGrp = append(errGrp, errors.New("markers is required"))
	}
	if c.Durable && c.Waiter == nil {
		errGrp = append(errGrp, errors.New("durability waiter is required for the durable variant"))
	}
	return errors.Join(errGrp...)
}

// New builds the Immediate or Durable variant per Config.Durable.
func New(cfg *Config) (Finalizer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Durable {
		return newDurable(cfg), nil
	}
	return newImmediate(cfg), nil
}

func consistencyOf(m *markers.Markers, ot oplog.OpTime) Consistency {
	if m.CanAdvertiseSecondary(ot) {
		return Consistent
	}
	m.LogInconsistentWindow(ot)
	return Inconsistent
}

// Immediate publishes (lastOpTime, wallTime) as lastApplied and lastDurable
// on each batch via a forward-only setter, without waiting for durability.
type Immediate struct {
	coord   ReplicationCoordinator
	markers *markers.Markers
}

func newImmediate(cfg *Config) *Immediate {
	return &Immediate{coord: cfg.Coordinator, markers: cfg.Markers}
}

func (f *Immediate) Finalize(ot oplog.OpTime, wallTime int64) Consistency {
	f.coord.SetMyLastAppliedOpTimeForward(ot, wallTime)
	f.coord.SetMyLastDurableOpTimeForward(ot, wallTime)
	return consistencyOf(f.markers, ot)
}

func (f *Immediate) Stop() {}

// durableBatch is handed to the waiter goroutine.
type durableBatch struct {
	ot       oplog.OpTime
	wallTime int64
}

// Durable publishes lastApplied synchronously; a dedicated waiter
// goroutine blocks on WaitUntilDurable then publishes lastDurable. The
// waiter signals on shutdown and joins cleanly.
type Durable struct {
	coord   ReplicationCoordinator
	markers *markers.Markers
	waiter  DurabilityWaiter

	batches chan durableBatch
	done    chan struct{}
	cancel  context.CancelFunc
}

func newDurable(cfg *Config) *Durable {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Durable{
		coord:   cfg.Coordinator,
		markers: cfg.Markers,
		waiter:  cfg.Waiter,
		batches: make(chan durableBatch, 16),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go d.run(ctx)
	return d
}

func (f *Durable) Finalize(ot oplog.OpTime, wallTime int64) Consistency {
	f.coord.SetMyLastAppliedOpTimeForward(ot, wallTime)
	select {
	case f.batches <- durableBatch{ot: ot, wallTime: wallTime}:
	default:
		log.Warn().Msg("durable finalizer waiter backlog full, blocking")
		f.batches <- durableBatch{ot: ot, wallTime: wallTime}
	}
	return consistencyOf(f.markers, ot)
}

func (f *Durable) run(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case b := <-f.batches:
			if err := f.waiter.WaitUntilDurable(ctx); err != nil {
				log.Error().Err(err).Msg("waitUntilDurable failed")
				continue
			}
			f.coord.SetMyLastDurableOpTimeForward(b.ot, b.wallTime)
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels the waiter goroutine and joins it.
func (f *Durable) Stop() {
	f.cancel()
	<-f.done
}
