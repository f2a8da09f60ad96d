// Package pipeline drives the per-batch oplog application loop, modeled on
// MongoDB's secondary oplog application (_oplogApplication / multiApply) and
// its RECOVERING->SECONDARY transition (tryToGoLiveAsASecondary).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/litetable/litetable-db/internal/applier"
	"github.com/litetable/litetable-db/internal/failpoint"
	"github.com/litetable/litetable-db/internal/finalizer"
	"github.com/litetable/litetable-db/internal/markers"
	"github.com/litetable/litetable-db/internal/metricsink"
	"github.com/litetable/litetable-db/internal/oplog"
	"github.com/litetable/litetable-db/internal/partitioner"
	"github.com/litetable/litetable-db/internal/replstate"
	"github.com/litetable/litetable-db/internal/storageiface"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrOutOfOrder is fatal: a batch's first optime must exceed lastApplied
// at entry.
var ErrOutOfOrder = oplog.ErrOplogOutOfOrder

// ErrApplierStopped is returned when the driver finds the applier state
// stopped at loop entry, i.e. this node became primary mid-batch.
var ErrApplierStopped = errors.New("pipeline: applier state is stopped")

// parallelWriteThreshold is the batch-size cutoff above which oplog writes
// run across the worker pool rather than a single job. Appliers always run
// one job per worker sub-list, whatever the batch size.
const parallelWriteThreshold = 16

// ApplierState reports whether the pipeline is allowed to keep applying.
type ApplierState int

const (
	Running ApplierState = iota
	Stopped
)

// FsyncLocker is the external fsyncLock mutex the driver holds during
// multiApply so a concurrent fsyncLock can't observe a partially applied
// batch.
type FsyncLocker interface {
	Lock()
	Unlock()
}

// BatchSource supplies the next batch to apply. Satisfied by
// *batcher.Batcher in production.
type BatchSource interface {
	Next(ctx context.Context) (*oplog.Queue, error)
}

// Config configures a Driver.
type Config struct {
	Batcher     BatchSource
	Partitioner *partitioner.Partitioner
	Applier     *applier.Applier
	Finalizer   finalizer.Finalizer
	Markers     *markers.Markers
	Coordinator replstate.Coordinator
	Store       storageiface.RecordStore
	FsyncLock   FsyncLocker

	Failpoints *failpoint.Registry
	Metrics    metricsink.Sink

	// ApplierState is polled at the top of each iteration.
	ApplierState func() ApplierState

	// BatchTimeout bounds how long Next blocks per iteration. Defaults to
	// one second.
	BatchTimeout time.Duration
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Batcher == nil {
		errGrp = append(errGrp, errors.New("batcher is required"))
	}
	if c.Partitioner == nil {
		errGrp = append(errGrp, errors.New("partitioner is required"))
	}
	if c.Applier == nil {
		errGrp = append(errGrp, errors.New("applier is required"))
	}
	if c.Finalizer == nil {
		errGrp = append(errGrp, errors.New("finalizer is required"))
	}
	if c.Markers == nil {
		errGrp = append(errGrp, errors.New("markers is required"))
	}
	if c.Coordinator == nil {
		errGrp = append(errGrp, errors.New("replication coordinator is required"))
	}
	if c.Store == nil {
		errGrp = append(errGrp, errors.New("record store is required"))
	}
	if c.FsyncLock == nil {
		errGrp = append(errGrp, errors.New("fsync locker is required"))
	}
	return errors.Join(errGrp...)
}

// Driver is the single pipeline-driver thread.
type Driver struct {
	batcher     BatchSource
	partitioner *partitioner.Partitioner
	applier     *applier.Applier
	finalizer   finalizer.Finalizer
	markers     *markers.Markers
	coord       replstate.Coordinator
	store       storageiface.RecordStore
	fsyncLock   FsyncLocker

	failpoints *failpoint.Registry
	metrics    metricsink.Sink

	applierState func() ApplierState
	batchTimeout time.Duration

	mu          sync.Mutex
	lastApplied oplog.OpTime

	drainMu   sync.Mutex
	drainTerm int64
	drainedAt map[int64]bool
}

// New creates a Driver.
func New(cfg *Config) (*Driver, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	bt := cfg.BatchTimeout
	if bt <= 0 {
		bt = time.Second
	}
	fp := cfg.Failpoints
	if fp == nil {
		fp = failpoint.NewRegistry()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = metricsink.NoOp{}
	}
	state := cfg.ApplierState
	if state == nil {
		state = func() ApplierState { return Running }
	}
	return &Driver{
		batcher:      cfg.Batcher,
		partitioner:  cfg.Partitioner,
		applier:      cfg.Applier,
		finalizer:    cfg.Finalizer,
		markers:      cfg.Markers,
		coord:        cfg.Coordinator,
		store:        cfg.Store,
		fsyncLock:    cfg.FsyncLock,
		failpoints:   fp,
		metrics:      metrics,
		applierState: state,
		batchTimeout: bt,
		drainedAt:    make(map[int64]bool),
	}, nil
}

// LastApplied returns the optime of the last successfully applied batch.
func (d *Driver) LastApplied() oplog.OpTime {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastApplied
}

// Run drives the loop until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := d.iterate(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return err
		}
	}
	return ctx.Err()
}

func (d *Driver) iterate(ctx context.Context) error {
	// Step 1: refresh minValid.
	minValid := d.coord.GetMinValid()
	if err := d.markers.RaiseMinValid(minValid); err != nil {
		return fmt.Errorf("refresh minValid: %w", err)
	}

	// Step 2: attempt RECOVERING->SECONDARY transition.
	TryTransitionToSecondary(d.coord, d.markers, d.LastApplied())

	d.failpoints.Get("pauseBatchApplicationBeforeCompletion").Enter()

	if d.applierState() == Stopped {
		return ErrApplierStopped
	}

	// Step 3: pull next batch, recording the term before the wait so a
	// stale drain signal from a new term can't be confused with this one.
	termBeforeWait := d.coord.Term()
	batchCtx, cancel := context.WithTimeout(ctx, d.batchTimeout)
	batch, err := d.batcher.Next(batchCtx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			d.signalDrainComplete(termBeforeWait)
			return nil
		}
		return err
	}
	if batch.Empty() {
		d.signalDrainComplete(termBeforeWait)
		return nil
	}

	// Step 4: monotonicity assertion.
	first := batch.First()
	last := batch.Last()
	if lastApplied := d.LastApplied(); !lastApplied.IsZero() && !first.OpTime.Greater(lastApplied) {
		return fmt.Errorf("batch first optime %s not after lastApplied %s: %w", first.OpTime, lastApplied, ErrOutOfOrder)
	}

	// Step 5: hold the fsync-lock mutex for the duration of multiApply.
	d.fsyncLock.Lock()
	err = d.multiApply(ctx, batch)
	d.fsyncLock.Unlock()
	if err != nil {
		return fmt.Errorf("multiApply: %w", err)
	}

	// Step 7: persist appliedThrough.
	if err := d.markers.SetAppliedThrough(last.OpTime); err != nil {
		return fmt.Errorf("persist appliedThrough: %w", err)
	}

	// Step 8: register oplog visibility.
	if err := d.store.OplogDiskLocRegister(ctx, last.OpTime.Timestamp, true); err != nil {
		return fmt.Errorf("register oplog visibility: %w", err)
	}

	// Step 9: finalize.
	consistency := d.finalizer.Finalize(last.OpTime, last.WallTime)
	d.mu.Lock()
	d.lastApplied = last.OpTime
	d.mu.Unlock()

	d.metrics.IncCounter("batches_applied_total", nil)
	d.metrics.ObserveHistogram("batch_size_ops", float64(batch.Len()), nil)
	if consistency == finalizer.Inconsistent {
		d.metrics.IncCounter("inconsistent_batches_total", nil)
	}
	return nil
}

// multiApply runs the ordered per-batch apply sequence: truncate marker,
// partition, oplog writes and apply, minValid advancement. appliedThrough
// and the final oplog-visibility step are handled by iterate afterwards.
func (d *Driver) multiApply(ctx context.Context, batch *oplog.Queue) error {
	first := batch.First()
	last := batch.Last()

	// a. oplogTruncateAfterPoint <- firstTimestamp.
	if err := d.markers.SetOplogTruncateAfterPoint(first.OpTime.Timestamp); err != nil {
		return fmt.Errorf("set oplogTruncateAfterPoint: %w", err)
	}

	// c. Partition.
	subLists, err := d.partitioner.Partition(batch)
	if err != nil {
		return fmt.Errorf("partition batch: %w", err)
	}

	// b + d. Schedule oplog writes (parallel above threshold) and dispatch
	// appliers concurrently, then wait for both to finish.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.scheduleOplogWrites(gctx, batch) })
	g.Go(func() error { return applier.ApplyAll(gctx, d.applier, subLists) })
	if err := g.Wait(); err != nil {
		return err
	}

	// e. Clear oplogTruncateAfterPoint; raise minValid.
	if err := d.markers.ClearOplogTruncateAfterPoint(); err != nil {
		return fmt.Errorf("clear oplogTruncateAfterPoint: %w", err)
	}
	if err := d.markers.RaiseMinValid(last.OpTime); err != nil {
		return fmt.Errorf("raise minValid: %w", err)
	}

	// f. No multikey-path updates are recorded: neither the driver nor the
	// applier calls RecordStore.SetIndexIsMultikey.
	return nil
}

// scheduleOplogWrites parallelizes oplog-disk-location registration across
// worker jobs only when the storage engine supports doc-locking and the
// batch exceeds parallelWriteThreshold; otherwise runs as a single job.
func (d *Driver) scheduleOplogWrites(ctx context.Context, batch *oplog.Queue) error {
	if !d.store.SupportsDocLocking() || batch.Len() <= parallelWriteThreshold {
		return d.store.OplogDiskLocRegister(ctx, batch.Last().OpTime.Timestamp, false)
	}

	const jobs = 4
	g, gctx := errgroup.WithContext(ctx)
	chunk := (batch.Len() + jobs - 1) / jobs
	for i := 0; i < jobs; i++ {
		start := i * chunk
		if start >= batch.Len() {
			break
		}
		end := start + chunk
		if end > batch.Len() {
			end = batch.Len()
		}
		ts := batch.Entries[end-1].OpTime.Timestamp
		g.Go(func() error { return d.store.OplogDiskLocRegister(gctx, ts, false) })
	}
	return g.Wait()
}

func (d *Driver) signalDrainComplete(term int64) {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()
	d.drainedAt[term] = true
	log.Debug().Int64("term", term).Msg("oplog buffer drained")
}

// DrainedAt reports whether a drain-complete signal was recorded for term
// — a stale signal from an earlier term never satisfies a query for the
// current one.
func (d *Driver) DrainedAt(term int64) bool {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()
	return d.drainedAt[term]
}
