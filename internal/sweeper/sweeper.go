// Package sweeper bounds open handle count and reclaims memory without
// blocking user operations, modeled on WiredTiger's connection handle sweep
// (src/conn/conn_sweep.c) and built on the same
// ticker-loop/Config+validate+New/Start-Stop-Name shape as the rest of this
// repo's background subsystems.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/litetable/litetable-db/internal/failpoint"
	"github.com/litetable/litetable-db/internal/metricsink"
	"github.com/rs/zerolog/log"
)

// ErrBusy stands in for WiredTiger's EBUSY: a try-lock on a handle did not
// succeed. Non-fatal — the phase just advances to the next handle.
var ErrBusy = errors.New("sweeper: handle busy")

// HandleCloser performs the actual close/discard I/O for a handle, standing
// in for __wt_conn_dhandle_close / __wt_conn_dhandle_discard_single. An
// external collaborator referenced only by contract.
type HandleCloser interface {
	Close(h *SweepableHandle) error
	Discard(h *SweepableHandle) error
}

// VisibilityChecker reports whether a transaction/timestamp pair is visible
// to every active reader, standing in for __wt_txn_visible_all.
type VisibilityChecker interface {
	VisibleToAll(txnID int64, timestamp int64) bool
}

// Registry is the live handle list the sweeper walks each tick.
type Registry interface {
	Handles() []*SweepableHandle
	OpenCount() int
	Remove(h *SweepableHandle)
}

// LookasideGate reports the conditions needed before running the faster
// lookaside-sweep cadence: only when the cache is not stuck and the oldest
// transaction id has advanced since the last sweep.
type LookasideGate interface {
	CacheStuck() bool
	OldestTransactionID() int64
}

// Config configures a Sweeper.
type Config struct {
	Registry   Registry
	Closer     HandleCloser
	Visibility VisibilityChecker

	// TableLock and HandleListLock stand in for WT_WITH_TABLE_WRITE_LOCK
	// and WT_WITH_HANDLE_LIST_WRITE_LOCK. Either may be nil, in which case
	// that lock is simply not taken.
	TableLock      Locker
	HandleListLock Locker

	SweepInterval time.Duration
	HandlesMin    int
	IdleTime      time.Duration

	// Lookaside and LookasideInterval enable the faster auxiliary sweep
	// cadence (WT_LAS_SWEEP_SEC analog). Both optional; nil/zero disables it.
	Lookaside         LookasideGate
	LookasideInterval time.Duration
	LookasideSweep    func()

	Failpoints *failpoint.Registry
	Metrics    metricsink.Sink

	// Now returns the current time as a unix-second timestamp. Defaults to
	// time.Now().Unix(); overridable for deterministic tests.
	Now func() int64
}

// Locker is satisfied by *sync.Mutex and friends.
type Locker interface {
	Lock()
	Unlock()
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Registry == nil {
		errGrp = append(errGrp, errors.New("registry is required"))
	}
	if c.Closer == nil {
		errGrp = append(errGrp, errors.New("handle closer is required"))
	}
	if c.Visibility == nil {
		errGrp = append(errGrp, errors.New("visibility checker is required"))
	}
	if c.SweepInterval <= 0 {
		errGrp = append(errGrp, errors.New("sweep interval must be greater than 0"))
	}
	if c.HandlesMin < 0 {
		errGrp = append(errGrp, errors.New("handles min cannot be negative"))
	}
	return errors.Join(errGrp...)
}

// Sweeper runs the four-phase mark/expire/discard/remove cycle on a ticker.
type Sweeper struct {
	registry   Registry
	closer     HandleCloser
	visibility VisibilityChecker

	tableLock      Locker
	handleListLock Locker

	interval   time.Duration
	handlesMin int
	idleTime   time.Duration

	lookaside         LookasideGate
	lookasideInterval time.Duration
	lookasideSweep    func()
	lastLookaside     int64
	lastOldestTxn     int64

	failpoints *failpoint.Registry
	metrics    metricsink.Sink
	now        func() int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Sweeper.
func New(cfg *Config) (*Sweeper, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	fp := cfg.Failpoints
	if fp == nil {
		fp = failpoint.NewRegistry()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = metricsink.NoOp{}
	}
	now := cfg.Now
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		registry:          cfg.Registry,
		closer:            cfg.Closer,
		visibility:        cfg.Visibility,
		tableLock:         cfg.TableLock,
		handleListLock:    cfg.HandleListLock,
		interval:          cfg.SweepInterval,
		handlesMin:        cfg.HandlesMin,
		idleTime:          cfg.IdleTime,
		lookaside:         cfg.Lookaside,
		lookasideInterval: cfg.LookasideInterval,
		lookasideSweep:    cfg.LookasideSweep,
		failpoints:        fp,
		metrics:           metrics,
		now:               now,
		ctx:               ctx,
		cancel:            cancel,
		done:              make(chan struct{}),
	}, nil
}

// Start launches the ticker loop. Satisfies app.Dependency.
func (s *Sweeper) Start() error {
	go s.run()
	return nil
}

// Stop cancels the loop and waits for it to exit. Satisfies app.Dependency.
func (s *Sweeper) Stop() error {
	s.cancel()
	<-s.done
	return nil
}

// Name identifies the dependency for logging. Satisfies app.Dependency.
func (s *Sweeper) Name() string {
	return "Sweeper"
}

func (s *Sweeper) run() {
	defer close(s.done)

	tickEvery := s.interval
	if s.lookasideInterval > 0 && s.lookasideInterval < tickEvery {
		tickEvery = s.lookasideInterval
	}
	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick runs one mark/expire/discard/remove cycle plus, when due, the
// lookaside sweep. Exported so tests and the failpoint-gated pause point
// can drive it deterministically.
func (s *Sweeper) Tick() {
	s.failpoints.Get("pauseBeforeSweepTick").Enter()

	now := s.now()
	handles := s.registry.Handles()

	if s.idleTime > 0 {
		mark(handles, now)
	}

	if s.idleTime > 0 && s.registry.OpenCount() >= s.handlesMin {
		if err := s.expire(handles, now); err != nil {
			panic(fmt.Errorf("sweeper: expire phase: %w", err))
		}
	}

	deadHandles, err := discardTrees(handles, s.closer)
	if err != nil {
		panic(fmt.Errorf("sweeper: discard phase: %w", err))
	}
	s.metrics.SetGauge("sweeper_dead_handles", float64(deadHandles), nil)

	if deadHandles > 0 {
		if err := s.removeHandles(handles); err != nil {
			panic(fmt.Errorf("sweeper: remove phase: %w", err))
		}
	}

	if s.lookasideDue(now) {
		s.runLookasideSweep(now)
	}

	log.Debug().
		Int("handles", len(handles)).
		Int("deadHandles", deadHandles).
		Msg("sweep tick complete")
}

func (s *Sweeper) lookasideDue(now int64) bool {
	if s.lookaside == nil || s.lookasideInterval <= 0 {
		return false
	}
	if now-s.lastLookaside < int64(s.lookasideInterval.Seconds()) {
		return false
	}
	if s.lookaside.CacheStuck() {
		return false
	}
	oldest := s.lookaside.OldestTransactionID()
	return oldest > s.lastOldestTxn
}

func (s *Sweeper) runLookasideSweep(now int64) {
	s.lastLookaside = now
	s.lastOldestTxn = s.lookaside.OldestTransactionID()
	if s.lookasideSweep != nil {
		s.lookasideSweep()
	}
}
