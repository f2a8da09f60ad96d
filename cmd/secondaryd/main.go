package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/litetable/litetable-db/internal/app"
	"github.com/litetable/litetable-db/internal/applier"
	"github.com/litetable/litetable-db/internal/batcher"
	"github.com/litetable/litetable-db/internal/catalog"
	"github.com/litetable/litetable-db/internal/config"
	"github.com/litetable/litetable-db/internal/failpoint"
	"github.com/litetable/litetable-db/internal/finalizer"
	"github.com/litetable/litetable-db/internal/litetable"
	"github.com/litetable/litetable-db/internal/markers"
	"github.com/litetable/litetable-db/internal/memstore"
	"github.com/litetable/litetable-db/internal/metricsink"
	"github.com/litetable/litetable-db/internal/oplogbuffer"
	"github.com/litetable/litetable-db/internal/partitioner"
	"github.com/litetable/litetable-db/internal/pipeline"
	"github.com/litetable/litetable-db/internal/replstate"
	"github.com/litetable/litetable-db/internal/sweeper"
	"github.com/litetable/litetable-db/internal/txnassembler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultOplogBufferCapacity = 10000
	defaultBatchMaxOps         = 5000
	defaultBatchMaxBytes       = 16 * 1024 * 1024
	defaultPartitionWorkers    = 4
	defaultSweepIntervalSec    = 30
	defaultHandlesMin          = 250
	defaultIdleTimeSec         = 600
	metricsAddr                = ":9090"
)

func main() {
	application, err := initialize()
	if err != nil {
		panic(err)
	}

	if err = application.Run(context.Background()); err != nil {
		panic(err)
	}
}

func initialize() (*app.App, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	dataDir, err := litetable.GetLitetableDir()
	if err != nil {
		return nil, err
	}

	var deps []app.Dependency

	markerFile, err := memstore.NewMarkerFile(dataDir)
	if err != nil {
		return nil, err
	}
	appliedThrough, minValid, truncateAfter := markerFile.Loaded()

	m, err := markers.New(&markers.Config{Store: markerFile})
	if err != nil {
		return nil, err
	}
	if err := m.SetAppliedThrough(appliedThrough); err != nil {
		return nil, err
	}
	if err := m.RaiseMinValid(minValid); err != nil {
		return nil, err
	}
	if err := m.SetOplogTruncateAfterPoint(truncateAfter); err != nil {
		return nil, err
	}

	coord := memstore.NewCoordinator(replstate.StateRecovering)
	coord.SetMinValid(minValid)

	registerer := prometheus.NewRegistry()
	metrics := metricsink.NewPrometheus(registerer)
	failpoints := failpoint.NewRegistry()

	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}),
	}
	deps = append(deps, newHTTPDependency("MetricsServer", metricsServer))

	buf, err := oplogbuffer.New(&oplogbuffer.Config{
		Capacity: orDefault(cfg.OplogBufferCapacity, defaultOplogBufferCapacity),
	})
	if err != nil {
		return nil, err
	}

	b, err := batcher.New(&batcher.Config{
		Buffer: buf,
		Limits: batcher.BatchLimits{
			MaxOps:   orDefault(cfg.BatchMaxOps, defaultBatchMaxOps),
			MaxBytes: orDefault(cfg.BatchMaxBytes, defaultBatchMaxBytes),
		},
	})
	if err != nil {
		return nil, err
	}
	deps = append(deps, newRunnerDependency("Batcher", b.Run))

	cat := catalog.New()
	store := memstore.New()

	txnAssembler, err := txnassembler.New(&txnassembler.Config{Chain: memstore.NopChainReader{}})
	if err != nil {
		return nil, err
	}

	part, err := partitioner.New(&partitioner.Config{
		Workers:             orDefault(cfg.PartitionWorkers, defaultPartitionWorkers),
		Catalog:             cat,
		Storage:             store,
		Txns:                txnAssembler,
		BeginApplyingOpTime: appliedThrough,
	})
	if err != nil {
		return nil, err
	}

	applierInst, err := applier.New(&applier.Config{
		Store:   store,
		Catalog: cat,
		Mode:    applier.ModeSteadyState,
	})
	if err != nil {
		return nil, err
	}

	fin, err := finalizer.New(&finalizer.Config{
		Coordinator: coord,
		Markers:     m,
	})
	if err != nil {
		return nil, err
	}
	deps = append(deps, newStopOnlyDependency("Finalizer", fin.Stop))

	driver, err := pipeline.New(&pipeline.Config{
		Batcher:     b,
		Partitioner: part,
		Applier:     applierInst,
		Finalizer:   fin,
		Markers:     m,
		Coordinator: coord,
		Store:       store,
		FsyncLock:   &sync.Mutex{},
		Failpoints:  failpoints,
		Metrics:     metrics,
	})
	if err != nil {
		return nil, err
	}
	deps = append(deps, newRunnerDependency("PipelineDriver", driver.Run))

	sweeperInst, err := sweeper.New(&sweeper.Config{
		Registry:      memstore.NopRegistry{},
		Closer:        memstore.NopHandleCloser{},
		Visibility:    memstore.AlwaysVisible{},
		SweepInterval: time.Duration(orDefault(cfg.SweepInterval, defaultSweepIntervalSec)) * time.Second,
		HandlesMin:    orDefault(cfg.HandlesMin, defaultHandlesMin),
		IdleTime:      time.Duration(orDefault(cfg.IdleTime, defaultIdleTimeSec)) * time.Second,
		Failpoints:    failpoints,
		Metrics:       metrics,
	})
	if err != nil {
		return nil, err
	}
	deps = append(deps, sweeperInst)

	application, err := app.CreateApp(&app.Config{
		ServiceName: "secondaryd",
		StopTimeout: 5 * time.Second,
	}, deps...)
	if err != nil {
		return nil, err
	}

	return application, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runnerDependency adapts a blocking Run(ctx) error loop (batcher.Batcher,
// pipeline.Driver) to app.Dependency.
type runnerDependency struct {
	name   string
	run    func(ctx context.Context) error
	ctx    context.Context
	cancel context.CancelFunc
	errCh  chan error
}

func newRunnerDependency(name string, run func(ctx context.Context) error) *runnerDependency {
	ctx, cancel := context.WithCancel(context.Background())
	return &runnerDependency{name: name, run: run, ctx: ctx, cancel: cancel, errCh: make(chan error, 1)}
}

func (r *runnerDependency) Start() error {
	go func() { r.errCh <- r.run(r.ctx) }()
	return nil
}

func (r *runnerDependency) Stop() error {
	r.cancel()
	if err := <-r.errCh; err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("dependency", r.name).Msg("dependency exited with error")
		return err
	}
	return nil
}

func (r *runnerDependency) Name() string { return r.name }

// httpDependency adapts an *http.Server to app.Dependency.
type httpDependency struct {
	name string
	srv  *http.Server
}

func newHTTPDependency(name string, srv *http.Server) *httpDependency {
	return &httpDependency{name: name, srv: srv}
}

func (h *httpDependency) Start() error {
	err := h.srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (h *httpDependency) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.srv.Shutdown(ctx)
}

func (h *httpDependency) Name() string { return h.name }

// stopOnlyDependency adapts a component with nothing to start but a Stop
// that must run as part of orderly shutdown (the Durable finalizer's
// background waiter thread).
type stopOnlyDependency struct {
	name string
	stop func()
}

func newStopOnlyDependency(name string, stop func()) *stopOnlyDependency {
	return &stopOnlyDependency{name: name, stop: stop}
}

func (s *stopOnlyDependency) Start() error { return nil }

func (s *stopOnlyDependency) Stop() error {
	s.stop()
	return nil
}

func (s *stopOnlyDependency) Name() string { return s.name }
