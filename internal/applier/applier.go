// Package applier applies a worker's partitioned sub-list of operations
// against the storage engine, modeled on MongoDB's multiSyncApply and
// SyncTail::_applyOps. The worker pool is built on golang.org/x/sync/errgroup
// rather than a manual WaitGroup+error channel.
package applier

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/litetable/litetable-db/internal/catalog"
	"github.com/litetable/litetable-db/internal/oplog"
	"github.com/litetable/litetable-db/internal/storageiface"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"
)

// Mode selects behavior that differs between steady-state secondary
// application, crash recovery, and initial sync.
type Mode int

const (
	ModeSteadyState Mode = iota
	ModeRecovery
	ModeInitialSync
)

// insertGroupMaxBytes and insertGroupMaxOps bound the longest run of
// consecutive same-namespace inserts folded into one bulk call.
const (
	insertGroupMaxBytes = 16 * 1024 * 1024
	insertGroupMaxOps   = 1000
)

// Config configures an Applier.
type Config struct {
	Store   storageiface.RecordStore
	Catalog *catalog.Catalog
	Fetcher *MissingDocFetcher // required only in ModeInitialSync
	Mode    Mode
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Store == nil {
		errGrp = append(errGrp, errors.New("record store is required"))
	}
	if c.Catalog == nil {
		errGrp = append(errGrp, errors.New("catalog is required"))
	}
	if c.Mode == ModeInitialSync && c.Fetcher == nil {
		errGrp = append(errGrp, errors.New("missing-document fetcher is required in initial-sync mode"))
	}
	return errors.Join(errGrp...)
}

// Applier applies one worker's sub-list of operations in namespace-sorted,
// insert-grouped, write-conflict-retried order.
type Applier struct {
	store   storageiface.RecordStore
	catalog *catalog.Catalog
	fetcher *MissingDocFetcher
	mode    Mode
}

// New creates an Applier.
func New(cfg *Config) (*Applier, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Applier{store: cfg.Store, catalog: cfg.Catalog, fetcher: cfg.Fetcher, mode: cfg.Mode}, nil
}

// ApplyAll runs every worker's sub-list concurrently via errgroup, fanning
// out the pool the pipeline driver partitioned.
func ApplyAll(ctx context.Context, a *Applier, subLists [][]*oplog.Entry) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, ops := range subLists {
		ops := ops
		if len(ops) == 0 {
			continue
		}
		g.Go(func() error { return a.ApplyOps(gctx, ops) })
	}
	return g.Wait()
}

// ApplyOps applies one worker's ordered sub-list.
func (a *Applier) ApplyOps(ctx context.Context, ops []*oplog.Entry) error {
	sorted := make([]*oplog.Entry, len(ops))
	copy(sorted, ops)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].NS < sorted[j].NS })

	for i := 0; i < len(sorted); {
		if sorted[i].IsCRUD() && sorted[i].OpType == oplog.OpTypeInsert && !sorted[i].IsForCappedCollection {
			run := a.insertRun(sorted[i:])
			if len(run) > 1 {
				if err := a.applyInsertGroup(ctx, run); err != nil {
					log.Warn().Err(err).Str("ns", run[0].NS).Msg("bulk insert group failed, falling back to one-by-one")
					for _, op := range run {
						if err := a.applyWithRetry(ctx, op); err != nil {
							return err
						}
					}
				}
				i += len(run)
				continue
			}
		}

		if err := a.applyWithRetry(ctx, sorted[i]); err != nil {
			return err
		}
		i++
	}
	return nil
}

// insertRun gathers the longest run of consecutive same-namespace inserts
// whose combined payload stays under the bulk threshold.
func (a *Applier) insertRun(ops []*oplog.Entry) []*oplog.Entry {
	if len(ops) == 0 || ops[0].OpType != oplog.OpTypeInsert || ops[0].IsForCappedCollection {
		return ops[:1]
	}
	ns := ops[0].NS
	bytes := oplog.EncodedSize(ops[0])
	end := 1
	for end < len(ops) && end < insertGroupMaxOps {
		op := ops[end]
		if op.OpType != oplog.OpTypeInsert || op.NS != ns || op.IsForCappedCollection {
			break
		}
		size := oplog.EncodedSize(op)
		if bytes+size > insertGroupMaxBytes {
			break
		}
		bytes += size
		end++
	}
	return ops[:end]
}

func (a *Applier) applyInsertGroup(ctx context.Context, run []*oplog.Entry) error {
	docs := make([]bson.Raw, 0, len(run))
	for _, op := range run {
		docs = append(docs, op.Doc)
	}
	ns := a.resolveNS(run[0])
	err := a.store.InsertDocuments(ctx, ns, docs, run[0].OpTime.Timestamp, a.lockMode(run[0]))
	if err == nil {
		a.catalog.InvalidateViewsForNSS(ns)
	}
	return err
}

// applyWithRetry applies a single op under a write-conflict-retry loop.
func (a *Applier) applyWithRetry(ctx context.Context, op *oplog.Entry) error {
	for {
		err := a.applyOne(ctx, op)
		if err == nil {
			return nil
		}

		var wc *storageiface.WriteConflict
		if errors.As(err, &wc) {
			continue
		}

		var nnf *storageiface.NamespaceNotFound
		if errors.As(err, &nnf) {
			if a.tolerateNamespaceNotFound(op) {
				return nil
			}
			return fmt.Errorf("apply op at %s: %w", op.OpTime, err)
		}

		var uof *storageiface.UpdateOperationFailed
		if errors.As(err, &uof) && a.mode == ModeInitialSync {
			if ferr := a.fetcher.FetchAndInsert(ctx, op); ferr != nil {
				return fmt.Errorf("fetch missing document for %s: %w", op.NS, ferr)
			}
			return nil
		}

		return fmt.Errorf("apply op at %s: %w", op.OpTime, err)
	}
}

// tolerateNamespaceNotFound reports whether a NamespaceNotFound error should
// be swallowed: true in recovery or initial-sync mode, or for DELETE of any
// mode; otherwise the error propagates.
func (a *Applier) tolerateNamespaceNotFound(op *oplog.Entry) bool {
	if a.mode == ModeRecovery || a.mode == ModeInitialSync {
		return true
	}
	return op.OpType == oplog.OpTypeDelete
}

func (a *Applier) applyOne(ctx context.Context, op *oplog.Entry) error {
	ns := a.resolveNS(op)
	mode := a.lockMode(op)
	ts := op.OpTime.Timestamp

	var err error
	switch op.OpType {
	case oplog.OpTypeInsert:
		err = a.store.InsertDocuments(ctx, ns, []bson.Raw{op.Doc}, ts, mode)
	case oplog.OpTypeUpdate:
		upsert := a.mode != ModeInitialSync
		err = a.store.UpsertDocument(ctx, ns, op.O2, op.Doc, ts, upsert, mode)
	case oplog.OpTypeDelete:
		err = a.store.DeleteDocument(ctx, ns, op.Doc, ts, mode)
	case oplog.OpTypeCommand:
		err = a.store.DispatchCommand(ctx, ns, string(op.CommandType), op.Doc, ts)
	case oplog.OpTypeNoop:
		return nil
	default:
		return fmt.Errorf("unknown op type %q", op.OpType)
	}
	if err == nil {
		a.catalog.InvalidateViewsForNSS(ns)
	}
	return err
}

// resolveNS resolves the op's namespace by UUID when it carries one, falling
// back to the op's recorded namespace string.
func (a *Applier) resolveNS(op *oplog.Entry) string {
	if op.UUID == nil {
		return op.NS
	}
	id, err := uuid.FromBytes(op.UUID.Data)
	if err != nil {
		return op.NS
	}
	if nss, ok := a.catalog.ResolveNSS(op.NS, &id); ok {
		return nss
	}
	return op.NS
}

// lockMode selects MODE_X for writes to *.system.views, IX otherwise.
func (a *Applier) lockMode(op *oplog.Entry) storageiface.LockMode {
	if isViewWrite(op.NS) {
		return storageiface.ModeX
	}
	return storageiface.ModeIX
}

func isViewWrite(ns string) bool {
	const suffix = ".system.views"
	return len(ns) >= len(suffix) && ns[len(ns)-len(suffix):] == suffix
}
