// Package partitioner assigns each entry in a batch to one of N ordered
// worker sub-lists, preserving namespace and (where safe) per-document
// order. The hashing scheme is FNV-1a mod worker count, the same technique
// used for shard indexing elsewhere in this codebase.
package partitioner

import (
	"errors"
	"hash/fnv"

	"github.com/litetable/litetable-db/internal/catalog"
	"github.com/litetable/litetable-db/internal/oplog"
	"github.com/rs/zerolog/log"
)

// StorageCapabilities reports engine-level features that change
// partitioning behavior: document affinity only applies when storage
// supports document-level locking.
type StorageCapabilities interface {
	SupportsDocLocking() bool
}

// SessionTracker synthesizes config.transactions writes for retryable
// writes and transactions. It is an external collaborator; production
// wiring lives with the storage layer.
type SessionTracker interface {
	// Observe records a just-partitioned entry for the session bookkeeping
	// write, returning a synthesized entry to be appended and
	// re-partitioned, or nil if none is due yet.
	Observe(e *oplog.Entry) *oplog.Entry
}

// TxnAssembler expands an unprepared commit into its full ordered list of
// inner operations, consumed here at commit time.
type TxnAssembler interface {
	Assemble(commit *oplog.Entry, cached []*oplog.Entry) ([]*oplog.Entry, error)
}

// Config configures a Partitioner.
type Config struct {
	Workers  int
	Catalog  *catalog.Catalog
	Storage  StorageCapabilities
	Sessions SessionTracker
	Txns     TxnAssembler

	// BeginApplyingOpTime is the resumed-sync lower bound; ops at or below
	// it are silently skipped.
	BeginApplyingOpTime oplog.OpTime
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Workers <= 0 {
		errGrp = append(errGrp, errors.New("workers must be greater than 0"))
	}
	if c.Catalog == nil {
		errGrp = append(errGrp, errors.New("catalog is required"))
	}
	if c.Storage == nil {
		errGrp = append(errGrp, errors.New("storage capabilities are required"))
	}
	if c.Txns == nil {
		errGrp = append(errGrp, errors.New("transaction assembler is required"))
	}
	return errors.Join(errGrp...)
}

// pendingTxn holds the in-batch cached ops for one session's open,
// unprepared transaction, held in a per-session pending list.
type pendingTxn struct {
	txnNumber int64
	ops       []*oplog.Entry
}

// Partitioner fans a batch out into N ordered worker sub-lists.
type Partitioner struct {
	workers  int
	catalog  *catalog.Catalog
	storage  StorageCapabilities
	sessions SessionTracker
	txns     TxnAssembler

	beginApplying oplog.OpTime

	pending map[oplog.SessionID]*pendingTxn

	// collectionPropsCache memoizes catalog.IsCapped lookups for the
	// batch currently being partitioned, avoiding a catalog lookup per
	// operation in the hot partitioning loop. Reset at the start of
	// every Partition call.
	collectionPropsCache map[string]bool
}

// New creates a Partitioner.
func New(cfg *Config) (*Partitioner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Partitioner{
		workers:       cfg.Workers,
		catalog:       cfg.Catalog,
		storage:       cfg.Storage,
		sessions:      cfg.Sessions,
		txns:          cfg.Txns,
		beginApplying: cfg.BeginApplyingOpTime,
		pending:       make(map[oplog.SessionID]*pendingTxn),
	}, nil
}

// Partition assigns every entry in the batch to a worker sub-list.
func (p *Partitioner) Partition(batch *oplog.Queue) ([][]*oplog.Entry, error) {
	out := make([][]*oplog.Entry, p.workers)
	p.collectionPropsCache = make(map[string]bool, len(batch.Entries))
	if err := p.partitionInto(out, batch.Entries); err != nil {
		return nil, err
	}
	return out, nil
}

// partitionInto assigns top-level batch entries, running session tracking
// on each one dispatched.
func (p *Partitioner) partitionInto(out [][]*oplog.Entry, entries []*oplog.Entry) error {
	for _, e := range entries {
		if e.OpTime.LessEq(p.beginApplying) {
			continue
		}

		if p.trackPending(e) {
			continue
		}

		if e.IsUnpreparedCommit() {
			sid := sessionKey(e)
			cached := p.takePending(sid)
			ops, err := p.txns.Assemble(e, cached)
			if err != nil {
				return err
			}
			if err := p.partitionInner(out, ops); err != nil {
				return err
			}
			continue
		}

		if e.IsUnpreparedApplyOps() {
			inner, err := expandApplyOps(e)
			if err != nil {
				return err
			}
			if err := p.partitionInner(out, inner); err != nil {
				return err
			}
			continue
		}

		idx := p.workerFor(e)
		out[idx] = append(out[idx], e)

		if p.sessions != nil {
			if synth := p.sessions.Observe(e); synth != nil {
				if err := p.partitionInner(out, []*oplog.Entry{synth}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// partitionInner assigns ops derived from expanding a commit or applyOps
// entry (or a session tracker's synthesized entry). No further session
// tracking runs on these: the same rule sync_tail.cpp's
// _fillWriterVectors follows by passing a nil session tracker into its own
// recursive expansion calls. Derived ops are never held in a pending list:
// the commit that releases them has already been seen.
func (p *Partitioner) partitionInner(out [][]*oplog.Entry, entries []*oplog.Entry) error {
	for _, e := range entries {
		if e.OpTime.LessEq(p.beginApplying) {
			continue
		}

		if e.IsUnpreparedCommit() {
			sid := sessionKey(e)
			cached := p.takePending(sid)
			ops, err := p.txns.Assemble(e, cached)
			if err != nil {
				return err
			}
			if err := p.partitionInner(out, ops); err != nil {
				return err
			}
			continue
		}

		if e.IsUnpreparedApplyOps() {
			inner, err := expandApplyOps(e)
			if err != nil {
				return err
			}
			if err := p.partitionInner(out, inner); err != nil {
				return err
			}
			continue
		}

		idx := p.workerFor(e)
		out[idx] = append(out[idx], e)
	}
	return nil
}

// trackPending buffers an in-progress transaction's inner op into the
// per-session pending list rather than dispatching it, reporting whether it
// did so. Buffered ops aren't dispatched until the commit is seen.
func (p *Partitioner) trackPending(e *oplog.Entry) bool {
	if !e.InPendingTxn || e.SessionID == nil || e.TxnNumber == nil {
		return false
	}
	sid := *e.SessionID
	cur, ok := p.pending[sid]
	if ok && cur.txnNumber != *e.TxnNumber {
		// txnNumber changed on the same session: the prior list is stale.
		if len(cur.ops) > 0 {
			log.Warn().
				Int64("staleTxnNumber", cur.txnNumber).
				Int64("txnNumber", *e.TxnNumber).
				Int("discardedOps", len(cur.ops)).
				Msg("discarding pending transaction ops on txnNumber change")
		}
		cur = nil
		ok = false
	}
	if !ok {
		cur = &pendingTxn{txnNumber: *e.TxnNumber}
		p.pending[sid] = cur
	}
	cur.ops = append(cur.ops, e)
	return true
}

func (p *Partitioner) takePending(sid oplog.SessionID) []*oplog.Entry {
	cur, ok := p.pending[sid]
	delete(p.pending, sid)
	if !ok {
		return nil
	}
	return cur.ops
}

func sessionKey(e *oplog.Entry) oplog.SessionID {
	if e.SessionID == nil {
		return ""
	}
	return *e.SessionID
}

// workerFor computes the destination worker index, applying document
// affinity when the storage engine and collection permit it.
func (p *Partitioner) workerFor(e *oplog.Entry) int {
	nsHash := hashString(e.NS)
	capped := p.isCapped(e.NS)

	if e.OpType == oplog.OpTypeInsert && capped {
		e.IsForCappedCollection = true
	}

	if !p.storage.SupportsDocLocking() || capped {
		return int(nsHash % uint32(p.workers))
	}

	idVal, ok := e.IDElement()
	if !ok {
		return int(nsHash % uint32(p.workers))
	}

	docHash := hashBytes(idVal.Value)
	combined := nsHash ^ docHash
	return int(combined % uint32(p.workers))
}

// isCapped consults collectionPropsCache before falling back to the
// catalog, memoizing the result for the rest of the current batch.
func (p *Partitioner) isCapped(ns string) bool {
	if capped, ok := p.collectionPropsCache[ns]; ok {
		return capped
	}
	capped := p.catalog.IsCapped(ns)
	p.collectionPropsCache[ns] = capped
	return capped
}

func hashString(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func hashBytes(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

// expandApplyOps expands an unprepared applyOps entry into its inner ops,
// to be re-partitioned as if they appeared individually in the batch. No
// further session tracking applies to the inner calls.
func expandApplyOps(e *oplog.Entry) ([]*oplog.Entry, error) {
	return oplog.DecodeApplyOpsInner(e)
}
