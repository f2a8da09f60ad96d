// Package memstore is a minimal in-memory/on-disk reference backend that
// lets cmd/secondaryd run standalone. It satisfies storageiface.RecordStore,
// replstate.Coordinator, finalizer.ReplicationCoordinator, and
// markers.DurableStore — the external-collaborator contracts the real
// storage engine and replica-set election/heartbeat subsystem would
// otherwise satisfy. Production deployments swap this package out for real
// ones satisfying the same interfaces; nothing else in the tree depends on
// memstore.
package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/litetable/litetable-db/internal/oplog"
	"github.com/litetable/litetable-db/internal/replstate"
	"github.com/litetable/litetable-db/internal/storageiface"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Store is a process-local RecordStore keyed by namespace, with documents
// matched on their raw "_id" bytes. No indexing, no durability — a stand-in
// for the real storage engine's record store. It keeps no list of known
// namespaces, so InsertDocuments accepts any namespace and never returns
// NamespaceNotFound, and UpsertDocument stores the modifier as the whole
// new document rather than applying it as an update.
type Store struct {
	mu   sync.RWMutex
	docs map[string][]bson.Raw
}

// New creates an empty Store.
func New() *Store {
	return &Store{docs: make(map[string][]bson.Raw)}
}

func (s *Store) InsertDocuments(_ context.Context, ns string, docs []bson.Raw, _ primitive.Timestamp, _ storageiface.LockMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[ns] = append(s.docs[ns], docs...)
	return nil
}

func (s *Store) UpsertDocument(_ context.Context, ns string, filter, modifier bson.Raw, _ primitive.Timestamp, upsert bool, _ storageiface.LockMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := docID(filter)
	if !ok {
		return nil
	}
	for i, d := range s.docs[ns] {
		if matchID(d, id) {
			s.docs[ns][i] = modifier
			return nil
		}
	}
	if !upsert {
		return &storageiface.UpdateOperationFailed{NS: ns, ID: id}
	}
	s.docs[ns] = append(s.docs[ns], modifier)
	return nil
}

func (s *Store) DeleteDocument(_ context.Context, ns string, filter bson.Raw, _ primitive.Timestamp, _ storageiface.LockMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := docID(filter)
	if !ok {
		return nil
	}
	kept := s.docs[ns][:0]
	for _, d := range s.docs[ns] {
		if !matchID(d, id) {
			kept = append(kept, d)
		}
	}
	s.docs[ns] = kept
	return nil
}

func (s *Store) DispatchCommand(_ context.Context, _, _ string, _ bson.Raw, _ primitive.Timestamp) error {
	return nil
}

func (s *Store) OplogDiskLocRegister(_ context.Context, _ primitive.Timestamp, _ bool) error {
	return nil
}

func (s *Store) SetIndexIsMultikey(_ context.Context, _, _ string, _ primitive.Timestamp) error {
	return nil
}

func (s *Store) GetRecoveryTimestamp(_ context.Context) (primitive.Timestamp, bool) {
	return primitive.Timestamp{}, false
}

func (s *Store) SupportsDocLocking() bool   { return false }
func (s *Store) SupportsPendingDrops() bool { return false }

func docID(raw bson.Raw) (bson.RawValue, bool) {
	v, err := raw.LookupErr("_id")
	if err != nil {
		return bson.RawValue{}, false
	}
	return v, true
}

func matchID(doc bson.Raw, id bson.RawValue) bool {
	v, err := doc.LookupErr("_id")
	if err != nil {
		return false
	}
	return v.Type == id.Type && bytes.Equal(v.Value, id.Value)
}

// Coordinator is a single-node stand-in for the replication coordinator: it
// tracks member state, term, and the lastApplied/lastDurable optimes the
// finalizer publishes forward. Satisfies both replstate.Coordinator and
// finalizer.ReplicationCoordinator, mirroring how mongod's real
// ReplicationCoordinator serves both roles.
type Coordinator struct {
	mu          sync.RWMutex
	term        int64
	state       replstate.MemberState
	minValid    oplog.OpTime
	lastApplied oplog.OpTime
	lastDurable oplog.OpTime
}

// NewCoordinator creates a Coordinator starting in the given member state.
func NewCoordinator(initial replstate.MemberState) *Coordinator {
	return &Coordinator{state: initial}
}

func (c *Coordinator) Term() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.term
}

func (c *Coordinator) MemberState() replstate.MemberState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) CanAcceptWrites() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == replstate.StatePrimary
}

func (c *Coordinator) GetMinValid() oplog.OpTime {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.minValid
}

func (c *Coordinator) SetFollowerMode(state replstate.MemberState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	return nil
}

// SetMinValid seeds minValid at startup, e.g. from a persisted marker.
func (c *Coordinator) SetMinValid(ot oplog.OpTime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minValid = ot
}

// SetMyLastAppliedOpTimeForward advances lastApplied, ignoring regressions
// (a forward-only setter).
func (c *Coordinator) SetMyLastAppliedOpTimeForward(ot oplog.OpTime, _ int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ot.Greater(c.lastApplied) {
		c.lastApplied = ot
	}
}

// SetMyLastDurableOpTimeForward advances lastDurable, ignoring regressions.
func (c *Coordinator) SetMyLastDurableOpTimeForward(ot oplog.OpTime, _ int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ot.Greater(c.lastDurable) {
		c.lastDurable = ot
	}
}

// markerDoc is the on-disk shape for the three consistency markers,
// standing in for local.replset.{minvalid,oplogTruncateAfterPoint,appliedThrough}.
type markerDoc struct {
	AppliedThrough          oplog.OpTime        `json:"appliedThrough"`
	MinValid                oplog.OpTime        `json:"minValid"`
	OplogTruncateAfterPoint primitive.Timestamp `json:"oplogTruncateAfterPoint"`
}

// MarkerFile persists the consistency markers to a small JSON file, the
// flat-file equivalent of local.replset.* documents.
type MarkerFile struct {
	mu   sync.Mutex
	path string
	doc  markerDoc
}

// NewMarkerFile loads (or initializes) the marker file at dir/markers.json.
func NewMarkerFile(dir string) (*MarkerFile, error) {
	path := filepath.Join(dir, "markers.json")
	m := &MarkerFile{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("read marker file: %w", err)
	}
	if err := json.Unmarshal(data, &m.doc); err != nil {
		return nil, fmt.Errorf("parse marker file: %w", err)
	}
	return m, nil
}

// Loaded returns the markers as read at startup, used to seed
// markers.Markers and the Coordinator's minValid.
func (m *MarkerFile) Loaded() (appliedThrough, minValid oplog.OpTime, truncateAfter primitive.Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.AppliedThrough, m.doc.MinValid, m.doc.OplogTruncateAfterPoint
}

func (m *MarkerFile) PersistAppliedThrough(ot oplog.OpTime) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.AppliedThrough = ot
	return m.flushLocked()
}

func (m *MarkerFile) PersistMinValid(ot oplog.OpTime) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.MinValid = ot
	return m.flushLocked()
}

func (m *MarkerFile) PersistOplogTruncateAfterPoint(ts primitive.Timestamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.OplogTruncateAfterPoint = ts
	return m.flushLocked()
}

func (m *MarkerFile) flushLocked() error {
	data, err := json.Marshal(m.doc)
	if err != nil {
		return fmt.Errorf("marshal marker doc: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0640); err != nil {
		return fmt.Errorf("write marker file: %w", err)
	}
	return nil
}
