package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/litetable/litetable-db/internal/applier"
	"github.com/litetable/litetable-db/internal/catalog"
	"github.com/litetable/litetable-db/internal/finalizer"
	"github.com/litetable/litetable-db/internal/markers"
	"github.com/litetable/litetable-db/internal/oplog"
	"github.com/litetable/litetable-db/internal/partitioner"
	"github.com/litetable/litetable-db/internal/replstate"
	"github.com/litetable/litetable-db/internal/storageiface"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type fakeBatchSource struct {
	mu      sync.Mutex
	batches []*oplog.Queue
	idx     int
}

func (f *fakeBatchSource) Next(ctx context.Context) (*oplog.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.batches) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	b := f.batches[f.idx]
	f.idx++
	return b, nil
}

type fakeStore struct {
	mu       sync.Mutex
	inserted int
}

func (s *fakeStore) InsertDocuments(ctx context.Context, ns string, docs []bson.Raw, ts primitive.Timestamp, mode storageiface.LockMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted += len(docs)
	return nil
}
func (s *fakeStore) UpsertDocument(ctx context.Context, ns string, filter, modifier bson.Raw, ts primitive.Timestamp, upsert bool, mode storageiface.LockMode) error {
	return nil
}
func (s *fakeStore) DeleteDocument(ctx context.Context, ns string, filter bson.Raw, ts primitive.Timestamp, mode storageiface.LockMode) error {
	return nil
}
func (s *fakeStore) DispatchCommand(ctx context.Context, ns string, commandType string, cmd bson.Raw, ts primitive.Timestamp) error {
	return nil
}
func (s *fakeStore) OplogDiskLocRegister(ctx context.Context, ts primitive.Timestamp, orderedCommit bool) error {
	return nil
}
func (s *fakeStore) SetIndexIsMultikey(ctx context.Context, ns, indexName string, ts primitive.Timestamp) error {
	return nil
}
func (s *fakeStore) GetRecoveryTimestamp(ctx context.Context) (primitive.Timestamp, bool) {
	return primitive.Timestamp{}, false
}
func (s *fakeStore) SupportsDocLocking() bool   { return false }
func (s *fakeStore) SupportsPendingDrops() bool { return false }

type fakeCoord struct {
	term     int64
	state    replstate.MemberState
	minValid oplog.OpTime
}

func (c *fakeCoord) Term() int64                        { return c.term }
func (c *fakeCoord) MemberState() replstate.MemberState  { return c.state }
func (c *fakeCoord) CanAcceptWrites() bool               { return c.state == replstate.StatePrimary }
func (c *fakeCoord) GetMinValid() oplog.OpTime           { return c.minValid }
func (c *fakeCoord) SetFollowerMode(s replstate.MemberState) error {
	c.state = s
	return nil
}

type noopLock struct{}

func (noopLock) Lock()   {}
func (noopLock) Unlock() {}

type fakeMarkerStore struct{}

func (fakeMarkerStore) PersistAppliedThrough(oplog.OpTime) error { return nil }
func (fakeMarkerStore) PersistMinValid(oplog.OpTime) error       { return nil }
func (fakeMarkerStore) PersistOplogTruncateAfterPoint(primitive.Timestamp) error {
	return nil
}

type fakeFinalizer struct{ calls int }

func (f *fakeFinalizer) Finalize(ot oplog.OpTime, wallTime int64) finalizer.Consistency {
	f.calls++
	return finalizer.Consistent
}
func (f *fakeFinalizer) Stop() {}

func ot(t uint32) oplog.OpTime {
	return oplog.OpTime{Timestamp: primitive.Timestamp{T: t}, Term: 1}
}

func insertEntry(t uint32, ns string) *oplog.Entry {
	doc, _ := bson.Marshal(bson.M{"_id": t})
	return &oplog.Entry{OpTime: ot(t), OpType: oplog.OpTypeInsert, NS: ns, Doc: doc, Version: 2}
}

func newDriver(t *testing.T, batches []*oplog.Queue) (*Driver, *fakeStore, *fakeFinalizer) {
	t.Helper()
	store := &fakeStore{}
	cat := catalog.New()
	m, err := markers.New(&markers.Config{Store: fakeMarkerStore{}})
	require.NoError(t, err)

	p, err := partitioner.New(&partitioner.Config{Workers: 2, Catalog: cat, Storage: storageShim{store}, Txns: noopAssembler{}})
	require.NoError(t, err)

	ap, err := applier.New(&applier.Config{Store: store, Catalog: cat, Mode: applier.ModeSteadyState})
	require.NoError(t, err)

	fin := &fakeFinalizer{}
	coord := &fakeCoord{state: replstate.StateRecovering}

	d, err := New(&Config{
		Batcher:     &fakeBatchSource{batches: batches},
		Partitioner: p,
		Applier:     ap,
		Finalizer:   fin,
		Markers:     m,
		Coordinator: coord,
		Store:       store,
		FsyncLock:   noopLock{},
		BatchTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	return d, store, fin
}

type storageShim struct{ s *fakeStore }

func (s storageShim) SupportsDocLocking() bool { return s.s.SupportsDocLocking() }

type noopAssembler struct{}

func (noopAssembler) Assemble(commit *oplog.Entry, cached []*oplog.Entry) ([]*oplog.Entry, error) {
	return cached, nil
}

func TestIterateAppliesBatchAndAdvancesLastApplied(t *testing.T) {
	batch := oplog.NewQueue(2)
	batch.Add(insertEntry(1, "test.foo"), 1)
	batch.Add(insertEntry(2, "test.foo"), 1)

	d, store, fin := newDriver(t, []*oplog.Queue{batch})

	require.NoError(t, d.iterate(context.Background()))
	require.Equal(t, ot(2), d.LastApplied())
	require.Equal(t, 2, store.inserted)
	require.Equal(t, 1, fin.calls)
}

func TestIterateFailsOnOutOfOrderBatch(t *testing.T) {
	first := oplog.NewQueue(1)
	first.Add(insertEntry(5, "test.foo"), 1)
	second := oplog.NewQueue(1)
	second.Add(insertEntry(3, "test.foo"), 1)

	d, _, _ := newDriver(t, []*oplog.Queue{first, second})

	require.NoError(t, d.iterate(context.Background()))
	err := d.iterate(context.Background())
	require.ErrorIs(t, err, ErrOutOfOrder)
}

func TestIterateReturnsNilOnEmptyBatchTimeout(t *testing.T) {
	d, _, _ := newDriver(t, nil)
	require.NoError(t, d.iterate(context.Background()))
}

func TestIterateFailsWhenApplierStopped(t *testing.T) {
	d, _, _ := newDriver(t, nil)
	d.applierState = func() ApplierState { return Stopped }
	err := d.iterate(context.Background())
	require.ErrorIs(t, err, ErrApplierStopped)
}
