package applier

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/litetable/litetable-db/internal/catalog"
	"github.com/litetable/litetable-db/internal/oplog"
	"github.com/litetable/litetable-db/internal/storageiface"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type fakeStore struct {
	inserted        []bson.Raw
	insertCalls     int
	conflictsLeft   int
	nsNotFound      map[string]bool
	updateFails     bool
	dispatchedCmds  []string
}

func (f *fakeStore) InsertDocuments(ctx context.Context, ns string, docs []bson.Raw, ts primitive.Timestamp, mode storageiface.LockMode) error {
	f.insertCalls++
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		return &storageiface.WriteConflict{NS: ns}
	}
	if f.nsNotFound[ns] {
		return &storageiface.NamespaceNotFound{NS: ns}
	}
	f.inserted = append(f.inserted, docs...)
	return nil
}

func (f *fakeStore) UpsertDocument(ctx context.Context, ns string, filter, modifier bson.Raw, ts primitive.Timestamp, upsert bool, mode storageiface.LockMode) error {
	if f.updateFails {
		return &storageiface.UpdateOperationFailed{NS: ns}
	}
	return nil
}

func (f *fakeStore) DeleteDocument(ctx context.Context, ns string, filter bson.Raw, ts primitive.Timestamp, mode storageiface.LockMode) error {
	if f.nsNotFound[ns] {
		return &storageiface.NamespaceNotFound{NS: ns}
	}
	return nil
}

func (f *fakeStore) DispatchCommand(ctx context.Context, ns string, commandType string, cmd bson.Raw, ts primitive.Timestamp) error {
	f.dispatchedCmds = append(f.dispatchedCmds, commandType)
	return nil
}

func (f *fakeStore) OplogDiskLocRegister(ctx context.Context, ts primitive.Timestamp, orderedCommit bool) error {
	return nil
}

func (f *fakeStore) SetIndexIsMultikey(ctx context.Context, ns, indexName string, ts primitive.Timestamp) error {
	return nil
}

func (f *fakeStore) GetRecoveryTimestamp(ctx context.Context) (primitive.Timestamp, bool) {
	return primitive.Timestamp{}, false
}

func (f *fakeStore) SupportsDocLocking() bool  { return true }
func (f *fakeStore) SupportsPendingDrops() bool { return false }

func insertOp(t uint32, ns string, id int) *oplog.Entry {
	doc, _ := bson.Marshal(bson.M{"_id": id})
	return &oplog.Entry{
		OpTime: oplog.OpTime{Timestamp: primitive.Timestamp{T: t}, Term: 1},
		OpType: oplog.OpTypeInsert,
		NS:     ns,
		Doc:    doc,
	}
}

func newApplier(t *testing.T, store *fakeStore, mode Mode) *Applier {
	t.Helper()
	a, err := New(&Config{Store: store, Catalog: catalog.New(), Mode: mode})
	require.NoError(t, err)
	return a
}

func TestApplyOpsGroupsConsecutiveInserts(t *testing.T) {
	store := &fakeStore{}
	a := newApplier(t, store, ModeSteadyState)

	ops := []*oplog.Entry{
		insertOp(1, "test.foo", 1),
		insertOp(2, "test.foo", 2),
		insertOp(3, "test.foo", 3),
	}

	require.NoError(t, a.ApplyOps(context.Background(), ops))
	require.Equal(t, 1, store.insertCalls)
	require.Len(t, store.inserted, 3)
}

func TestApplyOpsFallsBackOnBulkInsertError(t *testing.T) {
	store := &fakeStore{conflictsLeft: 1}
	a := newApplier(t, store, ModeSteadyState)

	ops := []*oplog.Entry{
		insertOp(1, "test.foo", 1),
		insertOp(2, "test.foo", 2),
	}

	require.NoError(t, a.ApplyOps(context.Background(), ops))
	require.GreaterOrEqual(t, store.insertCalls, 2)
	require.Len(t, store.inserted, 2)
}

func TestApplyOpsCappedInsertsNeverGrouped(t *testing.T) {
	store := &fakeStore{}
	a := newApplier(t, store, ModeSteadyState)

	op1 := insertOp(1, "test.capped", 1)
	op1.IsForCappedCollection = true
	op2 := insertOp(2, "test.capped", 2)
	op2.IsForCappedCollection = true

	require.NoError(t, a.ApplyOps(context.Background(), []*oplog.Entry{op1, op2}))
	require.Equal(t, 2, store.insertCalls)
}

func TestApplyOpsNamespaceNotFoundDeleteTolerated(t *testing.T) {
	store := &fakeStore{nsNotFound: map[string]bool{"test.gone": true}}
	a := newApplier(t, store, ModeSteadyState)

	del := &oplog.Entry{
		OpTime: oplog.OpTime{Timestamp: primitive.Timestamp{T: 1}, Term: 1},
		OpType: oplog.OpTypeDelete,
		NS:     "test.gone",
	}

	require.NoError(t, a.ApplyOps(context.Background(), []*oplog.Entry{del}))
}

func TestApplyOpsNamespaceNotFoundInsertPropagatesInSteadyState(t *testing.T) {
	store := &fakeStore{nsNotFound: map[string]bool{"test.gone": true}}
	a := newApplier(t, store, ModeSteadyState)

	ins := insertOp(1, "test.gone", 1)
	err := a.ApplyOps(context.Background(), []*oplog.Entry{ins})
	require.Error(t, err)
}

func TestApplyOpsNamespaceNotFoundToleratedInRecoveryMode(t *testing.T) {
	store := &fakeStore{nsNotFound: map[string]bool{"test.gone": true}}
	a := newApplier(t, store, ModeRecovery)

	ins := insertOp(1, "test.gone", 1)
	require.NoError(t, a.ApplyOps(context.Background(), []*oplog.Entry{ins}))
}

func TestApplyOpsUpdateFailureTriggersFetcherInInitialSync(t *testing.T) {
	store := &fakeStore{updateFails: true}
	fetchStore := &fakeStore{}
	src := &fakeMissingDocSource{doc: mustMarshal(bson.M{"_id": 1, "v": "x"})}
	fetcher, err := NewFetcher(&FetcherConfig{Source: src, Store: fetchStore, Catalog: catalog.New()})
	require.NoError(t, err)

	a, err := New(&Config{Store: store, Catalog: catalog.New(), Mode: ModeInitialSync, Fetcher: fetcher})
	require.NoError(t, err)

	idDoc, _ := bson.Marshal(bson.M{"_id": 1})
	upd := &oplog.Entry{
		OpTime: oplog.OpTime{Timestamp: primitive.Timestamp{T: 1}, Term: 1},
		OpType: oplog.OpTypeUpdate,
		NS:     "test.foo",
		O2:     idDoc,
		Doc:    idDoc,
	}

	require.NoError(t, a.ApplyOps(context.Background(), []*oplog.Entry{upd}))
	require.Len(t, fetchStore.inserted, 1)
}

type fakeMissingDocSource struct{ doc bson.Raw }

func (f *fakeMissingDocSource) FetchByUUID(ctx context.Context, id uuid.UUID, idVal bson.RawValue) (bson.Raw, bool, error) {
	return f.doc, f.doc != nil, nil
}

func (f *fakeMissingDocSource) FetchByNamespace(ctx context.Context, ns string, idVal bson.RawValue) (bson.Raw, bool, error) {
	return f.doc, f.doc != nil, nil
}

func mustMarshal(m bson.M) bson.Raw {
	b, err := bson.Marshal(m)
	if err != nil {
		panic(err)
	}
	return b
}
