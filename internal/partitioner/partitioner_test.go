package partitioner

import (
	"testing"

	"github.com/google/uuid"
	"github.com/litetable/litetable-db/internal/catalog"
	"github.com/litetable/litetable-db/internal/oplog"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type fakeStorage struct{ docLocking bool }

func (f fakeStorage) SupportsDocLocking() bool { return f.docLocking }

type fakeTxns struct{}

func (fakeTxns) Assemble(commit *oplog.Entry, cached []*oplog.Entry) ([]*oplog.Entry, error) {
	return cached, nil
}

func insertAt(t uint32, ns string, id int) *oplog.Entry {
	doc, _ := bson.Marshal(bson.M{"_id": id})
	return &oplog.Entry{
		OpTime:  oplog.OpTime{Timestamp: primitive.Timestamp{T: t}, Term: 1},
		OpType:  oplog.OpTypeInsert,
		NS:      ns,
		Doc:     doc,
		Version: 2,
	}
}

func newPartitioner(t *testing.T, workers int, docLocking bool) *Partitioner {
	t.Helper()
	p, err := New(&Config{
		Workers: workers,
		Catalog: catalog.New(),
		Storage: fakeStorage{docLocking: docLocking},
		Txns:    fakeTxns{},
	})
	require.NoError(t, err)
	return p
}

func TestPartitionNamespaceAffinity(t *testing.T) {
	p := newPartitioner(t, 4, false)
	batch := oplog.NewQueue(4)
	for i := uint32(1); i <= 4; i++ {
		e := insertAt(i, "test.foo", int(i))
		batch.Add(e, 1)
	}

	out, err := p.Partition(batch)
	require.NoError(t, err)

	var nonEmpty int
	for _, w := range out {
		if len(w) > 0 {
			nonEmpty++
			require.Len(t, w, 4)
		}
	}
	require.Equal(t, 1, nonEmpty)
}

func TestPartitionDocAffinitySpreadsAcrossWorkers(t *testing.T) {
	p := newPartitioner(t, 8, true)
	batch := oplog.NewQueue(8)
	for i := 0; i < 8; i++ {
		e := insertAt(uint32(i+1), "test.foo", i)
		batch.Add(e, 1)
	}

	out, err := p.Partition(batch)
	require.NoError(t, err)

	var nonEmpty int
	for _, w := range out {
		if len(w) > 0 {
			nonEmpty++
		}
	}
	require.Greater(t, nonEmpty, 1)
}

func TestPartitionCappedCollectionFlagged(t *testing.T) {
	p := newPartitioner(t, 4, true)
	_, err := p.catalog.Create("test.capped", uuid.New(), catalog.CollectionOptions{Capped: true})
	require.NoError(t, err)

	e := insertAt(1, "test.capped", 1)
	batch := oplog.NewQueue(1)
	batch.Add(e, 1)

	_, err = p.Partition(batch)
	require.NoError(t, err)
	require.True(t, e.IsForCappedCollection)
}

func TestPartitionSkipsOpsBelowBeginApplying(t *testing.T) {
	p, err := New(&Config{
		Workers:             4,
		Catalog:             catalog.New(),
		Storage:             fakeStorage{},
		Txns:                fakeTxns{},
		BeginApplyingOpTime: oplog.OpTime{Timestamp: primitive.Timestamp{T: 5}, Term: 1},
	})
	require.NoError(t, err)

	batch := oplog.NewQueue(2)
	batch.Add(insertAt(3, "test.foo", 1), 1)
	batch.Add(insertAt(10, "test.foo", 2), 1)

	out, err := p.Partition(batch)
	require.NoError(t, err)

	var total int
	for _, w := range out {
		total += len(w)
	}
	require.Equal(t, 1, total)
}

func TestPartitionPendingTxnHeldUntilCommit(t *testing.T) {
	p := newPartitioner(t, 4, false)
	sid := oplog.SessionID("s1")
	txnNum := int64(7)

	inner := insertAt(1, "test.foo", 1)
	inner.InPendingTxn = true
	inner.SessionID = &sid
	inner.TxnNumber = &txnNum

	commit := &oplog.Entry{
		OpTime:      oplog.OpTime{Timestamp: primitive.Timestamp{T: 2}, Term: 1},
		OpType:      oplog.OpTypeCommand,
		CommandType: oplog.CommandCommitTransaction,
		SessionID:   &sid,
		TxnNumber:   &txnNum,
		Version:     2,
	}

	batch := oplog.NewQueue(2)
	batch.Add(inner, 1)
	batch.Add(commit, 1)

	out, err := p.Partition(batch)
	require.NoError(t, err)

	var total int
	for _, w := range out {
		total += len(w)
	}
	require.Equal(t, 1, total)
}
