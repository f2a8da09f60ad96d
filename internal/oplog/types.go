// Package oplog defines the wire and in-memory representation of replication
// log entries applied by the secondary oplog application engine.
package oplog

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// OpType is the operation carried by an oplog entry's "op" field.
type OpType string

const (
	OpTypeNoop    OpType = "n"
	OpTypeInsert  OpType = "i"
	OpTypeUpdate  OpType = "u"
	OpTypeDelete  OpType = "d"
	OpTypeCommand OpType = "c"
)

// CommandType is the sub-schema carried in a command entry's "o" field.
type CommandType string

const (
	CommandCreate            CommandType = "create"
	CommandDrop              CommandType = "drop"
	CommandDropDatabase      CommandType = "dropDatabase"
	CommandRenameCollection  CommandType = "renameCollection"
	CommandCreateIndexes     CommandType = "createIndexes"
	CommandDropIndexes       CommandType = "dropIndexes"
	CommandApplyOps          CommandType = "applyOps"
	CommandCommitTransaction CommandType = "commitTransaction"
	CommandAbortTransaction  CommandType = "abortTransaction"
	CommandPrepareTxn        CommandType = "prepareTransaction"
)

// expectedOplogVersion is the only oplog entry version this engine accepts;
// anything else indicates on-disk log corruption.
const expectedOplogVersion = 2

// OpTime is (timestamp, term); totally ordered lexicographically, timestamp
// major. Terms never decrease.
type OpTime struct {
	Timestamp primitive.Timestamp
	Term      int64
}

// Compare returns -1, 0, or 1 if ot is less than, equal to, or greater than
// other.
func (ot OpTime) Compare(other OpTime) int {
	if ot.Timestamp.T != other.Timestamp.T {
		if ot.Timestamp.T < other.Timestamp.T {
			return -1
		}
		return 1
	}
	if ot.Timestamp.I != other.Timestamp.I {
		if ot.Timestamp.I < other.Timestamp.I {
			return -1
		}
		return 1
	}
	if ot.Term != other.Term {
		if ot.Term < other.Term {
			return -1
		}
		return 1
	}
	return 0
}

func (ot OpTime) Less(other OpTime) bool    { return ot.Compare(other) < 0 }
func (ot OpTime) LessEq(other OpTime) bool  { return ot.Compare(other) <= 0 }
func (ot OpTime) Greater(other OpTime) bool { return ot.Compare(other) > 0 }
func (ot OpTime) IsZero() bool              { return ot.Timestamp.T == 0 && ot.Timestamp.I == 0 && ot.Term == 0 }

func (ot OpTime) String() string {
	return fmt.Sprintf("{t:%d,i:%d,term:%d}", ot.Timestamp.T, ot.Timestamp.I, ot.Term)
}

// MaxOpTime returns whichever of a, b compares greatest.
func MaxOpTime(a, b OpTime) OpTime {
	if a.Greater(b) {
		return a
	}
	return b
}

// SessionID identifies the logical session a transaction or retryable write
// belongs to.
type SessionID string

// Entry is an immutable, parsed oplog entry. Raw carries the verbatim
// encoded form so it can be written back to the destination oplog without
// re-marshaling.
type Entry struct {
	OpTime   OpTime
	WallTime int64 // unix millis
	OpType   OpType
	NS       string
	UUID     *primitive.Binary

	Doc bson.Raw // "o"
	O2  bson.Raw // "o2", optional

	SessionID  *SessionID
	TxnNumber  *int64
	StmtID     *int32
	PrevOpTime *OpTime

	Version       int
	InPendingTxn  bool
	Prepare       bool
	CommandType   CommandType // only meaningful when OpType == OpTypeCommand
	H             int64       // legacy hash field; never recomputed or validated, see DESIGN.md
	IsForCappedCollection bool

	// Raw is the verbatim wire encoding this entry was decoded from. Nil for
	// entries synthesized in-process (e.g. SessionUpdateTracker writes)
	// until they are (re-)encoded for persistence.
	Raw bson.Raw
}

// IsCRUD reports whether the entry is an insert/update/delete.
func (e *Entry) IsCRUD() bool {
	switch e.OpType {
	case OpTypeInsert, OpTypeUpdate, OpTypeDelete:
		return true
	default:
		return false
	}
}

// IDElement extracts the document's "_id" field for document-affinity
// hashing. For updates, the id lives in O2; for inserts, in Doc.
func (e *Entry) IDElement() (bson.RawValue, bool) {
	switch e.OpType {
	case OpTypeUpdate:
		if e.O2 == nil {
			return bson.RawValue{}, false
		}
		v, err := e.O2.LookupErr("_id")
		if err != nil {
			return bson.RawValue{}, false
		}
		return v, true
	default:
		if e.Doc == nil {
			return bson.RawValue{}, false
		}
		v, err := e.Doc.LookupErr("_id")
		if err != nil {
			return bson.RawValue{}, false
		}
		return v, true
	}
}

// IsUnpreparedCommit reports whether the entry is a commitTransaction that
// was never prepared, in which case it's treated as a plain CRUD container.
func (e *Entry) IsUnpreparedCommit() bool {
	return e.OpType == OpTypeCommand && e.CommandType == CommandCommitTransaction && !e.Prepare
}

// IsUnpreparedApplyOps reports whether the entry is an applyOps entry that
// belongs neither to a prepared transaction nor to an in-progress
// (partialTxn) transaction.
func (e *Entry) IsUnpreparedApplyOps() bool {
	return e.OpType == OpTypeCommand && e.CommandType == CommandApplyOps && !e.Prepare && !e.InPendingTxn
}

// IsIsolatedCommand reports whether the entry must be isolated into its own
// batch: any command other than an unprepared commitTransaction/applyOps, or
// a write to a namespace requiring isolation.
func (e *Entry) IsIsolatedCommand() bool {
	if e.NS == "admin.system.version" {
		return true
	}
	if isSystemViewsNS(e.NS) {
		return true
	}
	if e.OpType != OpTypeCommand {
		return false
	}
	return !e.IsUnpreparedCommit() && !e.IsUnpreparedApplyOps()
}

func isSystemViewsNS(ns string) bool {
	const suffix = ".system.views"
	return len(ns) >= len(suffix) && ns[len(ns)-len(suffix):] == suffix
}

// ValidateVersion checks the entry's carried version against the single
// version this engine understands. A mismatch is fatal log corruption.
func ValidateVersion(e *Entry) error {
	if e.Version != expectedOplogVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrOplogVersionMismatch, e.Version, expectedOplogVersion)
	}
	return nil
}
