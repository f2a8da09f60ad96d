package oplog

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// wireEntry mirrors the producer's on-the-wire oplog entry schema, field for
// field.
type wireEntry struct {
	TS         primitive.Timestamp `bson:"ts"`
	Term       int64               `bson:"t"`
	H          int64               `bson:"h"`
	V          int                 `bson:"v"`
	Op         string              `bson:"op"`
	NS         string              `bson:"ns"`
	UI         *primitive.Binary   `bson:"ui,omitempty"`
	O          bson.Raw            `bson:"o"`
	O2         bson.Raw            `bson:"o2,omitempty"`
	Wall       int64               `bson:"wall"`
	LSID       bson.Raw            `bson:"lsid,omitempty"`
	TxnNumber  *int64              `bson:"txnNumber,omitempty"`
	StmtID     *int32              `bson:"stmtId,omitempty"`
	PrevOpTime *prevOpTimeWire     `bson:"prevOpTime,omitempty"`
	Prepare    bool                `bson:"prepare,omitempty"`
	PartialTxn bool                `bson:"partialTxn,omitempty"`
}

type prevOpTimeWire struct {
	TS   primitive.Timestamp `bson:"ts"`
	Term int64               `bson:"t"`
}

type lsidWire struct {
	ID SessionID `bson:"id"`
}

// Decode parses a raw BSON-encoded oplog entry into an Entry, retaining the
// original bytes in Raw so they can be written back verbatim.
func Decode(raw bson.Raw) (*Entry, error) {
	var w wireEntry
	if err := bson.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode oplog entry: %w", err)
	}

	e := &Entry{
		OpTime:     OpTime{Timestamp: w.TS, Term: w.Term},
		WallTime:   w.Wall,
		OpType:     OpType(w.Op),
		NS:         w.NS,
		UUID:       w.UI,
		Doc:        w.O,
		O2:         w.O2,
		TxnNumber:  w.TxnNumber,
		StmtID:     w.StmtID,
		Version:    w.V,
		Prepare:    w.Prepare,
		H:          w.H,
		Raw:        raw,
	}

	if w.LSID != nil {
		var l lsidWire
		if err := bson.Unmarshal(w.LSID, &l); err == nil && l.ID != "" {
			sid := l.ID
			e.SessionID = &sid
		}
	}

	if w.PrevOpTime != nil {
		pot := OpTime{Timestamp: w.PrevOpTime.TS, Term: w.PrevOpTime.Term}
		e.PrevOpTime = &pot
	}

	// partialTxn marks an in-progress, uncommitted transaction statement;
	// it is the only field that sets InPendingTxn.
	e.InPendingTxn = w.PartialTxn

	if e.OpType == OpTypeCommand {
		if ct, ok := lookupCommandType(w.O); ok {
			e.CommandType = ct
		}
	}

	return e, nil
}

// commandDiscriminators is the fixed set of keys MongoDB's wire format uses
// to discriminate command sub-schemas in a command entry's "o" document
// (e.g. {create: "foo", ...}). Checked by direct key lookup rather than by
// inspecting the document's first element, since command documents are not
// guaranteed to put the discriminator first on the wire.
var commandDiscriminators = []CommandType{
	CommandCreate, CommandDrop, CommandDropDatabase, CommandRenameCollection,
	CommandCreateIndexes, CommandDropIndexes, CommandApplyOps,
	CommandCommitTransaction, CommandAbortTransaction, CommandPrepareTxn,
}

func lookupCommandType(o bson.Raw) (CommandType, bool) {
	if o == nil {
		return "", false
	}
	for _, ct := range commandDiscriminators {
		if _, err := o.LookupErr(string(ct)); err == nil {
			return ct, true
		}
	}
	return "", false
}

// EncodedSize approximates the on-wire byte size of an entry for batch
// byte-budget accounting (BatchLimits.MaxBytes). When Raw is present it is
// authoritative; otherwise the size is the summed length of the "o" and
// "o2" documents.
func EncodedSize(e *Entry) int {
	if e.Raw != nil {
		return len(e.Raw)
	}
	return len(e.Doc) + len(e.O2)
}

// applyOpsWire mirrors the inner-op schema nested in an applyOps command's
// "o.applyOps" array: each element carries its own op/ns/o/o2/ui but
// inherits the container's optime and wall time. Each inner op is expanded
// and re-partitioned as if it had appeared in the batch individually.
type applyOpsWire struct {
	ApplyOps []innerOpWire `bson:"applyOps"`
}

type innerOpWire struct {
	Op string            `bson:"op"`
	NS string            `bson:"ns"`
	UI *primitive.Binary `bson:"ui,omitempty"`
	O  bson.Raw          `bson:"o"`
	O2 bson.Raw          `bson:"o2,omitempty"`
}

// DecodeApplyOpsInner expands an unprepared applyOps entry into its inner
// operations, each synthesized as a standalone Entry carrying the
// container's optime, wall time, and version.
func DecodeApplyOpsInner(container *Entry) ([]*Entry, error) {
	var w applyOpsWire
	if err := bson.Unmarshal(container.Doc, &w); err != nil {
		return nil, fmt.Errorf("decode applyOps container: %w", err)
	}

	out := make([]*Entry, 0, len(w.ApplyOps))
	for _, io := range w.ApplyOps {
		e := &Entry{
			OpTime:   container.OpTime,
			WallTime: container.WallTime,
			OpType:   OpType(io.Op),
			NS:       io.NS,
			UUID:     io.UI,
			Doc:      io.O,
			O2:       io.O2,
			Version:  container.Version,
		}
		if e.OpType == OpTypeCommand {
			if ct, ok := lookupCommandType(io.O); ok {
				e.CommandType = ct
			}
		}
		out = append(out, e)
	}
	return out, nil
}
