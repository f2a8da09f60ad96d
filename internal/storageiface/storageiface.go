// Package storageiface declares the storage-engine contract the oplog
// application engine writes through. The storage engine's record store,
// index catalog, and durability machinery are explicitly out of scope,
// referenced only by contract — this package holds no production
// implementation, only interfaces and the lock-mode vocabulary that the
// applier dispatches on.
package storageiface

import (
	"context"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// LockMode selects DB lock IX plus collection lock IX, but MODE_X on
// system.views ops.
type LockMode int

const (
	ModeIX LockMode = iota
	ModeX
)

// WriteConflict is returned by any RecordStore method when the storage
// engine could not take an optimistic-concurrency snapshot for the write;
// the applier abandons its snapshot and retries.
type WriteConflict struct{ NS string }

func (e *WriteConflict) Error() string { return "write conflict on " + e.NS }

// NamespaceNotFound is returned when a CRUD op targets a namespace the
// storage engine does not have. Whether this is tolerated depends on the
// applier's running mode and the op type.
type NamespaceNotFound struct{ NS string }

func (e *NamespaceNotFound) Error() string { return "namespace not found: " + e.NS }

// UpdateOperationFailed signals an update that matched no document; in
// initial-sync mode this triggers the missing-document fetcher.
type UpdateOperationFailed struct {
	NS string
	ID bson.RawValue
}

func (e *UpdateOperationFailed) Error() string { return "update matched no document in " + e.NS }

// RecordStore is the storage engine's record-level read/write surface.
// Timestamps on every write use the op's own timestamp so replicas
// converge on identical durable timelines.
type RecordStore interface {
	// InsertDocuments bulk-inserts docs into ns under the given lock mode,
	// all stamped with ts. Implementations must reject the call outright
	// for a namespace they don't recognize by returning NamespaceNotFound.
	InsertDocuments(ctx context.Context, ns string, docs []bson.Raw, ts primitive.Timestamp, mode LockMode) error

	// UpsertDocument applies an update-style modifier to the document
	// matching filter in ns, stamped with ts. If upsert is true and no
	// document matches, a new document is inserted instead of returning
	// UpdateOperationFailed.
	UpsertDocument(ctx context.Context, ns string, filter, modifier bson.Raw, ts primitive.Timestamp, upsert bool, mode LockMode) error

	// DeleteDocument removes the document matching filter in ns.
	DeleteDocument(ctx context.Context, ns string, filter bson.Raw, ts primitive.Timestamp, mode LockMode) error

	// DispatchCommand applies a non-CRUD command (create, drop,
	// createIndexes, ...) against ns.
	DispatchCommand(ctx context.Context, ns string, commandType string, cmd bson.Raw, ts primitive.Timestamp) error

	// OplogDiskLocRegister registers the on-disk location of an already
	// written oplog entry, making it visible to readers.
	OplogDiskLocRegister(ctx context.Context, ts primitive.Timestamp, orderedCommit bool) error

	// SetIndexIsMultikey records that an index on ns became multikey as of
	// ts, tracking pending multikey-path updates.
	SetIndexIsMultikey(ctx context.Context, ns string, indexName string, ts primitive.Timestamp) error

	// GetRecoveryTimestamp returns the storage engine's last-known
	// consistent recovery timestamp, if it has one.
	GetRecoveryTimestamp(ctx context.Context) (primitive.Timestamp, bool)

	// SupportsDocLocking reports whether the engine can take per-document
	// locks, enabling partitioner document affinity.
	SupportsDocLocking() bool

	// SupportsPendingDrops reports whether the engine defers physical
	// namespace removal, affecting how dropDatabase/drop commands are
	// dispatched.
	SupportsPendingDrops() bool
}

// MissingDocSource is the upstream queried by the missing-document fetcher
// during initial sync.
type MissingDocSource interface {
	// FetchByUUID returns the current version of the document identified
	// by collection UUID and _id, or (nil, false) if it no longer exists
	// upstream.
	FetchByUUID(ctx context.Context, collUUID uuid.UUID, id bson.RawValue) (bson.Raw, bool, error)
	// FetchByNamespace is the fallback when the op carries no UUID.
	FetchByNamespace(ctx context.Context, ns string, id bson.RawValue) (bson.Raw, bool, error)
}
