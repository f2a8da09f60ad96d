package oplog

import "errors"

// Sentinel errors, wrapped with context by their callers.
var (
	// ErrOplogVersionMismatch is fatal: the log is corrupt or produced by an
	// incompatible version.
	ErrOplogVersionMismatch = errors.New("oplog entry version mismatch")
	// ErrOplogOutOfOrder is fatal: a batch's first optime did not exceed
	// lastApplied at entry.
	ErrOplogOutOfOrder = errors.New("oplog entries out of order")
	// ErrEmptyCommit is returned by the transaction assembler: a
	// commitTransaction must have at least one op.
	ErrEmptyCommit = errors.New("commitTransaction has no operations")
)
