// Package txnassembler reconstructs the full, chronologically ordered list
// of operations belonging to a transaction at commit/prepare time, the same
// job MongoDB's transaction_oplog_application.cpp performs in
// readTransactionOperationsFromOplogChain. The on-disk walk is delegated
// to ChainReader, an external collaborator over the durable oplog.
package txnassembler

import (
	"errors"
	"fmt"

	"github.com/litetable/litetable-db/internal/oplog"
)

var ErrEmptyCommit = oplog.ErrEmptyCommit

// ChainReader walks the durable oplog backward via prevOpTime links. It
// stands in for TransactionHistoryIterator, an external collaborator
// referenced only by contract.
type ChainReader interface {
	// Next returns the entry at ot, or (nil, false) if the chain
	// terminates (no entry at that optime — typically a zero OpTime).
	Next(ot oplog.OpTime) (*oplog.Entry, bool)
}

// Config configures an Assembler.
type Config struct {
	Chain ChainReader
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Chain == nil {
		errGrp = append(errGrp, errors.New("chain reader is required"))
	}
	return errors.Join(errGrp...)
}

// Assembler reconstructs transactions from their prevOpTime chain.
type Assembler struct {
	chain ChainReader
}

// New creates an Assembler.
func New(cfg *Config) (*Assembler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Assembler{chain: cfg.Chain}, nil
}

// Assemble reconstructs the full ordered operation list for a
// commitTransaction or prepareTransaction entry:
//  1. lastEntryOpTime <- prevOpTime of (first cachedOp if any else
//     commit/prepare).
//  2. Walk the on-disk chain backward from lastEntryOpTime via prevOpTime
//     links until it terminates, collecting each entry.
//  3. Reverse those to chronological order.
//  4. Append cachedOps (already chronological).
//  5. Rebuild each collected inner op as if it occurred at the
//     commit/prepare optime, overlaying the commit/prepare's envelope.
func (a *Assembler) Assemble(commitOrPrepare *oplog.Entry, cachedOps []*oplog.Entry) ([]*oplog.Entry, error) {
	if commitOrPrepare.CommandType == oplog.CommandCommitTransaction && len(cachedOps) == 0 {
		lastEntryOpTime := entryPrevOpTime(commitOrPrepare)
		if lastEntryOpTime.IsZero() {
			return nil, fmt.Errorf("assemble transaction at %s: %w", commitOrPrepare.OpTime, ErrEmptyCommit)
		}
		if _, ok := a.chain.Next(lastEntryOpTime); !ok {
			return nil, fmt.Errorf("assemble transaction at %s: %w", commitOrPrepare.OpTime, ErrEmptyCommit)
		}
	}

	var lastEntryOpTime oplog.OpTime
	if len(cachedOps) > 0 {
		lastEntryOpTime = entryPrevOpTime(cachedOps[0])
	} else {
		lastEntryOpTime = entryPrevOpTime(commitOrPrepare)
	}

	var fromChain []*oplog.Entry
	cur := lastEntryOpTime
	for !cur.IsZero() {
		entry, ok := a.chain.Next(cur)
		if !ok {
			break
		}
		fromChain = append(fromChain, overlayEnvelope(entry, commitOrPrepare))
		if entry.PrevOpTime == nil {
			break
		}
		cur = *entry.PrevOpTime
	}
	reverse(fromChain)

	ops := make([]*oplog.Entry, 0, len(fromChain)+len(cachedOps))
	ops = append(ops, fromChain...)
	for _, op := range cachedOps {
		ops = append(ops, overlayEnvelope(op, commitOrPrepare))
	}
	return ops, nil
}

func entryPrevOpTime(e *oplog.Entry) oplog.OpTime {
	if e.PrevOpTime == nil {
		return oplog.OpTime{}
	}
	return *e.PrevOpTime
}

// overlayEnvelope rebuilds an inner transaction op "as if" it occurred at
// the commit/prepare optime: the op's own fields (op/ns/o/o2/ui) are kept,
// and the commit/prepare's envelope (session, txn, timing) is overlaid
func overlayEnvelope(inner, envelope *oplog.Entry) *oplog.Entry {
	out := *inner
	out.OpTime = envelope.OpTime
	out.WallTime = envelope.WallTime
	out.SessionID = envelope.SessionID
	out.TxnNumber = envelope.TxnNumber
	out.StmtID = envelope.StmtID
	out.InPendingTxn = false
	out.Raw = nil
	return &out
}

func reverse(entries []*oplog.Entry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}
