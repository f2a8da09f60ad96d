package memstore

import "github.com/litetable/litetable-db/internal/oplog"

// NopChainReader never finds a previous oplog entry. Appropriate only when
// the storage engine's local.oplog.rs collection isn't wired up, meaning
// prepared/unprepared transaction chains can't be reconstructed from
// history — a real deployment supplies a ChainReader backed by the actual
// oplog collection.
type NopChainReader struct{}

func (NopChainReader) Next(oplog.OpTime) (*oplog.Entry, bool) { return nil, false }
