// Package replstate declares the contract the oplog application engine
// reads replica state through: current term, member state, and whether the
// node can currently accept writes. The election/heartbeat/config
// subsystem behind it is out of scope — referenced only by contract, with
// no production implementation living here.
package replstate

import "github.com/litetable/litetable-db/internal/oplog"

// MemberState mirrors the subset of replica set states this engine's
// RECOVERING->SECONDARY transition logic reasons about.
type MemberState int

const (
	StateStartup MemberState = iota
	StateRecovering
	StateSecondary
	StatePrimary
	StateMaintenance
)

func (s MemberState) String() string {
	switch s {
	case StateStartup:
		return "STARTUP"
	case StateRecovering:
		return "RECOVERING"
	case StateSecondary:
		return "SECONDARY"
	case StatePrimary:
		return "PRIMARY"
	case StateMaintenance:
		return "MAINTENANCE"
	default:
		return "UNKNOWN"
	}
}

// Coordinator is the external replication-coordinator contract: term,
// member state, and the state-transition entry point the pipeline driver
// calls at the start of each iteration, before pulling the next batch.
type Coordinator interface {
	Term() int64
	MemberState() MemberState
	CanAcceptWrites() bool
	GetMinValid() oplog.OpTime

	// SetFollowerMode attempts to transition into state, returning an
	// error if a concurrent transition or precondition failure prevents
	// it. The pipeline driver treats any error as non-fatal and retries
	// on the next tick.
	SetFollowerMode(state MemberState) error
}
