package pipeline

import (
	"sync"

	"github.com/litetable/litetable-db/internal/markers"
	"github.com/litetable/litetable-db/internal/oplog"
	"github.com/litetable/litetable-db/internal/replstate"
	"github.com/rs/zerolog/log"
)

// transitionLock is the replication-state-transition lock (exclusive),
// taken around the precondition check and setFollowerMode call so two
// concurrent transition attempts can't interleave.
var transitionLock sync.Mutex

// TryTransitionToSecondary attempts the RECOVERING->SECONDARY transition.
// All preconditions must hold; any setFollowerMode failure is logged but
// non-fatal and simply retried on the next pipeline iteration.
func TryTransitionToSecondary(coord replstate.Coordinator, m *markers.Markers, lastApplied oplog.OpTime) {
	transitionLock.Lock()
	defer transitionLock.Unlock()

	state := coord.MemberState()
	if state == replstate.StatePrimary || state == replstate.StateSecondary {
		return
	}
	if state == replstate.StateMaintenance {
		return
	}
	if state != replstate.StateRecovering {
		return
	}
	if !m.CanAdvertiseSecondary(lastApplied) {
		return
	}

	if err := coord.SetFollowerMode(replstate.StateSecondary); err != nil {
		log.Warn().Err(err).Msg("RECOVERING->SECONDARY transition failed, will retry")
	}
}
