// Package markers implements the durable consistency-marker scalars:
// appliedThrough, minValid, and oplogTruncateAfterPoint. The pipeline
// driver is the single writer; any number of readers may observe the
// current values concurrently.
package markers

import (
	"errors"
	"fmt"
	"sync"

	"github.com/litetable/litetable-db/internal/oplog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DurableStore is the storage-engine seam where marker values are persisted.
// It stands in for local.replset.{minvalid,oplogTruncateAfterPoint,appliedThrough},
// an external collaborator referenced only by contract, so this package
// only depends on the interface.
type DurableStore interface {
	PersistAppliedThrough(oplog.OpTime) error
	PersistMinValid(oplog.OpTime) error
	PersistOplogTruncateAfterPoint(primitive.Timestamp) error
}

// Config configures a Markers instance.
type Config struct {
	Store DurableStore
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Store == nil {
		errGrp = append(errGrp, errors.New("durable store is required"))
	}
	return errors.Join(errGrp...)
}

// Markers holds the three consistency-marker scalars behind one lock. It
// does not itself check the steady-state invariant
// appliedThrough == lastAppliedOpTime >= minValid.
type Markers struct {
	mu sync.RWMutex

	appliedThrough          oplog.OpTime
	minValid                oplog.OpTime
	oplogTruncateAfterPoint primitive.Timestamp

	store DurableStore
}

// New creates a Markers instance backed by the given durable store.
func New(cfg *Config) (*Markers, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Markers{store: cfg.Store}, nil
}

// AppliedThrough returns the current appliedThrough optime.
func (m *Markers) AppliedThrough() oplog.OpTime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.appliedThrough
}

// MinValid returns the current minValid optime.
func (m *Markers) MinValid() oplog.OpTime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.minValid
}

// OplogTruncateAfterPoint returns the current truncate-after timestamp.
func (m *Markers) OplogTruncateAfterPoint() primitive.Timestamp {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.oplogTruncateAfterPoint
}

// SetAppliedThrough persists and updates appliedThrough. Callers (the
// pipeline driver) are responsible for only ever advancing it; this setter
// does not itself reject a regression. The driver keeps it moving forward
// by rejecting any batch whose first optime is not after lastApplied.
func (m *Markers) SetAppliedThrough(ot oplog.OpTime) error {
	if err := m.store.PersistAppliedThrough(ot); err != nil {
		return fmt.Errorf("persist appliedThrough: %w", err)
	}
	m.mu.Lock()
	m.appliedThrough = ot
	m.mu.Unlock()
	return nil
}

// RaiseMinValid sets minValid to max(minValid, ot).
func (m *Markers) RaiseMinValid(ot oplog.OpTime) error {
	m.mu.Lock()
	next := oplog.MaxOpTime(m.minValid, ot)
	m.mu.Unlock()

	if err := m.store.PersistMinValid(next); err != nil {
		return fmt.Errorf("persist minValid: %w", err)
	}
	m.mu.Lock()
	m.minValid = next
	m.mu.Unlock()
	return nil
}

// SetOplogTruncateAfterPoint sets the truncate-after marker, used to bound
// crash recovery.
func (m *Markers) SetOplogTruncateAfterPoint(ts primitive.Timestamp) error {
	if err := m.store.PersistOplogTruncateAfterPoint(ts); err != nil {
		return fmt.Errorf("persist oplogTruncateAfterPoint: %w", err)
	}
	m.mu.Lock()
	m.oplogTruncateAfterPoint = ts
	m.mu.Unlock()
	return nil
}

// ClearOplogTruncateAfterPoint clears the marker once a batch has been fully
// applied.
func (m *Markers) ClearOplogTruncateAfterPoint() error {
	return m.SetOplogTruncateAfterPoint(primitive.Timestamp{})
}

// CanAdvertiseSecondary reports whether lastApplied has caught up to
// minValid, the precondition gating the RECOVERING->SECONDARY transition.
func (m *Markers) CanAdvertiseSecondary(lastApplied oplog.OpTime) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !lastApplied.Less(m.minValid)
}

// LogInconsistentWindow emits a single structured warning describing the
// current inconsistency window; used by the finalizer when a batch ends
// still behind minValid.
func (m *Markers) LogInconsistentWindow(lastApplied oplog.OpTime) {
	log.Warn().
		Str("lastApplied", lastApplied.String()).
		Str("minValid", m.MinValid().String()).
		Msg("replica is in the inconsistent window")
}
