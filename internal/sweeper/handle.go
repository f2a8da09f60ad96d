package sweeper

import "sync"

// HandleType distinguishes BTREE handles, which can be expired/closed on
// their own, from TABLE handles, which additionally require the table lock
// before close/remove.
type HandleType int

const (
	HandleTypeBtree HandleType = iota
	HandleTypeTable
)

// SweepableHandle is a single open data handle tracked by the sweeper.
// Lock stands in for the handle's own rwlock; callers use Lock.TryLock()
// where the original does __wt_try_writelock.
type SweepableHandle struct {
	Lock sync.RWMutex

	Name     string
	Type     HandleType
	Metadata bool

	mu             sync.Mutex
	exclusive      bool
	open           bool
	dead           bool
	sessionInUse   int
	sessionRef     int
	timeOfDeath    int64
	modified       bool
	lastDirtyTxnID int64
	lastDirtyTS    int64
}

// NewSweepableHandle creates an open, non-exclusive, non-dead handle.
func NewSweepableHandle(name string, typ HandleType) *SweepableHandle {
	return &SweepableHandle{Name: name, Type: typ, open: true}
}

func (h *SweepableHandle) Exclusive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exclusive
}

func (h *SweepableHandle) SetExclusive(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exclusive = v
}

func (h *SweepableHandle) Open() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open
}

func (h *SweepableHandle) SetOpen(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.open = v
}

func (h *SweepableHandle) Dead() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dead
}

func (h *SweepableHandle) markDead() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dead = true
}

func (h *SweepableHandle) SessionInUse() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionInUse
}

// AcquireSession and ReleaseSession track concurrently-open cursors on this
// handle; mark() keeps a handle alive whenever more than one is open.
func (h *SweepableHandle) AcquireSession() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionInUse++
}

func (h *SweepableHandle) ReleaseSession() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessionInUse > 0 {
		h.sessionInUse--
	}
}

func (h *SweepableHandle) SessionRef() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionRef
}

func (h *SweepableHandle) AddRef() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionRef++
}

func (h *SweepableHandle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessionRef > 0 {
		h.sessionRef--
	}
}

func (h *SweepableHandle) TimeOfDeath() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timeOfDeath
}

func (h *SweepableHandle) setTimeOfDeath(t int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeOfDeath = t
}

func (h *SweepableHandle) ClearTimeOfDeath() {
	h.setTimeOfDeath(0)
}

func (h *SweepableHandle) Modified() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.modified
}

func (h *SweepableHandle) SetModified(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.modified = v
}

// MarkDirty records the highest txn id / timestamp not yet known globally
// visible, consulted by VisibilityChecker during expire.
func (h *SweepableHandle) MarkDirty(txnID, ts int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastDirtyTxnID = txnID
	h.lastDirtyTS = ts
}

func (h *SweepableHandle) dirtyTxn() (int64, int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastDirtyTxnID, h.lastDirtyTS
}

// Discardable reports WT_DHANDLE_CAN_DISCARD: not exclusive, not open, and
// referenced by no session.
func (h *SweepableHandle) Discardable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exclusive && !h.open && h.sessionInUse == 0 && h.sessionRef == 0
}
