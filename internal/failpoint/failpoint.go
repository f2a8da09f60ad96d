// Package failpoint implements a small named pause-point registry, the
// idiomatic Go analog of MongoDB's MONGO_FAIL_POINT_DEFINE/MONGO_FAIL_POINT
// call sites scattered throughout its oplog application code. In production
// every gate is a no-op; tests arm a gate by name to make timing-sensitive
// behavior deterministic.
package failpoint

import "sync"

// Mode selects how many times an armed gate fires before disarming.
type Mode int

const (
	Off Mode = iota
	AlwaysOn
	NTimes
	Skip
)

// Gate is one named pause point's armed state.
type Gate struct {
	mu      sync.Mutex
	enabled bool
	mode    Mode
	n       int
}

// Enter records one pass through the pause point. It never blocks: an
// AlwaysOn gate stays armed, an NTimes or Skip gate counts down and disarms
// itself once its count runs out, and a disarmed gate returns immediately.
func (g *Gate) Enter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled {
		return
	}
	switch g.mode {
	case AlwaysOn:
		return
	case NTimes:
		if g.n <= 0 {
			g.enabled = false
			return
		}
		g.n--
		if g.n <= 0 {
			g.enabled = false
		}
	case Skip:
		if g.n > 0 {
			g.n--
			return
		}
		g.enabled = false
	}
}

// Enabled reports whether the gate is currently armed.
func (g *Gate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// SetMode arms the gate with the given mode; n is the fire-count for
// NTimes/Skip and is ignored otherwise.
func (g *Gate) SetMode(mode Mode, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = mode != Off
	g.mode = mode
	g.n = n
}

// Off disarms the gate.
func (g *Gate) Off() {
	g.SetMode(Off, 0)
}

// Registry is a process-wide set of named gates, one per documented
// pause-point (e.g. "pauseBatchApplicationBeforeCompletion",
// "pauseBeforeSweepTick"). Gates are created lazily on first lookup.
type Registry struct {
	mu    sync.Mutex
	gates map[string]*Gate
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{gates: make(map[string]*Gate)}
}

// Get returns the named gate, creating it disarmed if it doesn't exist.
func (r *Registry) Get(name string) *Gate {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[name]
	if !ok {
		g = &Gate{}
		r.gates[name] = g
	}
	return g
}
