package failpoint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGateDefaultsDisarmed(t *testing.T) {
	r := NewRegistry()
	g := r.Get("pauseBatchApplicationBeforeCompletion")
	require.False(t, g.Enabled())
	g.Enter() // must not block
}

func TestGateNTimesDisarmsAfterN(t *testing.T) {
	g := &Gate{}
	g.SetMode(NTimes, 2)
	require.True(t, g.Enabled())
	g.Enter()
	require.True(t, g.Enabled())
	g.Enter()
	require.False(t, g.Enabled())
}

func TestGateAlwaysOnStaysArmed(t *testing.T) {
	g := &Gate{}
	g.SetMode(AlwaysOn, 0)
	for i := 0; i < 5; i++ {
		g.Enter()
	}
	require.True(t, g.Enabled())
}

func TestRegistryReturnsSameGateByName(t *testing.T) {
	r := NewRegistry()
	a := r.Get("x")
	b := r.Get("x")
	require.Same(t, a, b)
}

func TestGateOffDisarms(t *testing.T) {
	g := &Gate{}
	g.SetMode(AlwaysOn, 0)
	g.Off()
	require.False(t, g.Enabled())
}
