package memstore

import "github.com/litetable/litetable-db/internal/sweeper"

// NopRegistry is an empty handle registry, appropriate when the storage
// engine's own page cache isn't wired up to the sweeper.
type NopRegistry struct{}

func (NopRegistry) Handles() []*sweeper.SweepableHandle { return nil }
func (NopRegistry) OpenCount() int                       { return 0 }
func (NopRegistry) Remove(*sweeper.SweepableHandle)      {}

// NopHandleCloser performs no I/O; paired with NopRegistry, which never
// hands the sweeper a handle to close in the first place.
type NopHandleCloser struct{}

func (NopHandleCloser) Close(*sweeper.SweepableHandle) error   { return nil }
func (NopHandleCloser) Discard(*sweeper.SweepableHandle) error { return nil }

// AlwaysVisible reports every transaction as globally visible, appropriate
// when there is no real multi-version storage engine behind the sweeper.
type AlwaysVisible struct{}

func (AlwaysVisible) VisibleToAll(int64, int64) bool { return true }
