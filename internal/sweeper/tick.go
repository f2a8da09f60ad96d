package sweeper

// mark implements __sweep_mark: set timeOfDeath on idle handles, clear it
// on handles with multiple concurrent cursors.
func mark(handles []*SweepableHandle, now int64) {
	for _, h := range handles {
		if h.Metadata {
			continue
		}
		if h.SessionInUse() > 1 {
			h.ClearTimeOfDeath()
			continue
		}
		if h.Exclusive() || h.SessionInUse() > 0 || h.TimeOfDeath() != 0 {
			continue
		}
		h.setTimeOfDeath(now)
	}
}

// expire implements __sweep_expire: while open count is at or above
// handlesMin, try to close each OPEN handle that's been idle longer than
// idleTime.
func (s *Sweeper) expire(handles []*SweepableHandle, now int64) error {
	for _, h := range handles {
		if s.registry.OpenCount() < s.handlesMin {
			break
		}
		if h.Metadata || !h.Open() || h.SessionInUse() != 0 || h.TimeOfDeath() == 0 {
			continue
		}
		if now-h.TimeOfDeath() <= int64(s.idleTime.Seconds()) {
			continue
		}
		if err := s.expireOne(h); err != nil {
			if err == ErrBusy {
				continue
			}
			return err
		}
	}
	return nil
}

// expireOne implements __sweep_expire_one: try-acquire the handle's write
// lock, skip trees with unwritten or not-yet-visible updates, otherwise
// mark dead and close.
func (s *Sweeper) expireOne(h *SweepableHandle) error {
	if h.Type == HandleTypeTable && s.tableLock != nil {
		s.tableLock.Lock()
		defer s.tableLock.Unlock()
	}

	if !h.Lock.TryLock() {
		return ErrBusy
	}
	defer h.Lock.Unlock()

	if h.Modified() {
		return nil
	}
	txnID, ts := h.dirtyTxn()
	if !s.visibility.VisibleToAll(txnID, ts) {
		return nil
	}

	if err := s.closer.Close(h); err != nil {
		return err
	}
	h.markDead()
	h.SetOpen(false)
	return nil
}

// discardTrees implements __sweep_discard_trees: flush pages from handles
// already marked dead, and count every currently-discardable handle for the
// caller to decide whether remove() is worth running.
func discardTrees(handles []*SweepableHandle, closer HandleCloser) (int, error) {
	deadHandles := 0
	for _, h := range handles {
		if h.Discardable() {
			deadHandles++
		}
		if !h.Open() || !h.Dead() {
			continue
		}
		if err := closer.Discard(h); err != nil {
			return deadHandles, err
		}
		h.SetOpen(false)
		deadHandles++
	}
	return deadHandles, nil
}

// removeHandles implements __sweep_remove_handles: for every discardable,
// non-metadata handle, acquire the handle-list (and, for TABLE, table) lock
// plus the handle's own write lock, re-check discardability, and unlink it
// from the registry.
func (s *Sweeper) removeHandles(handles []*SweepableHandle) error {
	for _, h := range handles {
		if h.Metadata || !h.Discardable() {
			continue
		}
		if err := s.removeOne(h); err != nil {
			if err == ErrBusy {
				continue
			}
			return err
		}
		s.registry.Remove(h)
	}
	return nil
}

func (s *Sweeper) removeOne(h *SweepableHandle) error {
	if h.Type == HandleTypeTable && s.tableLock != nil {
		s.tableLock.Lock()
		defer s.tableLock.Unlock()
	}
	if s.handleListLock != nil {
		s.handleListLock.Lock()
		defer s.handleListLock.Unlock()
	}

	if !h.Lock.TryLock() {
		return ErrBusy
	}
	defer h.Lock.Unlock()

	if !h.Discardable() {
		return ErrBusy
	}
	return s.closer.Discard(h)
}
