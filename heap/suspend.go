package heap

import "time"

// SuspendAllScope holds every mutator at a safepoint until Release.
//
// Managed mutators share the world lock and give it up at safepoints; the
// scope takes it exclusively. The requesting mutator, if any, leaves its
// managed state for the life of the scope.
type SuspendAllScope struct {
	heap     *SharedHeap
	mutator  *Mutator
	start    time.Time
	released bool
}

// SuspendAll stops the world. m is the calling mutator, or nil when the
// caller is not one (the daemon, a worker, a test).
func (h *SharedHeap) SuspendAll(m *Mutator) *SuspendAllScope {
	if m != nil && !m.leaveManaged() {
		m = nil
	}
	h.suspendPending.Add(1)
	h.world.Lock()
	h.suspendPending.Add(-1)
	h.suspended.Store(true)
	return &SuspendAllScope{heap: h, mutator: m, start: time.Now()}
}

// Release resumes the world. Calling it twice is a no-op.
func (s *SuspendAllScope) Release() {
	if s.released {
		return
	}
	s.released = true
	h := s.heap
	h.pauseNanos.Add(int64(time.Since(s.start)))
	h.pauseCount.Add(1)
	h.suspended.Store(false)
	h.world.Unlock()
	if s.mutator != nil {
		s.mutator.enterManaged()
	}
}

// IsSuspended reports whether a suspend-all scope is active.
func (h *SharedHeap) IsSuspended() bool { return h.suspended.Load() }

// suspendRequested reports whether a SuspendAll is waiting for mutators.
func (h *SharedHeap) suspendRequested() bool { return h.suspendPending.Load() > 0 }
