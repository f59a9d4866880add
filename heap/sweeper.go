package heap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chazu/sharedheap/taskpool"
)

// SweeperEnableType is the concurrent sweep policy.
type SweeperEnableType int32

const (
	EnableSweep SweeperEnableType = iota
	DisableSweep
	// RequestDisableSweep is a disable that waits for the in-flight sweep
	// to drain; EnsureAllTaskFinished commits it.
	RequestDisableSweep
	// ConfigDisableSweep is set from configuration and never undone.
	ConfigDisableSweep
)

func (t SweeperEnableType) String() string {
	switch t {
	case EnableSweep:
		return "ENABLE"
	case DisableSweep:
		return "DISABLE"
	case RequestDisableSweep:
		return "REQUEST_DISABLE"
	case ConfigDisableSweep:
		return "CONFIG_DISABLE"
	}
	return fmt.Sprintf("SweeperEnableType(%d)", int32(t))
}

// SharedSweepingSpaceNum is the number of concurrently swept spaces. It is
// also the number of completions each space waits for: every sweep task
// sweeps both spaces, so each space hears from both tasks.
const SharedSweepingSpaceNum = 2

// sweptSpaces lists the concurrently swept spaces by index.
var sweptSpaces = [SharedSweepingSpaceNum]SpaceType{SpaceOld, SpaceNonMovable}

func sweepIndex(t SpaceType) int {
	switch t {
	case SpaceOld:
		return 0
	case SpaceNonMovable:
		return 1
	}
	panic(fmt.Sprintf("heap: %v is not concurrently swept", t))
}

// SharedConcurrentSweeper sweeps the old and non-movable spaces on the
// worker pool while mutators keep running.
type SharedConcurrentSweeper struct {
	heap   *SharedHeap
	pool   *taskpool.Pool
	taskID int32

	// mu[i] and cv[i] guard remainingTaskNum[i].
	mu               [SharedSweepingSpaceNum]sync.Mutex
	cv               [SharedSweepingSpaceNum]*sync.Cond
	remainingTaskNum [SharedSweepingSpaceNum]int

	isSweeping atomic.Bool

	policyMu   sync.Mutex
	enableType SweeperEnableType
}

func newSharedConcurrentSweeper(h *SharedHeap, pool *taskpool.Pool, taskID int32, enableType SweeperEnableType) *SharedConcurrentSweeper {
	s := &SharedConcurrentSweeper{heap: h, pool: pool, taskID: taskID, enableType: enableType}
	for i := range s.cv {
		s.cv[i] = sync.NewCond(&s.mu[i])
	}
	return s
}

// Sweep starts the sweep of one GC cycle. When concurrent sweeping is
// enabled, the sparse spaces are only prepared and PostTask hands them to
// the pool; otherwise (and always for a full GC) they are swept inline. The
// huge object space is always swept inline. Must run while all mutators are
// suspended.
func (s *SharedConcurrentSweeper) Sweep(fullGC bool) {
	if s.isSweeping.Load() {
		panic("heap: Sweep while the previous sweep is in flight")
	}
	h := s.heap
	// The policy check and the sweeping flag change together, so a disable
	// arriving now either lands before (and sweeps inline) or becomes a
	// request.
	s.policyMu.Lock()
	concurrent := !fullGC && s.enableType != DisableSweep && s.enableType != ConfigDisableSweep
	if concurrent {
		h.oldSpace.PrepareSweeping()
		h.nonMovableSpace.PrepareSweeping()
		for i := range s.remainingTaskNum {
			s.mu[i].Lock()
			s.remainingTaskNum[i] = SharedSweepingSpaceNum
			s.mu[i].Unlock()
		}
		s.isSweeping.Store(true)
	}
	s.policyMu.Unlock()
	if !concurrent {
		h.oldSpace.Sweep()
		h.nonMovableSpace.Sweep()
	}
	h.hugeObjectSpace.Sweep()
}

// PostTask submits the two sweep tasks of a concurrent sweep. A pool that
// no longer accepts work gets the task run on the calling goroutine.
func (s *SharedConcurrentSweeper) PostTask() {
	if !s.isSweeping.Load() {
		return
	}
	for _, primary := range sweptSpaces {
		t := taskpool.Task{ID: s.taskID, Run: s.sweeperTask(primary)}
		if s.pool == nil || !s.pool.PostTask(t) {
			log.Warning("worker pool refused sweep task, sweeping inline", "space", primary)
			t.Run(-1)
		}
	}
}

// sweeperTask sweeps primary first and then the other space.
func (s *SharedConcurrentSweeper) sweeperTask(primary SpaceType) func(int) bool {
	return func(int) bool {
		s.AsyncSweepSpace(primary, false)
		for _, t := range sweptSpaces {
			if t != primary {
				s.AsyncSweepSpace(t, false)
			}
		}
		return true
	}
}

// AsyncSweepSpace sweeps what is left of t's sweeping list and records one
// completion for t.
func (s *SharedConcurrentSweeper) AsyncSweepSpace(t SpaceType, isMain bool) {
	i := sweepIndex(t)
	s.heap.sparseSpace(t).AsyncSweep(isMain)

	s.mu[i].Lock()
	defer s.mu[i].Unlock()
	if s.remainingTaskNum[i] <= 0 {
		panic(fmt.Sprintf("heap: sweep completion for %v with no task outstanding", t))
	}
	s.remainingTaskNum[i]--
	if s.remainingTaskNum[i] == 0 {
		s.cv[i].Broadcast()
	}
}

// WaitingTaskFinish blocks until t's sweep is complete and its free memory
// is in the allocator. A caller arriving while tasks are outstanding joins
// in as an extra participant and sweeps before waiting.
func (s *SharedConcurrentSweeper) WaitingTaskFinish(t SpaceType) {
	i := sweepIndex(t)
	s.mu[i].Lock()
	help := s.remainingTaskNum[i] > 0
	if help {
		s.remainingTaskNum[i]++
	}
	s.mu[i].Unlock()

	if help {
		s.AsyncSweepSpace(t, true)
		s.mu[i].Lock()
		for s.remainingTaskNum[i] > 0 {
			s.cv[i].Wait()
		}
		s.mu[i].Unlock()
	}
	s.heap.sparseSpace(t).FinishFillSweptRegion()
}

// EnsureAllTaskFinished drains both spaces and ends the sweep. A pending
// disable request is committed here. Must run while all mutators are
// suspended.
func (s *SharedConcurrentSweeper) EnsureAllTaskFinished() {
	if !s.heap.IsSuspended() {
		panic("heap: EnsureAllTaskFinished outside a suspend-all scope")
	}
	if !s.isSweeping.Load() {
		return
	}
	for _, t := range sweptSpaces {
		s.WaitingTaskFinish(t)
	}
	s.policyMu.Lock()
	s.isSweeping.Store(false)
	if s.enableType == RequestDisableSweep {
		s.enableType = DisableSweep
		log.Notice("concurrent sweep disabled")
	}
	s.policyMu.Unlock()
}

// EnsureTaskFinished drains one space. It leaves the sweeping flag alone;
// only EnsureAllTaskFinished may clear it.
func (s *SharedConcurrentSweeper) EnsureTaskFinished(t SpaceType) {
	if !s.isSweeping.Load() {
		return
	}
	s.WaitingTaskFinish(t)
}

// EnableConcurrentSweep changes the policy. Disabling while a sweep is in
// flight becomes a request that EnsureAllTaskFinished commits.
// ConfigDisableSweep cannot be undone.
func (s *SharedConcurrentSweeper) EnableConcurrentSweep(t SweeperEnableType) {
	s.policyMu.Lock()
	defer s.policyMu.Unlock()
	if s.enableType == ConfigDisableSweep {
		return
	}
	if t == DisableSweep && s.isSweeping.Load() {
		t = RequestDisableSweep
	}
	if s.enableType != t {
		log.Notice("concurrent sweep policy changed", "from", s.enableType, "to", t)
	}
	s.enableType = t
}

// IsConfigDisabled reports whether configuration turned concurrent sweeping
// off for good.
func (s *SharedConcurrentSweeper) IsConfigDisabled() bool {
	return s.EnableType() == ConfigDisableSweep
}

// IsSweeping reports whether a concurrent sweep is in flight.
func (s *SharedConcurrentSweeper) IsSweeping() bool { return s.isSweeping.Load() }

// ConcurrentSweepEnabled reports whether the next Sweep runs concurrently.
// A pending disable request still counts as enabled.
func (s *SharedConcurrentSweeper) ConcurrentSweepEnabled() bool {
	t := s.EnableType()
	return t != DisableSweep && t != ConfigDisableSweep
}

// EnableType returns the current policy.
func (s *SharedConcurrentSweeper) EnableType() SweeperEnableType {
	s.policyMu.Lock()
	defer s.policyMu.Unlock()
	return s.enableType
}

// RemainingTaskNum returns the outstanding completions for t.
func (s *SharedConcurrentSweeper) RemainingTaskNum(t SpaceType) int {
	i := sweepIndex(t)
	s.mu[i].Lock()
	defer s.mu[i].Unlock()
	return s.remainingTaskNum[i]
}
