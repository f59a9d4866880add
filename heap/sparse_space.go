package heap

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// SharedSparseSpace is a free-list space whose regions can be swept on
// background goroutines while mutators keep allocating from regions that are
// not in the current sweep.
//
// Lock order: allocLock before lock.
type SharedSparseSpace struct {
	Space

	// allocLock guards the allocator and the region list.
	allocLock sync.Mutex
	allocator *FreeObjectList

	// lock guards the sweeping and swept lists.
	lock         sync.Mutex
	sweepingList []*Region
	sweptList    []*Region

	// sweeping is set by PrepareSweeping and cleared once every region of
	// the snapshot has been filled.
	sweeping atomic.Bool

	filledRegions atomic.Uint64
	helpedRegions atomic.Uint64
}

func newSharedSparseSpace(h *SharedHeap, t SpaceType, maxCapacity uintptr) *SharedSparseSpace {
	return &SharedSparseSpace{
		Space:     newSpace(h, t, maxCapacity),
		allocator: newFreeObjectList(),
	}
}

// Allocate returns the address of size bytes, or 0 when the space cannot
// grow. A zero result is a soft failure: the caller collects and retries.
// The returned cell is uninitialized; the heap writes its header.
func (s *SharedSparseSpace) Allocate(size uintptr) (*Region, uintptr) {
	s.allocLock.Lock()
	r, addr := s.allocator.Allocate(size)
	if addr == 0 {
		r, addr = s.tryFillSweptRegionLocked(size)
	}
	if addr == 0 && s.sweeping.Load() {
		// Finish sweeping this space rather than growing it.
		s.allocLock.Unlock()
		s.heap.sweeper.EnsureTaskFinished(s.spaceType)
		s.allocLock.Lock()
		r, addr = s.allocator.Allocate(size)
	}
	if addr == 0 && s.expandLocked() {
		r, addr = s.allocator.Allocate(size)
	}
	if addr != 0 {
		s.IncreaseObjectSize(size)
	}
	s.allocLock.Unlock()
	return r, addr
}

// expandLocked adds one region if the space and the heap allow it.
func (s *SharedSparseSpace) expandLocked() bool {
	regionSize := s.heap.regionAllocator.RegionSize()
	if s.exceedsCapacity(regionSize) || s.heap.OldSpaceExceedCapacity(regionSize) {
		return false
	}
	r := s.heap.regionAllocator.AllocateRegion(s.spaceType, regionSize)
	r.sweepState.Store(int32(Swept))
	r.filled = true
	s.AddRegion(r)
	s.allocator.Free(r, r.begin, r.end-r.begin)
	log.Debug("space expanded", "space", s.spaceType, "regions", s.RegionCount())
	return true
}

// ---------------------------------------------------------------------------
// Sweeping
// ---------------------------------------------------------------------------

// PrepareSweeping snapshots every region into the sweeping list. Regions
// added after this call are not swept this cycle. Must run while all
// mutators are suspended.
func (s *SharedSparseSpace) PrepareSweeping() {
	s.allocLock.Lock()
	defer s.allocLock.Unlock()
	s.lock.Lock()
	defer s.lock.Unlock()

	if len(s.sweepingList) != 0 || len(s.sweptList) != 0 {
		panic(fmt.Sprintf("heap: %v prepared for sweeping with a sweep in flight", s.spaceType))
	}
	var live uintptr
	s.EnumerateRegions(func(r *Region) {
		live += r.AliveObject()
		r.sweepState.Store(int32(NotSwept))
		r.filled = false
		r.freeSet = newFreeObjectList()
		r.swapRSetForSweep()
		s.sweepingList = append(s.sweepingList, r)
	})
	// Regions with the most free space are popped first.
	sort.Slice(s.sweepingList, func(i, j int) bool {
		return s.sweepingList[i].AliveObject() > s.sweepingList[j].AliveObject()
	})
	s.objectSize.Store(int64(live))
	s.allocator.Rebuild()
	s.sweeping.Store(true)
}

// AsyncSweep sweeps regions from the sweeping list until it is empty.
// Regions swept by a worker wait in the swept list to be filled; a mutator
// helping out (isMain) fills them into the allocator directly.
func (s *SharedSparseSpace) AsyncSweep(isMain bool) {
	for r := s.getSweepingRegionSafe(); r != nil; r = s.getSweepingRegionSafe() {
		s.freeRegion(r, true)
		r.sweepState.Store(int32(Swept))
		if isMain {
			s.helpedRegions.Add(1)
			s.allocLock.Lock()
			s.fillRegionLocked(r)
			s.allocLock.Unlock()
		} else {
			s.addSweptRegionSafe(r)
		}
	}
}

// Sweep sweeps every region synchronously and releases regions left
// completely empty. Must run while all mutators are suspended.
func (s *SharedSparseSpace) Sweep() {
	s.allocLock.Lock()
	defer s.allocLock.Unlock()

	s.allocator.Rebuild()
	var live uintptr
	var empty []*Region
	s.EnumerateRegions(func(r *Region) {
		alive := r.AliveObject()
		if alive == 0 {
			empty = append(empty, r)
			return
		}
		live += alive
		r.sweepState.Store(int32(Sweeping))
		s.freeRegion(r, false)
		r.sweepState.Store(int32(Swept))
		r.filled = true
	})
	for _, r := range empty {
		s.ClearAndFreeRegion(r)
	}
	s.objectSize.Store(int64(live))
	if len(empty) > 0 {
		log.Debug("released empty regions", "space", s.spaceType, "count", len(empty))
	}
}

// freeRegion turns every gap between marked objects of r into free cells.
// Concurrent sweeps collect them in r's own free set; a synchronous sweep
// frees them straight into the allocator.
func (s *SharedSparseSpace) freeRegion(r *Region, concurrent bool) {
	target := s.allocator
	if concurrent {
		target = r.freeSet
	}
	freeStart := r.begin
	r.iterateMarked(func(obj uintptr) {
		size, kind := r.header(obj)
		if kind != kindObject {
			panic(fmt.Sprintf("heap: marked cell %#x is %v", obj, kind))
		}
		if freeStart != obj {
			s.freeLiveRange(target, r, freeStart, obj)
		}
		freeStart = obj + size
	})
	if freeStart != r.end {
		s.freeLiveRange(target, r, freeStart, r.end)
	}
}

func (s *SharedSparseSpace) freeLiveRange(target *FreeObjectList, r *Region, start, end uintptr) {
	r.clearRSetRange(start, end)
	r.clearStarts(start, end)
	target.Free(r, start, end-start)
}

// getSweepingRegionSafe pops the next region to sweep and marks it Sweeping.
func (s *SharedSparseSpace) getSweepingRegionSafe() *Region {
	s.lock.Lock()
	defer s.lock.Unlock()
	n := len(s.sweepingList)
	if n == 0 {
		return nil
	}
	r := s.sweepingList[n-1]
	s.sweepingList[n-1] = nil
	s.sweepingList = s.sweepingList[:n-1]
	if !r.sweepState.CompareAndSwap(int32(NotSwept), int32(Sweeping)) {
		panic(fmt.Sprintf("heap: region %#x popped for sweeping in state %v", r.base, r.SweepState()))
	}
	return r
}

func (s *SharedSparseSpace) addSweptRegionSafe(r *Region) {
	s.lock.Lock()
	s.sweptList = append(s.sweptList, r)
	s.lock.Unlock()
}

func (s *SharedSparseSpace) getSweptRegionSafe() *Region {
	s.lock.Lock()
	defer s.lock.Unlock()
	n := len(s.sweptList)
	if n == 0 {
		return nil
	}
	r := s.sweptList[n-1]
	s.sweptList[n-1] = nil
	s.sweptList = s.sweptList[:n-1]
	return r
}

// fillRegionLocked makes r's free cells available to the allocator. It is a
// no-op unless r is Swept and not yet filled this cycle.
func (s *SharedSparseSpace) fillRegionLocked(r *Region) bool {
	if r.SweepState() != Swept || r.filled {
		return false
	}
	r.mergeRSetAfterSweep()
	s.allocator.Merge(r.freeSet)
	r.freeSet = nil
	r.filled = true
	s.filledRegions.Add(1)
	return true
}

// TryFillSweptRegion fills every region swept so far.
func (s *SharedSparseSpace) TryFillSweptRegion() {
	s.allocLock.Lock()
	defer s.allocLock.Unlock()
	for r := s.getSweptRegionSafe(); r != nil; r = s.getSweptRegionSafe() {
		s.fillRegionLocked(r)
	}
}

// tryFillSweptRegionLocked fills swept regions until one satisfies size.
func (s *SharedSparseSpace) tryFillSweptRegionLocked(size uintptr) (*Region, uintptr) {
	for r := s.getSweptRegionSafe(); r != nil; r = s.getSweptRegionSafe() {
		s.fillRegionLocked(r)
		if fr, addr := s.allocator.Allocate(size); addr != 0 {
			return fr, addr
		}
	}
	return nil, 0
}

// FinishFillSweptRegion fills whatever is left in the swept list and ends
// the space's sweeping state once the sweeping list is empty. Called after
// the space's sweep tasks have all completed.
func (s *SharedSparseSpace) FinishFillSweptRegion() {
	s.allocLock.Lock()
	defer s.allocLock.Unlock()
	for r := s.getSweptRegionSafe(); r != nil; r = s.getSweptRegionSafe() {
		s.fillRegionLocked(r)
	}
	s.lock.Lock()
	done := len(s.sweepingList) == 0
	s.lock.Unlock()
	if done {
		s.sweeping.Store(false)
	}
}

// FillRegion fills one swept region. It reports false when r was not Swept
// or had already been filled this cycle.
func (s *SharedSparseSpace) FillRegion(r *Region) bool {
	s.allocLock.Lock()
	defer s.allocLock.Unlock()
	s.lock.Lock()
	for i, sr := range s.sweptList {
		if sr == r {
			s.sweptList = append(s.sweptList[:i], s.sweptList[i+1:]...)
			break
		}
	}
	s.lock.Unlock()
	return s.fillRegionLocked(r)
}

// IsSweeping reports whether a sweep of this space has not been fully
// filled yet.
func (s *SharedSparseSpace) IsSweeping() bool { return s.sweeping.Load() }

// AvailableFree returns the bytes of free cells the allocator can hand out.
func (s *SharedSparseSpace) AvailableFree() uintptr {
	s.allocLock.Lock()
	defer s.allocLock.Unlock()
	return s.allocator.Available()
}

// SweptPending returns how many swept regions wait to be filled.
func (s *SharedSparseSpace) SweptPending() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.sweptList)
}

// RegionCountSafe returns the region count under the allocation lock.
func (s *SharedSparseSpace) RegionCountSafe() int {
	s.allocLock.Lock()
	defer s.allocLock.Unlock()
	return s.RegionCount()
}

// EnumerateRegionsSafe enumerates under the allocation lock.
func (s *SharedSparseSpace) EnumerateRegionsSafe(fn func(r *Region)) {
	s.allocLock.Lock()
	defer s.allocLock.Unlock()
	s.EnumerateRegions(fn)
}

// ReclaimRegionsSafe releases every region. No sweep may be in flight.
func (s *SharedSparseSpace) ReclaimRegionsSafe() {
	s.allocLock.Lock()
	defer s.allocLock.Unlock()
	s.allocator.Rebuild()
	s.ReclaimRegions()
}
