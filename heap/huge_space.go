package heap

import (
	"sync"
)

// SharedHugeObjectSpace holds objects too large for a regular region. Each
// object gets a region of its own.
type SharedHugeObjectSpace struct {
	Space

	// lock guards the region list and the pending-free list.
	lock        sync.Mutex
	pendingFree []*Region
}

func newSharedHugeObjectSpace(h *SharedHeap, maxCapacity uintptr) *SharedHugeObjectSpace {
	return &SharedHugeObjectSpace{Space: newSpace(h, SpaceHugeObject, maxCapacity)}
}

// HugeRegionCapacity returns the region capacity needed for an object of
// size bytes: the object, the region header and the mark bitmap, rounded up
// to the allocation granularity.
func HugeRegionCapacity(size, granularity uintptr) uintptr {
	bitmapBytes := alignUp((size/WordSize+7)/8, WordSize)
	return alignUp(size+RegionHeaderSize+bitmapBytes, granularity)
}

// Allocate maps a new region for one object of size bytes and returns it,
// or (nil, 0) when the heap's capacity policy refuses the request.
func (s *SharedHugeObjectSpace) Allocate(size uintptr) (*Region, uintptr) {
	capacity := HugeRegionCapacity(size, s.heap.regionAllocator.RegionSize())

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.exceedsCapacity(capacity) || s.heap.OldSpaceExceedCapacity(capacity) {
		return nil, 0
	}
	r := s.heap.regionAllocator.AllocateRegion(SpaceHugeObject, capacity)
	s.AddRegion(r)
	if rest := r.end - (r.begin + size); rest > 0 {
		formatFreeCell(r, r.begin+size, rest)
	}
	s.IncreaseObjectSize(size)
	log.Debug("huge object allocated", "size", size, "capacity", capacity)
	return r, r.begin
}

// Sweep unlinks every region whose object is unmarked and queues it for
// ReclaimHugeRegion. No memory is released here.
func (s *SharedHugeObjectSpace) Sweep() {
	s.lock.Lock()
	defer s.lock.Unlock()

	var dead []*Region
	s.EnumerateRegions(func(r *Region) {
		if r.markBits.empty() {
			dead = append(dead, r)
		}
	})
	for _, r := range dead {
		size, _ := r.header(r.begin)
		s.RemoveRegion(r)
		s.DecreaseObjectSize(size)
		s.pendingFree = append(s.pendingFree, r)
	}
}

// ReclaimHugeRegion releases the regions queued by Sweep. It must not run
// while anything iterates the region list.
func (s *SharedHugeObjectSpace) ReclaimHugeRegion() int {
	s.lock.Lock()
	pending := s.pendingFree
	s.pendingFree = nil
	s.lock.Unlock()

	for _, r := range pending {
		s.heap.regionAllocator.FreeRegion(r)
	}
	return len(pending)
}

// PendingFree returns the number of regions awaiting ReclaimHugeRegion.
func (s *SharedHugeObjectSpace) PendingFree() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.pendingFree)
}

// EnumerateRegionsSafe enumerates under the space lock.
func (s *SharedHugeObjectSpace) EnumerateRegionsSafe(fn func(r *Region)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.EnumerateRegions(fn)
}

// RegionCountSafe returns the region count under the space lock.
func (s *SharedHugeObjectSpace) RegionCountSafe() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.RegionCount()
}

// ReclaimRegionsSafe releases every region, pending ones included.
func (s *SharedHugeObjectSpace) ReclaimRegionsSafe() {
	s.lock.Lock()
	pending := s.pendingFree
	s.pendingFree = nil
	s.ReclaimRegions()
	s.lock.Unlock()
	for _, r := range pending {
		s.heap.regionAllocator.FreeRegion(r)
	}
}
