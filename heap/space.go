package heap

import (
	"fmt"
	"sync/atomic"
)

// SpaceType names a shared space.
type SpaceType int

const (
	SpaceOld SpaceType = iota
	SpaceNonMovable
	SpaceHugeObject
)

func (t SpaceType) String() string {
	switch t {
	case SpaceOld:
		return "SharedOldSpace"
	case SpaceNonMovable:
		return "SharedNonMovableSpace"
	case SpaceHugeObject:
		return "SharedHugeObjectSpace"
	}
	return fmt.Sprintf("SpaceType(%d)", int(t))
}

// ---------------------------------------------------------------------------
// Region slab
// ---------------------------------------------------------------------------

type regionSlot struct {
	region     *Region
	prev, next int
}

// regionList keeps regions in insertion order inside a slab of slots. Each
// region remembers its slot, so insert and remove are O(1).
type regionList struct {
	slots      []regionSlot
	free       []int
	head, tail int
	length     int
}

func newRegionList() regionList {
	return regionList{head: -1, tail: -1}
}

func (l *regionList) pushBack(r *Region) {
	if r.slot >= 0 {
		panic(fmt.Sprintf("heap: region %#x already belongs to a space", r.base))
	}
	var i int
	if n := len(l.free); n > 0 {
		i = l.free[n-1]
		l.free = l.free[:n-1]
	} else {
		i = len(l.slots)
		l.slots = append(l.slots, regionSlot{})
	}
	l.slots[i] = regionSlot{region: r, prev: l.tail, next: -1}
	if l.tail >= 0 {
		l.slots[l.tail].next = i
	} else {
		l.head = i
	}
	l.tail = i
	r.slot = i
	l.length++
}

func (l *regionList) remove(r *Region) {
	i := r.slot
	if i < 0 || i >= len(l.slots) || l.slots[i].region != r {
		panic(fmt.Sprintf("heap: region %#x not in this space", r.base))
	}
	s := l.slots[i]
	if s.prev >= 0 {
		l.slots[s.prev].next = s.next
	} else {
		l.head = s.next
	}
	if s.next >= 0 {
		l.slots[s.next].prev = s.prev
	} else {
		l.tail = s.prev
	}
	l.slots[i] = regionSlot{prev: -1, next: -1}
	l.free = append(l.free, i)
	r.slot = -1
	l.length--
}

func (l *regionList) each(fn func(r *Region)) {
	for i := l.head; i >= 0; i = l.slots[i].next {
		fn(l.slots[i].region)
	}
}

// ---------------------------------------------------------------------------
// Space
// ---------------------------------------------------------------------------

// Space is an ordered collection of regions of one type with committed and
// object-size accounting. Callers serialize mutation of the region list;
// the counters may be read from any goroutine.
type Space struct {
	heap        *SharedHeap
	spaceType   SpaceType
	regions     regionList
	maxCapacity uintptr

	committedSize atomic.Int64
	objectSize    atomic.Int64
}

func newSpace(h *SharedHeap, t SpaceType, maxCapacity uintptr) Space {
	return Space{
		heap:        h,
		spaceType:   t,
		regions:     newRegionList(),
		maxCapacity: maxCapacity,
	}
}

// Type returns the space type.
func (s *Space) Type() SpaceType { return s.spaceType }

// AddRegion links r and charges its capacity.
func (s *Space) AddRegion(r *Region) {
	s.regions.pushBack(r)
	s.committedSize.Add(int64(r.Capacity()))
}

// RemoveRegion unlinks r and uncharges its capacity.
func (s *Space) RemoveRegion(r *Region) {
	s.regions.remove(r)
	s.committedSize.Add(-int64(r.Capacity()))
}

// EnumerateRegions calls fn for every region in insertion order. fn must not
// add or remove regions.
func (s *Space) EnumerateRegions(fn func(r *Region)) {
	s.regions.each(fn)
}

// RegionCount returns the number of regions.
func (s *Space) RegionCount() int { return s.regions.length }

// ClearAndFreeRegion unlinks r and returns it to the region allocator.
func (s *Space) ClearAndFreeRegion(r *Region) {
	s.RemoveRegion(r)
	r.crossRegionSet = nil
	r.sweepingRSet = nil
	r.freeSet = nil
	s.heap.regionAllocator.FreeRegion(r)
}

// ReclaimRegions frees every region of the space and resets the counters.
func (s *Space) ReclaimRegions() {
	var all []*Region
	s.EnumerateRegions(func(r *Region) { all = append(all, r) })
	for _, r := range all {
		s.ClearAndFreeRegion(r)
	}
	s.objectSize.Store(0)
}

// GetCommittedSize returns the summed capacity of the space's regions.
func (s *Space) GetCommittedSize() uintptr { return uintptr(s.committedSize.Load()) }

// GetHeapObjectSize returns the bytes of objects believed live.
func (s *Space) GetHeapObjectSize() uintptr { return uintptr(s.objectSize.Load()) }

// IncreaseObjectSize adds n allocated bytes.
func (s *Space) IncreaseObjectSize(n uintptr) { s.objectSize.Add(int64(n)) }

// DecreaseObjectSize removes n bytes.
func (s *Space) DecreaseObjectSize(n uintptr) { s.objectSize.Add(-int64(n)) }

// MaximumCapacity returns the committed-size cap of this space.
func (s *Space) MaximumCapacity() uintptr { return s.maxCapacity }

// exceedsCapacity reports whether committing extra more bytes would exceed
// this space's cap.
func (s *Space) exceedsCapacity(extra uintptr) bool {
	return s.GetCommittedSize()+extra > s.maxCapacity
}
