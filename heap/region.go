package heap

import (
	"fmt"
	"sync/atomic"
)

// RegionHeaderSize is the simulated per-region header reserved before the
// first object.
const RegionHeaderSize = 64

// SweepState tracks a region through one concurrent sweep.
type SweepState int32

const (
	NotSwept SweepState = iota
	Sweeping
	Swept
)

func (s SweepState) String() string {
	switch s {
	case NotSwept:
		return "NOT_SWEPT"
	case Sweeping:
		return "SWEEPING"
	case Swept:
		return "SWEPT"
	}
	return fmt.Sprintf("SweepState(%d)", int32(s))
}

// Region is a fixed-capacity arena: the unit of allocation, marking and
// reclamation. It is owned by exactly one space at a time.
type Region struct {
	base  uintptr
	begin uintptr
	end   uintptr
	space SpaceType
	mem   []uint64

	// slot is the index of this region in its space's slab.
	slot int

	markBits bitmap
	alive    atomic.Int64

	// startBits has one bit per word set at each allocated object start. A
	// header word alone cannot tell an object from payload that looks like
	// one.
	startBits bitmap

	// crossRegionSet holds slots of this region that reference another
	// region. While the region is concurrently swept the barrier keeps
	// writing crossRegionSet and the sweeper owns sweepingRSet.
	crossRegionSet *RememberedSet
	sweepingRSet   *RememberedSet

	// freeSet receives dead ranges found by a concurrent sweep until the
	// region is filled into its space's allocator.
	freeSet    *FreeObjectList
	sweepState atomic.Int32
	filled     bool
}

func newRegion(base, capacity uintptr, mem []uint64, space SpaceType) *Region {
	begin := base + RegionHeaderSize
	end := base + capacity
	r := &Region{
		base:           base,
		begin:          begin,
		end:            end,
		space:          space,
		mem:            mem,
		slot:           -1,
		markBits:       newBitmap(int((end - begin) / WordSize)),
		startBits:      newBitmap(int((end - begin) / WordSize)),
		crossRegionSet: newRememberedSet(begin, end),
	}
	return r
}

// Begin returns the first object address.
func (r *Region) Begin() uintptr { return r.begin }

// End returns the address just past the region.
func (r *Region) End() uintptr { return r.end }

// Capacity returns the committed bytes of the region including its header.
func (r *Region) Capacity() uintptr { return r.end - r.base }

// Space returns the type of the owning space.
func (r *Region) Space() SpaceType { return r.space }

// AliveObject returns the bytes marked live in the last marking.
func (r *Region) AliveObject() uintptr { return uintptr(r.alive.Load()) }

// SweepState returns the current sweep state.
func (r *Region) SweepState() SweepState { return SweepState(r.sweepState.Load()) }

// CrossRegionSet returns the remembered set the write barrier fills.
func (r *Region) CrossRegionSet() *RememberedSet { return r.crossRegionSet }

// Contains reports whether addr lies inside the object area.
func (r *Region) Contains(addr uintptr) bool {
	return addr >= r.begin && addr < r.end
}

func (r *Region) wordIndex(addr uintptr) int {
	if addr < r.begin || addr >= r.end || addr%WordSize != 0 {
		panic(fmt.Sprintf("heap: address %#x outside region [%#x, %#x)", addr, r.begin, r.end))
	}
	return int((addr - r.begin) / WordSize)
}

func (r *Region) load(addr uintptr) uint64 {
	return atomic.LoadUint64(&r.mem[r.wordIndex(addr)])
}

func (r *Region) store(addr uintptr, v uint64) {
	atomic.StoreUint64(&r.mem[r.wordIndex(addr)], v)
}

func (r *Region) header(addr uintptr) (uintptr, objectKind) {
	return decodeHeader(r.load(addr))
}

func (r *Region) setHeader(addr, size uintptr, kind objectKind) {
	r.store(addr, makeHeader(size, kind))
}

// initObject writes a fresh object header with nrefs cleared slots and a
// zeroed payload.
func (r *Region) initObject(addr, size uintptr, nrefs int) {
	first := r.wordIndex(addr)
	words := int(size / WordSize)
	clear(r.mem[first+2 : first+words])
	atomic.StoreUint64(&r.mem[first+1], uint64(nrefs))
	r.setHeader(addr, size, kindObject)
	r.startBits.testAndSet(first)
}

// isObjectStart reports whether addr is the start of an allocated object.
func (r *Region) isObjectStart(addr uintptr) bool {
	if !r.Contains(addr) || addr%WordSize != 0 {
		return false
	}
	if !r.startBits.test(r.wordIndex(addr)) {
		return false
	}
	_, kind := r.header(addr)
	return kind == kindObject
}

// clearStarts forgets the object starts in the freed range [start, end).
func (r *Region) clearStarts(start, end uintptr) {
	r.startBits.clearRange(r.wordIndex(start), int((end-r.begin)/WordSize))
}

func (r *Region) refCount(obj uintptr) int {
	return int(r.load(obj + WordSize))
}

// isMarked reports whether the object at addr is marked.
func (r *Region) isMarked(addr uintptr) bool {
	return r.markBits.test(r.wordIndex(addr))
}

// mark sets the mark bit of addr and reports whether this call set it.
func (r *Region) mark(addr uintptr) bool {
	return !r.markBits.testAndSet(r.wordIndex(addr))
}

// resetMarking clears the mark bitmap and alive counter before a new mark.
func (r *Region) resetMarking() {
	r.markBits.clearAll()
	r.alive.Store(0)
}

// swapRSetForSweep hands the current cross-region set to the sweeper and
// gives the barrier a fresh one.
func (r *Region) swapRSetForSweep() {
	r.sweepingRSet = r.crossRegionSet
	r.crossRegionSet = newRememberedSet(r.begin, r.end)
}

// mergeRSetAfterSweep folds the swept set back into the live one.
func (r *Region) mergeRSetAfterSweep() {
	if r.sweepingRSet == nil {
		return
	}
	r.crossRegionSet.Merge(r.sweepingRSet)
	r.sweepingRSet = nil
}

// clearRSetRange drops remembered slots in a freed range, from the sweeping
// copy when one exists.
func (r *Region) clearRSetRange(start, end uintptr) {
	if r.sweepingRSet != nil {
		r.sweepingRSet.ClearRange(start, end)
		return
	}
	r.crossRegionSet.ClearRange(start, end)
}

// iterateMarked calls fn for each marked object start in address order.
func (r *Region) iterateMarked(fn func(obj uintptr)) {
	r.markBits.each(func(i int) {
		fn(r.begin + uintptr(i)*WordSize)
	})
}

// walk calls fn for every cell from begin to end. It stops and returns an
// error when a header is unparseable.
func (r *Region) walk(fn func(addr, size uintptr, kind objectKind)) error {
	for addr := r.begin; addr < r.end; {
		size, kind := r.header(addr)
		if kind == kindInvalid || size == 0 || size%WordSize != 0 || addr+size > r.end {
			return fmt.Errorf("region %#x: bad header at %#x (size %d, kind %v)", r.base, addr, size, kind)
		}
		fn(addr, size, kind)
		addr += size
	}
	return nil
}
