package heap

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// regionSpaceStart is the first simulated address handed out.
const regionSpaceStart uintptr = 0x10000000

// RegionAllocator hands out regions with unique, region-aligned address
// ranges and caches the backing memory of released regular regions.
type RegionAllocator struct {
	mu         sync.RWMutex
	regionSize uintptr
	nextBase   uintptr
	regions    map[uintptr]*Region
	cache      [][]uint64
	cacheLimit int

	committed atomic.Int64
	allocated atomic.Uint64
	released  atomic.Uint64
}

// NewRegionAllocator creates an allocator for regions of regionSize bytes,
// which must be a power of two. Up to cacheLimit released regular regions
// keep their memory for reuse.
func NewRegionAllocator(regionSize uintptr, cacheLimit int) *RegionAllocator {
	if regionSize == 0 || regionSize&(regionSize-1) != 0 {
		panic(fmt.Sprintf("heap: region size %d is not a power of two", regionSize))
	}
	return &RegionAllocator{
		regionSize: regionSize,
		nextBase:   alignUp(regionSpaceStart, regionSize),
		regions:    make(map[uintptr]*Region),
		cacheLimit: cacheLimit,
	}
}

// RegionSize returns the regular region capacity.
func (a *RegionAllocator) RegionSize() uintptr { return a.regionSize }

// AllocateRegion creates a region of the given capacity for space. Huge
// regions pass a capacity larger than the regular size.
func (a *RegionAllocator) AllocateRegion(space SpaceType, capacity uintptr) *Region {
	if capacity < a.regionSize {
		capacity = a.regionSize
	}
	words := int((capacity - RegionHeaderSize) / WordSize)

	a.mu.Lock()
	base := a.nextBase
	a.nextBase += alignUp(capacity, a.regionSize)
	var mem []uint64
	if capacity == a.regionSize && len(a.cache) > 0 {
		mem = a.cache[len(a.cache)-1]
		a.cache[len(a.cache)-1] = nil
		a.cache = a.cache[:len(a.cache)-1]
	}
	a.mu.Unlock()

	if mem == nil {
		mem = make([]uint64, words)
	} else {
		clear(mem)
	}
	r := newRegion(base, capacity, mem, space)

	a.mu.Lock()
	a.regions[base] = r
	a.mu.Unlock()

	a.committed.Add(int64(capacity))
	a.allocated.Add(1)
	return r
}

// FreeRegion releases r. Releasing a region that is being swept is a
// contract violation.
func (a *RegionAllocator) FreeRegion(r *Region) {
	if r.SweepState() == Sweeping {
		panic(fmt.Sprintf("heap: freeing region %#x while it is being swept", r.base))
	}
	capacity := r.Capacity()

	a.mu.Lock()
	if a.regions[r.base] != r {
		a.mu.Unlock()
		panic(fmt.Sprintf("heap: region %#x freed twice", r.base))
	}
	delete(a.regions, r.base)
	if capacity == a.regionSize && len(a.cache) < a.cacheLimit {
		a.cache = append(a.cache, r.mem)
	}
	a.mu.Unlock()

	r.mem = nil
	a.committed.Add(-int64(capacity))
	a.released.Add(1)
}

// RegionOf returns the region holding the object that starts at addr, or nil.
func (a *RegionAllocator) RegionOf(addr uintptr) *Region {
	base := addr &^ (a.regionSize - 1)
	a.mu.RLock()
	r := a.regions[base]
	a.mu.RUnlock()
	if r == nil || !r.Contains(addr) {
		return nil
	}
	return r
}

// Committed returns the bytes of all live regions.
func (a *RegionAllocator) Committed() uintptr {
	return uintptr(a.committed.Load())
}

// CachedRegions returns the number of cached backing arrays.
func (a *RegionAllocator) CachedRegions() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.cache)
}

// LiveRegions returns the number of regions not yet freed.
func (a *RegionAllocator) LiveRegions() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.regions)
}
