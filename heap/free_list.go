package heap

import "math/bits"

// ---------------------------------------------------------------------------
// Free object lists
// ---------------------------------------------------------------------------
//
// Small cells (up to smallSetLimit bytes) are kept in exact size classes of
// one word each; larger cells are binned by power of two and searched first
// fit within their bin.

const (
	smallSetLimit = 256
	numSmallSets  = smallSetLimit/WordSize - 1 // 16..256 bytes
	numSets       = 64
)

type freeBlock struct {
	region *Region
	addr   uintptr
	size   uintptr
}

// FreeObjectList is a size-classed set of free cells. It is not safe for
// concurrent use; each owner guards it with its own lock.
type FreeObjectList struct {
	sets      [numSets][]freeBlock
	nonEmpty  uint64
	available uintptr
	wasted    uintptr
}

func newFreeObjectList() *FreeObjectList {
	return &FreeObjectList{}
}

func setIndex(size uintptr) int {
	if size <= smallSetLimit {
		return int(size/WordSize) - 2
	}
	i := numSmallSets + bits.Len64(uint64(size)) - 9
	if i >= numSets {
		i = numSets - 1
	}
	return i
}

// Available returns the bytes held in free cells.
func (l *FreeObjectList) Available() uintptr { return l.available }

// Wasted returns bytes too small to be reused.
func (l *FreeObjectList) Wasted() uintptr { return l.wasted }

// Free formats [addr, addr+size) in r as a free cell and records it.
// Cells smaller than MinObjectSize become fillers and are counted as waste.
func (l *FreeObjectList) Free(r *Region, addr, size uintptr) {
	if size == 0 {
		return
	}
	if formatFreeCell(r, addr, size) == kindFiller {
		l.wasted += size
		return
	}
	l.push(freeBlock{region: r, addr: addr, size: size})
}

// formatFreeCell writes a free or filler header over [addr, addr+size).
func formatFreeCell(r *Region, addr, size uintptr) objectKind {
	kind := kindFree
	if size < MinObjectSize {
		kind = kindFiller
	}
	r.setHeader(addr, size, kind)
	return kind
}

func (l *FreeObjectList) push(b freeBlock) {
	i := setIndex(b.size)
	l.sets[i] = append(l.sets[i], b)
	l.nonEmpty |= 1 << uint(i)
	l.available += b.size
}

// Allocate carves size bytes out of a free cell. It returns the region and
// address of the cell, or (nil, 0) when nothing fits. The remainder of a
// split cell is returned to the list.
func (l *FreeObjectList) Allocate(size uintptr) (*Region, uintptr) {
	if size < MinObjectSize {
		size = MinObjectSize
	}
	start := setIndex(size)
	if start >= numSmallSets || len(l.sets[start]) == 0 {
		if b, ok := l.takeFirstFit(start, size); ok {
			return l.split(b, size)
		}
		start++
	}
	candidates := l.nonEmpty &^ (uint64(1)<<uint(start) - 1)
	if candidates == 0 {
		return nil, 0
	}
	i := bits.TrailingZeros64(candidates)
	b := l.pop(i)
	return l.split(b, size)
}

// takeFirstFit scans set i for a cell of at least size bytes.
func (l *FreeObjectList) takeFirstFit(i int, size uintptr) (freeBlock, bool) {
	set := l.sets[i]
	for j := len(set) - 1; j >= 0; j-- {
		if set[j].size >= size {
			b := set[j]
			set[j] = set[len(set)-1]
			set[len(set)-1] = freeBlock{}
			l.sets[i] = set[:len(set)-1]
			if len(l.sets[i]) == 0 {
				l.nonEmpty &^= 1 << uint(i)
			}
			l.available -= b.size
			return b, true
		}
	}
	return freeBlock{}, false
}

func (l *FreeObjectList) pop(i int) freeBlock {
	set := l.sets[i]
	b := set[len(set)-1]
	set[len(set)-1] = freeBlock{}
	l.sets[i] = set[:len(set)-1]
	if len(l.sets[i]) == 0 {
		l.nonEmpty &^= 1 << uint(i)
	}
	l.available -= b.size
	return b
}

func (l *FreeObjectList) split(b freeBlock, size uintptr) (*Region, uintptr) {
	if rest := b.size - size; rest > 0 {
		l.Free(b.region, b.addr+size, rest)
	}
	return b.region, b.addr
}

// Merge moves every cell of other into l and empties other.
func (l *FreeObjectList) Merge(other *FreeObjectList) {
	for i := range other.sets {
		for _, b := range other.sets[i] {
			l.push(b)
		}
		other.sets[i] = nil
	}
	l.wasted += other.wasted
	other.nonEmpty = 0
	other.available = 0
	other.wasted = 0
}

// Rebuild forgets every cell. Used when the memory they describe is about to
// be swept again.
func (l *FreeObjectList) Rebuild() {
	for i := range l.sets {
		l.sets[i] = nil
	}
	l.nonEmpty = 0
	l.available = 0
	l.wasted = 0
}
