package heap

import "testing"

func testRegion(t *testing.T) *Region {
	t.Helper()
	a := NewRegionAllocator(64<<10, 0)
	return a.AllocateRegion(SpaceOld, 64<<10)
}

// TestFreeListSplitsCells verifies that an allocation takes the front of a
// larger cell and returns the remainder.
func TestFreeListSplitsCells(t *testing.T) {
	r := testRegion(t)
	l := newFreeObjectList()
	l.Free(r, r.begin, 1024)

	fr, addr := l.Allocate(96)
	if fr != r || addr != r.begin {
		t.Fatalf("Allocate(96) = (%p, %#x), want (%p, %#x)", fr, addr, r, r.begin)
	}
	if got := l.Available(); got != 1024-96 {
		t.Errorf("Available = %d, want %d", got, 1024-96)
	}
	size, kind := r.header(r.begin + 96)
	if size != 1024-96 || kind != kindFree {
		t.Errorf("remainder header = (%d, %v), want (%d, free)", size, kind, 1024-96)
	}
}

// TestFreeListFillers verifies that 8-byte gaps become fillers counted as
// waste and are never handed out.
func TestFreeListFillers(t *testing.T) {
	r := testRegion(t)
	l := newFreeObjectList()
	l.Free(r, r.begin, WordSize)

	if _, kind := r.header(r.begin); kind != kindFiller {
		t.Errorf("kind = %v, want filler", kind)
	}
	if l.Wasted() != WordSize || l.Available() != 0 {
		t.Errorf("wasted %d available %d, want %d and 0", l.Wasted(), l.Available(), WordSize)
	}
	if _, addr := l.Allocate(MinObjectSize); addr != 0 {
		t.Errorf("Allocate from fillers returned %#x", addr)
	}
}

// TestFreeListExactSmallClass verifies that a small request is served from
// its exact class before larger ones.
func TestFreeListExactSmallClass(t *testing.T) {
	r := testRegion(t)
	l := newFreeObjectList()
	l.Free(r, r.begin, 4096)
	l.Free(r, r.begin+4096, 32)

	_, addr := l.Allocate(32)
	if addr != r.begin+4096 {
		t.Errorf("Allocate(32) = %#x, want %#x", addr, r.begin+4096)
	}
	if l.Available() != 4096 {
		t.Errorf("Available = %d, want 4096", l.Available())
	}
}

// TestFreeListLargeFirstFit verifies that a large request scans its bin and
// then moves to larger bins.
func TestFreeListLargeFirstFit(t *testing.T) {
	r := testRegion(t)
	l := newFreeObjectList()
	l.Free(r, r.begin, 600)
	l.Free(r, r.begin+600, 8192)

	_, addr := l.Allocate(1000)
	if addr != r.begin+600 {
		t.Errorf("Allocate(1000) = %#x, want %#x", addr, r.begin+600)
	}
	if _, addr := l.Allocate(20000); addr != 0 {
		t.Errorf("Allocate(20000) = %#x, want 0", addr)
	}
}

// TestFreeListMerge verifies that Merge moves every cell and empties the
// source.
func TestFreeListMerge(t *testing.T) {
	r := testRegion(t)
	a, b := newFreeObjectList(), newFreeObjectList()
	a.Free(r, r.begin, 64)
	b.Free(r, r.begin+64, 512)
	b.Free(r, r.begin+576, WordSize)

	a.Merge(b)
	if a.Available() != 576 || a.Wasted() != WordSize {
		t.Errorf("merged available %d wasted %d, want 576 and %d", a.Available(), a.Wasted(), WordSize)
	}
	if b.Available() != 0 || b.Wasted() != 0 {
		t.Errorf("source not emptied: available %d wasted %d", b.Available(), b.Wasted())
	}
	if _, addr := b.Allocate(16); addr != 0 {
		t.Errorf("emptied list allocated %#x", addr)
	}
}
