package heap

import "testing"

// ---------------------------------------------------------------------------
// Bitmap and remembered set
// ---------------------------------------------------------------------------

func TestBitmapClearRange(t *testing.T) {
	b := newBitmap(200)
	for i := 0; i < 200; i++ {
		b.testAndSet(i)
	}
	b.clearRange(10, 140)
	if got := b.count(); got != 200-130 {
		t.Errorf("count = %d, want %d", got, 70)
	}
	if !b.test(9) || b.test(10) || b.test(139) || !b.test(140) {
		t.Errorf("range edges wrong: 9=%v 10=%v 139=%v 140=%v", b.test(9), b.test(10), b.test(139), b.test(140))
	}
}

func TestBitmapTestAndSet(t *testing.T) {
	b := newBitmap(64)
	if b.testAndSet(5) {
		t.Error("first testAndSet reported already set")
	}
	if !b.testAndSet(5) {
		t.Error("second testAndSet reported not set")
	}
	var seen []int
	b.testAndSet(63)
	b.each(func(i int) { seen = append(seen, i) })
	if len(seen) != 2 || seen[0] != 5 || seen[1] != 63 {
		t.Errorf("each = %v, want [5 63]", seen)
	}
}

// TestRememberedSetSweepSwap verifies that slots cleared during a sweep
// land in the sweeping copy and that the merge restores the rest.
func TestRememberedSetSweepSwap(t *testing.T) {
	r := testRegion(t)
	a, b := r.begin+16, r.begin+4096
	r.crossRegionSet.Insert(a)
	r.crossRegionSet.Insert(b)

	r.swapRSetForSweep()
	if r.crossRegionSet.Len() != 0 {
		t.Fatalf("fresh set has %d slots", r.crossRegionSet.Len())
	}
	c := r.begin + 8192
	r.crossRegionSet.Insert(c)
	r.clearRSetRange(r.begin+4000, r.begin+5000)
	r.mergeRSetAfterSweep()

	for _, tc := range []struct {
		slot uintptr
		want bool
	}{{a, true}, {b, false}, {c, true}} {
		if got := r.crossRegionSet.Contains(tc.slot); got != tc.want {
			t.Errorf("Contains(%#x) = %v, want %v", tc.slot, got, tc.want)
		}
	}
	if r.sweepingRSet != nil {
		t.Error("sweeping set kept after merge")
	}
}

// ---------------------------------------------------------------------------
// Region allocator and space slab
// ---------------------------------------------------------------------------

func TestRegionAllocatorRegionOf(t *testing.T) {
	a := NewRegionAllocator(64<<10, 4)
	r1 := a.AllocateRegion(SpaceOld, 64<<10)
	r2 := a.AllocateRegion(SpaceHugeObject, 200<<10)
	r3 := a.AllocateRegion(SpaceOld, 64<<10)

	if r1.base%(64<<10) != 0 || r2.base%(64<<10) != 0 || r3.base%(64<<10) != 0 {
		t.Fatalf("bases not aligned: %#x %#x %#x", r1.base, r2.base, r3.base)
	}
	if got := a.RegionOf(r2.begin); got != r2 {
		t.Errorf("RegionOf(huge begin) = %p, want %p", got, r2)
	}
	if got := a.RegionOf(r3.begin + 128); got != r3 {
		t.Errorf("RegionOf(inside r3) = %p, want %p", got, r3)
	}
	if got := a.RegionOf(r1.base); got != nil {
		t.Errorf("RegionOf(header) = %p, want nil", got)
	}
	if a.Committed() != 64<<10+200<<10+64<<10 {
		t.Errorf("Committed = %d", a.Committed())
	}
}

func TestRegionAllocatorCachesMemory(t *testing.T) {
	a := NewRegionAllocator(64<<10, 1)
	r := a.AllocateRegion(SpaceOld, 64<<10)
	r.store(r.begin, 42)
	a.FreeRegion(r)
	if a.CachedRegions() != 1 || a.LiveRegions() != 0 {
		t.Fatalf("cached %d live %d, want 1 and 0", a.CachedRegions(), a.LiveRegions())
	}
	r2 := a.AllocateRegion(SpaceOld, 64<<10)
	if a.CachedRegions() != 0 {
		t.Errorf("cache not consumed")
	}
	if v := r2.load(r2.begin); v != 0 {
		t.Errorf("reused memory not cleared: %d", v)
	}
	expectPanic(t, "double free", func() {
		a.FreeRegion(r2)
		a.FreeRegion(r2)
	})
}

// TestFreeRegionWhileSweepingPanics verifies the sweeping guard.
func TestFreeRegionWhileSweepingPanics(t *testing.T) {
	a := NewRegionAllocator(64<<10, 0)
	r := a.AllocateRegion(SpaceOld, 64<<10)
	r.sweepState.Store(int32(Sweeping))
	expectPanic(t, "free while sweeping", func() { a.FreeRegion(r) })
}

func TestRegionListOrder(t *testing.T) {
	a := NewRegionAllocator(64<<10, 0)
	l := newRegionList()
	rs := make([]*Region, 4)
	for i := range rs {
		rs[i] = a.AllocateRegion(SpaceOld, 64<<10)
		l.pushBack(rs[i])
	}
	l.remove(rs[1])
	l.remove(rs[3])
	l.pushBack(rs[1])

	var got []*Region
	l.each(func(r *Region) { got = append(got, r) })
	want := []*Region{rs[0], rs[2], rs[1]}
	if len(got) != len(want) || l.length != 3 {
		t.Fatalf("got %d regions (length %d), want 3", len(got), l.length)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %#x, want %#x", i, got[i].base, want[i].base)
		}
	}
	expectPanic(t, "remove twice", func() { l.remove(rs[3]) })
	expectPanic(t, "push twice", func() { l.pushBack(rs[0]) })
}
