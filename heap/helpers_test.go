package heap

import (
	"testing"
	"time"

	"github.com/chazu/sharedheap/daemon"
	"github.com/chazu/sharedheap/taskpool"
)

// testConfig returns a small heap that never collects on its own.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RegionSize = 64 << 10
	cfg.HugeObjectThreshold = 16 << 10
	cfg.MaxHeapSize = 64 << 20
	cfg.OldSpaceCapacity = 64 << 20
	cfg.NonMovableCapacity = 16 << 20
	cfg.HugeObjectCapacity = 32 << 20
	cfg.InitialAllocLimit = 64 << 20
	cfg.NativeSizeLimit = 1 << 40
	cfg.ConcurrentMark = false
	cfg.MarkWorkers = 2
	return cfg
}

// newTestHeap builds a heap with its own pool and running daemon, torn down
// when the test ends. Mutators must be closed before then.
func newTestHeap(t *testing.T, cfg Config) *SharedHeap {
	t.Helper()
	pool := taskpool.New(2)
	d := daemon.New()
	d.Start()
	h, err := NewSharedHeap(cfg, pool, d)
	if err != nil {
		t.Fatalf("NewSharedHeap: %v", err)
	}
	t.Cleanup(func() {
		d.Stop()
		h.Destroy()
		pool.Destroy()
	})
	return h
}

func mustNew(t *testing.T, m *Mutator, nrefs, dataBytes int, st SpaceType) uintptr {
	t.Helper()
	obj, err := m.NewObject(nrefs, dataBytes, st)
	if err != nil {
		t.Fatalf("NewObject(%d, %d, %v): %v", nrefs, dataBytes, st, err)
	}
	return obj
}

// checkCommitted asserts committed >= object size for every space.
func checkCommitted(t *testing.T, h *SharedHeap) {
	t.Helper()
	for _, s := range []*Space{&h.oldSpace.Space, &h.nonMovableSpace.Space, &h.hugeObjectSpace.Space} {
		if c, o := s.GetCommittedSize(), s.GetHeapObjectSize(); c < o {
			t.Errorf("%v: committed %d < object size %d", s.Type(), c, o)
		}
	}
}

// expectPanic runs fn and fails the test unless it panics.
func expectPanic(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", what)
		}
	}()
	fn()
}

// waitFor polls cond for up to five seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
