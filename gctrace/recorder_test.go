package gctrace

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/sharedheap/daemon"
	"github.com/chazu/sharedheap/heap"
	"github.com/chazu/sharedheap/taskpool"
)

func openTemp(t *testing.T, run string) *Recorder {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "trace", "gc.db"), run)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRecordAndReadBack(t *testing.T) {
	r := openTemp(t, "run-a")
	start := time.Unix(1700000000, 123)
	events := []heap.GCEvent{
		{Seq: 1, Type: heap.SharedGC, Reason: heap.ReasonAllocationLimit, Concurrent: true,
			Start: start, Duration: 3 * time.Millisecond, Pause: time.Millisecond,
			HeapBefore: 4096, HeapAfter: 1024, Committed: 65536, MarkedObjects: 7, AllocLimit: 8192},
		{Seq: 2, Type: heap.SharedFullGC, Reason: heap.ReasonExternalTrigger,
			Start: start.Add(time.Second), Pause: 2 * time.Millisecond,
			HeapBefore: 1024, HeapAfter: 1024},
	}
	for _, ev := range events {
		if err := r.RecordGC(ev); err != nil {
			t.Fatalf("RecordGC(%d): %v", ev.Seq, err)
		}
	}

	got, err := r.Events("run-a")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	e := got[0]
	if e.Seq != 1 || e.Type != "SHARED_GC" || e.Reason != "allocation_limit" || !e.Concurrent {
		t.Errorf("event 1 = %+v", e)
	}
	if !e.Start.Equal(start) || e.Duration != 3*time.Millisecond || e.Pause != time.Millisecond {
		t.Errorf("event 1 timing = %v %v %v", e.Start, e.Duration, e.Pause)
	}
	if e.HeapBefore != 4096 || e.HeapAfter != 1024 || e.MarkedObjects != 7 || e.AllocLimit != 8192 {
		t.Errorf("event 1 sizes = %+v", e)
	}
	if got[1].Type != "SHARED_FULL_GC" || got[1].Concurrent {
		t.Errorf("event 2 = %+v", got[1])
	}

	s, err := r.Summarize("run-a")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.Collections != 2 || s.TotalPause != 3*time.Millisecond || s.MaxPause != 2*time.Millisecond || s.FreedBytes != 3072 {
		t.Errorf("summary = %+v", s)
	}
}

func TestRunsAreSeparate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc.db")
	a, err := Open(path, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Open(path, "b")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	a.RecordGC(heap.GCEvent{Seq: 1})
	a.RecordGC(heap.GCEvent{Seq: 2})
	b.RecordGC(heap.GCEvent{Seq: 1})

	if n, err := a.Count("a"); err != nil || n != 2 {
		t.Errorf("Count(a) = %d, %v; want 2", n, err)
	}
	if n, err := a.Count("b"); err != nil || n != 1 {
		t.Errorf("Count(b) = %d, %v; want 1", n, err)
	}
}

func TestClosed(t *testing.T) {
	r := openTemp(t, "x")
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := r.RecordGC(heap.GCEvent{Seq: 1}); !errors.Is(err, ErrClosed) {
		t.Errorf("RecordGC after close = %v, want ErrClosed", err)
	}
	if _, err := r.Events("x"); !errors.Is(err, ErrClosed) {
		t.Errorf("Events after close = %v, want ErrClosed", err)
	}
}

// TestHeapRecordsThroughSink wires the recorder into a heap and checks that
// a forced collection lands in the database.
func TestHeapRecordsThroughSink(t *testing.T) {
	r := openTemp(t, "heap")
	cfg := heap.DefaultConfig()
	cfg.RegionSize = 64 << 10
	cfg.HugeObjectThreshold = 16 << 10
	cfg.ConcurrentMark = false
	cfg.MarkWorkers = 2

	pool := taskpool.New(2)
	d := daemon.New()
	d.Start()
	h, err := heap.NewSharedHeap(cfg, pool, d, heap.WithEventSink(r))
	if err != nil {
		t.Fatalf("NewSharedHeap: %v", err)
	}
	t.Cleanup(func() {
		d.Stop()
		h.Destroy()
		pool.Destroy()
	})

	m := h.NewMutator()
	for i := 0; i < 10; i++ {
		if _, err := m.NewObject(0, 256, heap.SpaceOld); err != nil {
			t.Fatal(err)
		}
	}
	h.CollectGarbage(m, heap.SharedFullGC, heap.ReasonExternalTrigger)
	m.Close()

	n, err := r.Count("heap")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("recorded %d events, want 1", n)
	}
	if got := h.Stats().SinkErrors; got != 0 {
		t.Errorf("sink errors = %d", got)
	}
}
