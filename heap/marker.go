package heap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// SharedConcurrentMarker traces the shared heap from the mutators' roots.
// Tracing runs on a bounded set of goroutines while mutators keep running;
// an insertion barrier greys every reference stored during that window, and
// a short remark pause finishes the job.
type SharedConcurrentMarker struct {
	heap    *SharedHeap
	workers int

	marking atomic.Bool

	bufMu      sync.Mutex
	barrierBuf []uintptr

	markedObjects atomic.Int64
	markedBytes   atomic.Int64
}

func newSharedConcurrentMarker(h *SharedHeap, workers int) *SharedConcurrentMarker {
	if workers < 1 {
		workers = 1
	}
	return &SharedConcurrentMarker{heap: h, workers: workers}
}

// IsMarking reports whether a concurrent mark is tracing. It only changes
// while all mutators are suspended.
func (m *SharedConcurrentMarker) IsMarking() bool { return m.marking.Load() }

// MarkedObjects returns the objects marked by the last mark.
func (m *SharedConcurrentMarker) MarkedObjects() int64 { return m.markedObjects.Load() }

// MarkedBytes returns the bytes marked by the last mark.
func (m *SharedConcurrentMarker) MarkedBytes() int64 { return m.markedBytes.Load() }

// Mark runs one concurrent mark. finish runs inside the remark pause once
// marking is complete and the barrier is off; the heap uses it to start the
// sweep before mutators resume.
func (m *SharedConcurrentMarker) Mark(finish func()) error {
	h := m.heap

	scope := h.SuspendAll(nil)
	h.sweeper.EnsureAllTaskFinished()
	m.resetMarking()
	grey := m.markRoots()
	m.marking.Store(true)
	scope.Release()
	log.Debug("initial mark done", "roots", len(grey))

	err := m.traceParallel(grey)

	scope = h.SuspendAll(nil)
	defer scope.Release()
	if err == nil {
		err = m.remark()
	}
	m.marking.Store(false)
	if err != nil {
		return err
	}
	log.Debug("remark done", "objects", m.markedObjects.Load(), "bytes", m.markedBytes.Load())
	if finish != nil {
		finish()
	}
	return nil
}

// MarkSync marks the whole heap inside the caller's suspend-all scope.
func (m *SharedConcurrentMarker) MarkSync() error {
	if !m.heap.IsSuspended() {
		panic("heap: MarkSync outside a suspend-all scope")
	}
	m.resetMarking()
	return m.traceParallel(m.markRoots())
}

// MarkFromBarrier greys value if a concurrent mark is running. The remark
// pause traces everything greyed here.
func (m *SharedConcurrentMarker) MarkFromBarrier(value uintptr) {
	if !m.marking.Load() || value == 0 {
		return
	}
	if newly, err := m.markObject(value); err != nil {
		panic(err.Error())
	} else if newly {
		m.bufMu.Lock()
		m.barrierBuf = append(m.barrierBuf, value)
		m.bufMu.Unlock()
	}
}

// markAllocated marks an object allocated while marking is on.
func (m *SharedConcurrentMarker) markAllocated(r *Region, addr, size uintptr) {
	if r.mark(addr) {
		r.alive.Add(int64(size))
		m.markedObjects.Add(1)
		m.markedBytes.Add(int64(size))
	}
}

func (m *SharedConcurrentMarker) resetMarking() {
	m.markedObjects.Store(0)
	m.markedBytes.Store(0)
	m.bufMu.Lock()
	m.barrierBuf = nil
	m.bufMu.Unlock()
	m.heap.enumerateAllRegions(func(r *Region) { r.resetMarking() })
}

// markRoots marks every mutator root and returns the newly marked ones.
func (m *SharedConcurrentMarker) markRoots() []uintptr {
	var grey []uintptr
	m.heap.visitRoots(func(root uintptr) {
		newly, err := m.markObject(root)
		if err != nil {
			panic(err.Error())
		}
		if newly {
			grey = append(grey, root)
		}
	})
	return grey
}

func (m *SharedConcurrentMarker) remark() error {
	m.bufMu.Lock()
	grey := m.barrierBuf
	m.barrierBuf = nil
	m.bufMu.Unlock()
	grey = append(grey, m.markRoots()...)
	return m.traceParallel(grey)
}

// markObject sets the mark bit of obj and reports whether this call set it.
func (m *SharedConcurrentMarker) markObject(obj uintptr) (bool, error) {
	r := m.heap.regionAllocator.RegionOf(obj)
	if r == nil {
		return false, fmt.Errorf("heap: reference %#x is outside the shared heap", obj)
	}
	if !r.isObjectStart(obj) {
		return false, fmt.Errorf("heap: reference %#x is not an object start", obj)
	}
	if !r.mark(obj) {
		return false, nil
	}
	size, _ := r.header(obj)
	r.alive.Add(int64(size))
	m.markedObjects.Add(1)
	m.markedBytes.Add(int64(size))
	return true, nil
}

// traceParallel splits grey across the worker limit and traces each part to
// completion.
func (m *SharedConcurrentMarker) traceParallel(grey []uintptr) error {
	if len(grey) == 0 {
		return nil
	}
	var g errgroup.Group
	g.SetLimit(m.workers)
	chunk := (len(grey) + m.workers - 1) / m.workers
	for start := 0; start < len(grey); start += chunk {
		part := append([]uintptr(nil), grey[start:min(start+chunk, len(grey))]...)
		g.Go(func() error { return m.drain(part) })
	}
	return g.Wait()
}

// drain traces from stack until it is empty.
func (m *SharedConcurrentMarker) drain(stack []uintptr) error {
	for len(stack) > 0 {
		obj := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		r := m.heap.regionAllocator.RegionOf(obj)
		for i, n := 0, r.refCount(obj); i < n; i++ {
			v := uintptr(r.load(slotAddr(obj, i)))
			if v == 0 {
				continue
			}
			newly, err := m.markObject(v)
			if err != nil {
				return fmt.Errorf("tracing %#x slot %d: %w", obj, i, err)
			}
			if newly {
				stack = append(stack, v)
			}
		}
	}
	return nil
}
