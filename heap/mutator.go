package heap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrNotAnObject is returned when an address does not name a live object.
var ErrNotAnObject = errors.New("not a heap object")

// Handle names one root slot of a mutator.
type Handle int

// Mutator is one execution context allocating from and writing to the
// shared heap. A mutator is used by one goroutine at a time.
//
// A mutator is managed while it may touch the heap. Managed mutators must
// call Safepoint regularly; a suspend-all scope waits for every managed
// mutator to reach one.
type Mutator struct {
	id      uuid.UUID
	heap    *SharedHeap
	managed bool
	closed  bool

	// mu guards roots; the marker reads them from other goroutines.
	mu          sync.Mutex
	roots       []uintptr
	freeHandles []Handle
}

// NewMutator registers a managed mutator. It blocks while the world is
// suspended. The calling goroutine must not already hold a managed mutator
// of this heap.
func (h *SharedHeap) NewMutator() *Mutator {
	m := &Mutator{id: uuid.New(), heap: h}
	h.mutatorsMu.Lock()
	h.mutators[m.id] = m
	h.mutatorsMu.Unlock()
	m.enterManaged()
	log.Debug("mutator attached", "id", m.id)
	return m
}

// ID returns the mutator's identity.
func (m *Mutator) ID() uuid.UUID { return m.id }

// Heap returns the heap the mutator belongs to.
func (m *Mutator) Heap() *SharedHeap { return m.heap }

// IsManaged reports whether the mutator currently holds its managed state.
func (m *Mutator) IsManaged() bool { return m.managed }

func (m *Mutator) enterManaged() {
	if m.managed {
		panic("heap: mutator entered managed state twice")
	}
	m.heap.world.RLock()
	m.managed = true
}

// leaveManaged yields the world lock. It reports whether the mutator was
// managed.
func (m *Mutator) leaveManaged() bool {
	if !m.managed {
		return false
	}
	m.managed = false
	m.heap.world.RUnlock()
	return true
}

// Safepoint parks the mutator while a suspend-all scope is requested or
// active.
func (m *Mutator) Safepoint() {
	if m.managed && m.heap.suspendRequested() {
		m.leaveManaged()
		m.enterManaged()
	}
}

// RunUnmanaged runs fn with the mutator outside its managed state, so that
// collections may proceed while fn blocks. fn must not touch the heap
// through this mutator.
func (m *Mutator) RunUnmanaged(fn func()) {
	if !m.leaveManaged() {
		fn()
		return
	}
	defer m.enterManaged()
	fn()
}

// Close detaches the mutator. Its roots stop keeping objects alive.
func (m *Mutator) Close() {
	if m.closed {
		return
	}
	m.leaveManaged()
	m.closed = true
	m.heap.mutatorsMu.Lock()
	delete(m.heap.mutators, m.id)
	m.heap.mutatorsMu.Unlock()
	m.mu.Lock()
	m.roots = nil
	m.freeHandles = nil
	m.mu.Unlock()
	log.Debug("mutator detached", "id", m.id)
}

// ---------------------------------------------------------------------------
// Roots
// ---------------------------------------------------------------------------

// AddRoot stores obj in a new root slot.
func (m *Mutator) AddRoot(obj uintptr) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.freeHandles); n > 0 {
		hd := m.freeHandles[n-1]
		m.freeHandles = m.freeHandles[:n-1]
		m.roots[hd] = obj
		return hd
	}
	m.roots = append(m.roots, obj)
	return Handle(len(m.roots) - 1)
}

// SetRoot replaces the object held by hd.
func (m *Mutator) SetRoot(hd Handle, obj uintptr) {
	m.mu.Lock()
	m.roots[hd] = obj
	m.mu.Unlock()
}

// Root returns the object held by hd.
func (m *Mutator) Root(hd Handle) uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roots[hd]
}

// RemoveRoot empties hd and makes it available for reuse.
func (m *Mutator) RemoveRoot(hd Handle) {
	m.mu.Lock()
	m.roots[hd] = 0
	m.freeHandles = append(m.freeHandles, hd)
	m.mu.Unlock()
}

// RootCount returns the number of occupied root slots.
func (m *Mutator) RootCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.roots) - len(m.freeHandles)
}

func (m *Mutator) visitRoots(fn func(root uintptr)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roots {
		if r != 0 {
			fn(r)
		}
	}
}

// ---------------------------------------------------------------------------
// Objects
// ---------------------------------------------------------------------------

// NewObject allocates an object with nrefs cleared reference slots and
// dataBytes of zeroed payload in space t.
func (m *Mutator) NewObject(nrefs, dataBytes int, t SpaceType) (uintptr, error) {
	if m.closed {
		return 0, fmt.Errorf("mutator %v: closed", m.id)
	}
	m.Safepoint()
	size := ObjectSizeFor(nrefs, dataBytes)
	r, addr, err := m.heap.Allocate(m, size, t)
	if err != nil {
		return 0, err
	}
	r.initObject(addr, size, nrefs)
	if m.heap.marker.IsMarking() {
		m.heap.marker.markAllocated(r, addr, size)
	}
	return addr, nil
}

// NewNativePointer allocates a non-movable object standing for nativeSize
// bytes held outside the heap. deleter runs once the object is found dead.
func (m *Mutator) NewNativePointer(nativeSize uintptr, deleter func()) (uintptr, error) {
	obj, err := m.NewObject(0, WordSize, SpaceNonMovable)
	if err != nil {
		return 0, err
	}
	r := m.heap.regionAllocator.RegionOf(obj)
	r.store(slotAddr(obj, 0), uint64(nativeSize))
	m.heap.registerNativePointer(obj, nativeSize, deleter)
	return obj, nil
}

// objectAt returns the region of obj after checking that obj is an object.
func (h *SharedHeap) objectAt(obj uintptr) (*Region, error) {
	r := h.regionAllocator.RegionOf(obj)
	if r == nil || obj%WordSize != 0 {
		return nil, fmt.Errorf("%#x: %w", obj, ErrNotAnObject)
	}
	if !r.isObjectStart(obj) {
		_, kind := r.header(obj)
		return nil, fmt.Errorf("%#x is not an object start (%v cell): %w", obj, kind, ErrNotAnObject)
	}
	return r, nil
}

// SetField stores value in reference slot i of obj and runs the write
// barrier. value may be 0.
func (m *Mutator) SetField(obj uintptr, i int, value uintptr) error {
	h := m.heap
	r, err := h.objectAt(obj)
	if err != nil {
		return err
	}
	if n := r.refCount(obj); i < 0 || i >= n {
		return fmt.Errorf("object %#x: slot %d out of range [0, %d)", obj, i, n)
	}
	var vr *Region
	if value != 0 {
		if vr, err = h.objectAt(value); err != nil {
			return err
		}
	}
	slot := slotAddr(obj, i)
	r.store(slot, uint64(value))
	if value != 0 {
		if vr != r {
			r.crossRegionSet.Insert(slot)
		}
		h.marker.MarkFromBarrier(value)
	}
	return nil
}

// GetField loads reference slot i of obj.
func (m *Mutator) GetField(obj uintptr, i int) (uintptr, error) {
	r, err := m.heap.objectAt(obj)
	if err != nil {
		return 0, err
	}
	if n := r.refCount(obj); i < 0 || i >= n {
		return 0, fmt.Errorf("object %#x: slot %d out of range [0, %d)", obj, i, n)
	}
	return uintptr(r.load(slotAddr(obj, i))), nil
}

// ObjectSize returns the size in bytes of obj.
func (m *Mutator) ObjectSize(obj uintptr) (uintptr, error) {
	r, err := m.heap.objectAt(obj)
	if err != nil {
		return 0, err
	}
	size, _ := r.header(obj)
	return size, nil
}

// RefCount returns the number of reference slots of obj.
func (m *Mutator) RefCount(obj uintptr) (int, error) {
	r, err := m.heap.objectAt(obj)
	if err != nil {
		return 0, err
	}
	return r.refCount(obj), nil
}
