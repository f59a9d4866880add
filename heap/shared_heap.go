package heap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/sharedheap/daemon"
	"github.com/chazu/sharedheap/taskpool"
)

var log = commonlog.GetLogger("sharedheap.heap")

var (
	// ErrOutOfMemory is returned when an allocation fails after a full GC.
	ErrOutOfMemory = errors.New("shared heap out of memory")

	// ErrDestroyed is returned by operations on a destroyed heap.
	ErrDestroyed = errors.New("shared heap destroyed")
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config sizes the heap and tunes its collector.
type Config struct {
	// RegionSize is the regular region capacity; a power of two.
	RegionSize       uintptr
	RegionCacheLimit int

	// MaxHeapSize caps the committed bytes of all spaces together.
	MaxHeapSize        uintptr
	OldSpaceCapacity   uintptr
	NonMovableCapacity uintptr
	HugeObjectCapacity uintptr

	// Objects larger than HugeObjectThreshold get a region of their own.
	HugeObjectThreshold uintptr

	// InitialAllocLimit is the object size that triggers the first GC.
	InitialAllocLimit uintptr
	// GrowFactor scales the live size into the next allocation limit.
	GrowFactor float64
	// ConcurrentMarkRatio is the fraction of the allocation limit at which
	// a concurrent mark is posted to the daemon.
	ConcurrentMarkRatio float64
	NativeSizeLimit     uintptr

	MarkWorkers     int
	ConcurrentSweep bool
	ConcurrentMark  bool
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		RegionSize:          256 << 10,
		RegionCacheLimit:    16,
		MaxHeapSize:         256 << 20,
		OldSpaceCapacity:    256 << 20,
		NonMovableCapacity:  64 << 20,
		HugeObjectCapacity:  256 << 20,
		HugeObjectThreshold: 128 << 10,
		InitialAllocLimit:   32 << 20,
		GrowFactor:          2,
		ConcurrentMarkRatio: 0.75,
		NativeSizeLimit:     64 << 20,
		MarkWorkers:         taskpool.DefaultThreads(),
		ConcurrentSweep:     true,
		ConcurrentMark:      true,
	}
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch {
	case c.RegionSize < 4096 || c.RegionSize&(c.RegionSize-1) != 0:
		return fmt.Errorf("region size %d must be a power of two of at least 4096", c.RegionSize)
	case c.HugeObjectThreshold == 0 || c.HugeObjectThreshold > c.RegionSize-RegionHeaderSize:
		return fmt.Errorf("huge object threshold %d must be in (0, %d]", c.HugeObjectThreshold, c.RegionSize-RegionHeaderSize)
	case c.MaxHeapSize < c.RegionSize:
		return fmt.Errorf("max heap size %d is smaller than one region", c.MaxHeapSize)
	case c.OldSpaceCapacity == 0 || c.NonMovableCapacity == 0 || c.HugeObjectCapacity == 0:
		return errors.New("space capacities must be positive")
	case c.GrowFactor < 1:
		return fmt.Errorf("grow factor %v must be at least 1", c.GrowFactor)
	case c.ConcurrentMarkRatio <= 0 || c.ConcurrentMarkRatio > 1:
		return fmt.Errorf("concurrent mark ratio %v must be in (0, 1]", c.ConcurrentMarkRatio)
	case c.RegionCacheLimit < 0:
		return fmt.Errorf("region cache limit %d is negative", c.RegionCacheLimit)
	}
	return nil
}

// Option customizes a SharedHeap.
type Option func(*SharedHeap)

// WithEventSink sends every GC event to sink.
func WithEventSink(sink EventSink) Option {
	return func(h *SharedHeap) { h.sink = sink }
}

// ---------------------------------------------------------------------------
// SharedHeap
// ---------------------------------------------------------------------------

var nextHeapTaskID atomic.Int32

// SharedHeap is the heap shared by every mutator of a process. It is built
// once by the embedder and handed to each mutator explicitly.
type SharedHeap struct {
	cfg    Config
	pool   *taskpool.Pool
	daemon *daemon.Thread
	sink   EventSink
	taskID int32

	regionAllocator *RegionAllocator
	oldSpace        *SharedSparseSpace
	nonMovableSpace *SharedSparseSpace
	hugeObjectSpace *SharedHugeObjectSpace
	sweeper         *SharedConcurrentSweeper
	marker          *SharedConcurrentMarker

	// gcMu serializes collections.
	gcMu sync.Mutex

	// world is held shared by managed mutators and exclusively by a
	// suspend-all scope.
	world          sync.RWMutex
	suspendPending atomic.Int32
	suspended      atomic.Bool
	pauseNanos     atomic.Int64
	pauseCount     atomic.Uint64

	mutatorsMu sync.Mutex
	mutators   map[uuid.UUID]*Mutator

	nativeMu          sync.Mutex
	nativePointers    map[uintptr]nativeBinding
	nativeBindingSize atomic.Int64

	allocLimit          atomic.Uint64
	concurrentMarkLimit atomic.Uint64
	nativeLimit         atomic.Uint64

	statsMu sync.Mutex
	stats   GCStats
	gcSeq   atomic.Uint64

	destroyed atomic.Bool
}

type nativeBinding struct {
	size    uintptr
	deleter func()
}

// NewSharedHeap builds a heap that sweeps on pool and runs background
// collections on d.
func NewSharedHeap(cfg Config, pool *taskpool.Pool, d *daemon.Thread, opts ...Option) (*SharedHeap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("heap: invalid config: %w", err)
	}
	if pool == nil || d == nil {
		return nil, errors.New("heap: a worker pool and a daemon are required")
	}
	h := &SharedHeap{
		cfg:             cfg,
		pool:            pool,
		daemon:          d,
		taskID:          nextHeapTaskID.Add(1),
		regionAllocator: NewRegionAllocator(cfg.RegionSize, cfg.RegionCacheLimit),
		mutators:        make(map[uuid.UUID]*Mutator),
		nativePointers:  make(map[uintptr]nativeBinding),
	}
	h.oldSpace = newSharedSparseSpace(h, SpaceOld, cfg.OldSpaceCapacity)
	h.nonMovableSpace = newSharedSparseSpace(h, SpaceNonMovable, cfg.NonMovableCapacity)
	h.hugeObjectSpace = newSharedHugeObjectSpace(h, cfg.HugeObjectCapacity)

	enable := EnableSweep
	if !cfg.ConcurrentSweep {
		enable = ConfigDisableSweep
	}
	h.sweeper = newSharedConcurrentSweeper(h, pool, h.taskID, enable)
	h.marker = newSharedConcurrentMarker(h, cfg.MarkWorkers)

	h.setLimits(cfg.InitialAllocLimit, cfg.NativeSizeLimit)
	for _, opt := range opts {
		opt(h)
	}
	log.Info("shared heap created", "regionSize", cfg.RegionSize, "maxHeapSize", cfg.MaxHeapSize,
		"concurrentSweep", cfg.ConcurrentSweep, "concurrentMark", cfg.ConcurrentMark)
	return h, nil
}

// Config returns the heap configuration.
func (h *SharedHeap) Config() Config { return h.cfg }

// GetOldSpace returns the shared old space.
func (h *SharedHeap) GetOldSpace() *SharedSparseSpace { return h.oldSpace }

// GetNonMovableSpace returns the shared non-movable space.
func (h *SharedHeap) GetNonMovableSpace() *SharedSparseSpace { return h.nonMovableSpace }

// GetHugeObjectSpace returns the space holding one object per region.
func (h *SharedHeap) GetHugeObjectSpace() *SharedHugeObjectSpace { return h.hugeObjectSpace }

// GetSweeper returns the concurrent sweeper.
func (h *SharedHeap) GetSweeper() *SharedConcurrentSweeper { return h.sweeper }

// GetMarker returns the concurrent marker.
func (h *SharedHeap) GetMarker() *SharedConcurrentMarker { return h.marker }

// GetRegionAllocator returns the allocator backing every space.
func (h *SharedHeap) GetRegionAllocator() *RegionAllocator { return h.regionAllocator }

// Daemon returns the daemon that runs posted GC tasks.
func (h *SharedHeap) Daemon() *daemon.Thread { return h.daemon }

func (h *SharedHeap) sparseSpace(t SpaceType) *SharedSparseSpace {
	switch t {
	case SpaceOld:
		return h.oldSpace
	case SpaceNonMovable:
		return h.nonMovableSpace
	}
	panic(fmt.Sprintf("heap: %v is not a sparse space", t))
}

// GetHeapObjectSize returns the object bytes of all spaces.
func (h *SharedHeap) GetHeapObjectSize() uintptr {
	return h.oldSpace.GetHeapObjectSize() + h.nonMovableSpace.GetHeapObjectSize() +
		h.hugeObjectSpace.GetHeapObjectSize()
}

// GetCommittedSize returns the committed bytes of all spaces.
func (h *SharedHeap) GetCommittedSize() uintptr {
	return h.oldSpace.GetCommittedSize() + h.nonMovableSpace.GetCommittedSize() +
		h.hugeObjectSpace.GetCommittedSize()
}

// OldSpaceExceedCapacity reports whether committing size more bytes would
// take the heap past its maximum size.
func (h *SharedHeap) OldSpaceExceedCapacity(size uintptr) bool {
	return h.GetCommittedSize()+size > h.cfg.MaxHeapSize
}

// AllocLimit returns the object size at which the next GC is triggered.
func (h *SharedHeap) AllocLimit() uintptr { return uintptr(h.allocLimit.Load()) }

// ConcurrentMarkLimit returns the object size at which a concurrent mark is
// posted.
func (h *SharedHeap) ConcurrentMarkLimit() uintptr { return uintptr(h.concurrentMarkLimit.Load()) }

func (h *SharedHeap) setLimits(alloc, native uintptr) {
	h.allocLimit.Store(uint64(alloc))
	h.concurrentMarkLimit.Store(uint64(float64(alloc) * h.cfg.ConcurrentMarkRatio))
	h.nativeLimit.Store(uint64(native))
}

// ---------------------------------------------------------------------------
// Native bindings
// ---------------------------------------------------------------------------

// IncreaseNativeBindingSize charges n bytes of memory held outside the heap
// on behalf of heap objects.
func (h *SharedHeap) IncreaseNativeBindingSize(n uintptr) { h.nativeBindingSize.Add(int64(n)) }

// DecreaseNativeBindingSize releases n bytes charged earlier.
func (h *SharedHeap) DecreaseNativeBindingSize(n uintptr) {
	if h.nativeBindingSize.Add(-int64(n)) < 0 {
		panic("heap: native binding size went negative")
	}
}

// NativeBindingSize returns the bytes currently charged.
func (h *SharedHeap) NativeBindingSize() uintptr { return uintptr(h.nativeBindingSize.Load()) }

func (h *SharedHeap) registerNativePointer(obj, size uintptr, deleter func()) {
	h.nativeMu.Lock()
	h.nativePointers[obj] = nativeBinding{size: size, deleter: deleter}
	h.nativeMu.Unlock()
	h.IncreaseNativeBindingSize(size)
}

// collectNativePointers drops the bindings of unmarked objects and returns
// their deleters. Runs inside a suspend-all scope after marking.
func (h *SharedHeap) collectNativePointers() []func() {
	h.nativeMu.Lock()
	defer h.nativeMu.Unlock()
	var deleters []func()
	for obj, nb := range h.nativePointers {
		r := h.regionAllocator.RegionOf(obj)
		if r != nil && r.isMarked(obj) {
			continue
		}
		delete(h.nativePointers, obj)
		h.DecreaseNativeBindingSize(nb.size)
		if nb.deleter != nil {
			deleters = append(deleters, nb.deleter)
		}
	}
	return deleters
}

// NativePointerCount returns the number of live native bindings.
func (h *SharedHeap) NativePointerCount() int {
	h.nativeMu.Lock()
	defer h.nativeMu.Unlock()
	return len(h.nativePointers)
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Allocate returns an uninitialized cell of size bytes in space t for m.
// Sizes above the huge object threshold go to the huge object space. When
// the space cannot satisfy the request a GC runs and the allocation is
// retried, then a full GC, then ErrOutOfMemory.
func (h *SharedHeap) Allocate(m *Mutator, size uintptr, t SpaceType) (*Region, uintptr, error) {
	if h.destroyed.Load() {
		return nil, 0, ErrDestroyed
	}
	if t == SpaceHugeObject || size > h.cfg.HugeObjectThreshold {
		t = SpaceHugeObject
	}
	h.CheckAndTriggerSharedGC(m)

	r, addr := h.allocateIn(t, size)
	if addr == 0 {
		h.CollectGarbage(m, SharedGC, ReasonAllocationFailed)
		r, addr = h.allocateIn(t, size)
	}
	if addr == 0 {
		h.CollectGarbage(m, SharedFullGC, ReasonAllocationFailed)
		r, addr = h.allocateIn(t, size)
	}
	if addr == 0 {
		log.Warning("allocation failed", "space", t, "size", size, "committed", h.GetCommittedSize())
		return nil, 0, fmt.Errorf("%w: %d bytes in %v", ErrOutOfMemory, size, t)
	}
	h.TryTriggerConcurrentMarking(m)
	return r, addr, nil
}

func (h *SharedHeap) allocateIn(t SpaceType, size uintptr) (*Region, uintptr) {
	if t == SpaceHugeObject {
		return h.hugeObjectSpace.Allocate(size)
	}
	return h.sparseSpace(t).Allocate(size)
}

// ---------------------------------------------------------------------------
// Triggering
// ---------------------------------------------------------------------------

// CheckAndTriggerSharedGC collects synchronously when the object size or the
// native binding size is over its limit.
func (h *SharedHeap) CheckAndTriggerSharedGC(m *Mutator) bool {
	switch {
	case uint64(h.GetHeapObjectSize()) > h.allocLimit.Load():
		h.CollectGarbage(m, SharedGC, ReasonAllocationLimit)
	case uint64(h.NativeBindingSize()) > h.nativeLimit.Load():
		h.CollectGarbage(m, SharedGC, ReasonNativeLimit)
	default:
		return false
	}
	return true
}

// TryTriggerConcurrentMarking posts a concurrent mark to the daemon when the
// object size crosses the concurrent mark limit. It reports whether a mark
// was posted.
func (h *SharedHeap) TryTriggerConcurrentMarking(m *Mutator) bool {
	if !h.cfg.ConcurrentMark || !h.daemon.IsReadyToConcurrentMark() {
		return false
	}
	if uint64(h.GetHeapObjectSize()) < h.concurrentMarkLimit.Load() {
		return false
	}
	return h.TriggerConcurrentMarking(m, ReasonConcurrentMarkLimit) == daemon.Success
}

// TriggerConcurrentMarking posts a concurrent mark unconditionally. A daemon
// that is not running means no mark; the caller's next allocation check
// falls back to a synchronous GC.
func (h *SharedHeap) TriggerConcurrentMarking(m *Mutator, reason GCReason) daemon.PostResult {
	res := h.daemon.CheckAndPostTask(daemon.NewTask(daemon.TriggerConcurrentMark, originOf(m), func(d *daemon.Thread) {
		h.runConcurrentMark(d, reason)
	}))
	if res == daemon.Success {
		log.Debug("concurrent mark posted", "reason", reason)
	}
	return res
}

// TriggerCollectGarbage asks the daemon to collect. When the daemon is not
// running the collection runs on the calling mutator instead.
func (h *SharedHeap) TriggerCollectGarbage(m *Mutator, gcType TriggerGCType, reason GCReason) daemon.PostResult {
	res := h.daemon.CheckAndPostTask(daemon.NewTask(daemon.TriggerCollectGarbage, originOf(m), func(d *daemon.Thread) {
		h.gcMu.Lock()
		h.collect(gcType, reason)
		h.gcMu.Unlock()
		d.FinishRunningTask()
	}))
	if res == daemon.DaemonThreadNotRunning {
		log.Warning("daemon not running, collecting synchronously", "type", gcType, "reason", reason)
		h.CollectGarbage(m, gcType, reason)
	}
	return res
}

func originOf(m *Mutator) uuid.UUID {
	if m == nil {
		return uuid.Nil
	}
	return m.id
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// CollectGarbage runs a stop-the-world collection on the calling goroutine.
// m is the calling mutator, or nil.
func (h *SharedHeap) CollectGarbage(m *Mutator, gcType TriggerGCType, reason GCReason) {
	run := func() {
		h.gcMu.Lock()
		defer h.gcMu.Unlock()
		h.collect(gcType, reason)
	}
	if m != nil {
		m.RunUnmanaged(run)
	} else {
		run()
	}
}

// collect runs one synchronous collection. The caller holds gcMu and is not
// a managed mutator.
func (h *SharedHeap) collect(gcType TriggerGCType, reason GCReason) {
	if h.destroyed.Load() {
		return
	}
	start := time.Now()
	pauseBefore := h.pauseNanos.Load()
	before := h.GetHeapObjectSize()

	scope := h.SuspendAll(nil)
	h.sweeper.EnsureAllTaskFinished()
	if err := h.marker.MarkSync(); err != nil {
		panic(fmt.Sprintf("heap: marking failed: %v", err))
	}
	deleters := h.collectNativePointers()
	h.sweeper.Sweep(gcType == SharedFullGC)
	h.sweeper.PostTask()
	scope.Release()

	runDeleters(deleters)
	h.hugeObjectSpace.ReclaimHugeRegion()
	h.afterGC(GCEvent{
		Type:       gcType,
		Reason:     reason,
		Start:      start,
		Pause:      time.Duration(h.pauseNanos.Load() - pauseBefore),
		HeapBefore: before,
	})
}

// runConcurrentMark is the body of the daemon's concurrent mark task.
func (h *SharedHeap) runConcurrentMark(d *daemon.Thread, reason GCReason) {
	h.gcMu.Lock()
	if h.destroyed.Load() {
		h.gcMu.Unlock()
		d.SetSharedMarkStatus(daemon.ReadyToConcurrentMark)
		d.FinishRunningTask()
		return
	}
	start := time.Now()
	pauseBefore := h.pauseNanos.Load()
	before := h.GetHeapObjectSize()

	var deleters []func()
	err := h.marker.Mark(func() {
		deleters = h.collectNativePointers()
		h.sweeper.Sweep(false)
		h.sweeper.PostTask()
	})
	if err != nil {
		panic(fmt.Sprintf("heap: concurrent marking failed: %v", err))
	}
	h.gcMu.Unlock()

	runDeleters(deleters)
	h.afterGC(GCEvent{
		Type:       SharedGC,
		Reason:     reason,
		Concurrent: true,
		Start:      start,
		Pause:      time.Duration(h.pauseNanos.Load() - pauseBefore),
		HeapBefore: before,
	})
	d.SetSharedMarkStatus(daemon.ReadyToConcurrentMark)
	d.FinishRunningTask()
	h.hugeObjectSpace.ReclaimHugeRegion()
}

func runDeleters(deleters []func()) {
	for _, del := range deleters {
		del()
	}
}

// afterGC recomputes the limits from the surviving size and publishes the
// event.
func (h *SharedHeap) afterGC(ev GCEvent) {
	live := h.GetHeapObjectSize()
	limit := uintptr(float64(live) * h.cfg.GrowFactor)
	limit = max(limit, h.cfg.InitialAllocLimit)
	limit = min(limit, h.cfg.MaxHeapSize)
	native := max(uintptr(float64(h.NativeBindingSize())*h.cfg.GrowFactor), h.cfg.NativeSizeLimit)
	h.setLimits(limit, native)

	ev.Seq = h.gcSeq.Add(1)
	ev.Duration = time.Since(ev.Start)
	ev.HeapAfter = live
	ev.Committed = h.GetCommittedSize()
	ev.NativeBindingSize = h.NativeBindingSize()
	ev.MarkedObjects = h.marker.MarkedObjects()
	ev.AllocLimit = limit

	h.statsMu.Lock()
	h.stats.record(ev)
	h.statsMu.Unlock()

	log.Info("shared gc finished", "seq", ev.Seq, "type", ev.Type, "reason", ev.Reason,
		"concurrent", ev.Concurrent, "before", ev.HeapBefore, "after", ev.HeapAfter,
		"pause", ev.Pause, "duration", ev.Duration)

	if h.sink != nil {
		if err := h.sink.RecordGC(ev); err != nil {
			h.statsMu.Lock()
			h.stats.SinkErrors++
			h.statsMu.Unlock()
			log.Warning("gc event not recorded", "seq", ev.Seq, "error", err)
		}
	}
}

// Stats returns the cumulative collection counters.
func (h *SharedHeap) Stats() GCStats {
	h.statsMu.Lock()
	s := h.stats
	h.statsMu.Unlock()
	s.Pauses = h.pauseCount.Load()
	s.TotalPause = time.Duration(h.pauseNanos.Load())
	return s
}

// ---------------------------------------------------------------------------
// Roots and regions
// ---------------------------------------------------------------------------

// visitRoots calls fn for every non-empty root of every mutator.
func (h *SharedHeap) visitRoots(fn func(root uintptr)) {
	h.mutatorsMu.Lock()
	defer h.mutatorsMu.Unlock()
	for _, m := range h.mutators {
		m.visitRoots(fn)
	}
}

// enumerateAllRegions calls fn for every region of every space.
func (h *SharedHeap) enumerateAllRegions(fn func(r *Region)) {
	h.oldSpace.EnumerateRegionsSafe(fn)
	h.nonMovableSpace.EnumerateRegionsSafe(fn)
	h.hugeObjectSpace.EnumerateRegionsSafe(fn)
}

// MutatorCount returns the number of open mutators.
func (h *SharedHeap) MutatorCount() int {
	h.mutatorsMu.Lock()
	defer h.mutatorsMu.Unlock()
	return len(h.mutators)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// PreFork stops the daemon and drains any sweep so that no background
// goroutine touches the heap. m is the calling mutator, or nil.
func (h *SharedHeap) PreFork(m *Mutator) {
	run := func() {
		h.daemon.PreFork()
		h.gcMu.Lock()
		defer h.gcMu.Unlock()
		scope := h.SuspendAll(nil)
		h.sweeper.EnsureAllTaskFinished()
		scope.Release()
	}
	if m != nil {
		m.RunUnmanaged(run)
	} else {
		run()
	}
	log.Debug("shared heap prepared for fork")
}

// PostFork restarts the daemon.
func (h *SharedHeap) PostFork() {
	h.daemon.PostFork()
}

// Destroy finishes any sweep and releases every region. Mutators must be
// closed first; later allocations return ErrDestroyed.
func (h *SharedHeap) Destroy() {
	h.gcMu.Lock()
	defer h.gcMu.Unlock()
	if h.destroyed.Swap(true) {
		return
	}
	scope := h.SuspendAll(nil)
	h.sweeper.EnsureAllTaskFinished()
	h.pool.TerminateTask(h.taskID)
	h.oldSpace.ReclaimRegionsSafe()
	h.nonMovableSpace.ReclaimRegionsSafe()
	h.hugeObjectSpace.ReclaimRegionsSafe()
	scope.Release()

	h.nativeMu.Lock()
	deleters := make([]func(), 0, len(h.nativePointers))
	for obj, nb := range h.nativePointers {
		delete(h.nativePointers, obj)
		h.DecreaseNativeBindingSize(nb.size)
		if nb.deleter != nil {
			deleters = append(deleters, nb.deleter)
		}
	}
	h.nativeMu.Unlock()
	runDeleters(deleters)
	log.Info("shared heap destroyed", "regions", h.regionAllocator.LiveRegions())
}

// IsDestroyed reports whether Destroy has run.
func (h *SharedHeap) IsDestroyed() bool { return h.destroyed.Load() }
