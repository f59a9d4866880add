// Package heap implements the shared heap: memory that many execution
// contexts (mutators) allocate from and reference concurrently.
//
// This package contains:
//   - Regions: fixed-capacity arenas with mark bitmaps and remembered sets
//   - Spaces: slab-indexed region lists (old, non-movable, huge object)
//   - Free-list allocation with per-region free object sets
//   - SharedConcurrentMarker: tri-color marking with an insertion barrier
//   - SharedConcurrentSweeper: background sweeping with help-then-wait
//   - SharedHeap: the facade that triggers and runs collections
//   - Mutator: one execution context with its own root handles
//
// Addresses are simulated: every region owns a word slice and a virtual
// address range aligned to the region size, so the region of an object start
// is found by masking its address.
package heap
