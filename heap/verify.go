package heap

import (
	"errors"
	"fmt"
)

// maxVerifyErrors bounds the errors collected by one Verify.
const maxVerifyErrors = 32

// Verify stops the world, finishes any sweep and checks every region: that
// headers parse from begin to end, that no reference of an object points at
// anything but an object, and that every cross-region slot is remembered.
// m is the calling mutator, or nil.
func (h *SharedHeap) Verify(m *Mutator) error {
	var err error
	run := func() {
		h.gcMu.Lock()
		defer h.gcMu.Unlock()
		scope := h.SuspendAll(nil)
		defer scope.Release()
		h.sweeper.EnsureAllTaskFinished()
		err = h.verifyLocked()
	}
	if m != nil {
		m.RunUnmanaged(run)
	} else {
		run()
	}
	return err
}

func (h *SharedHeap) verifyLocked() error {
	var errs []error
	report := func(err error) {
		if len(errs) < maxVerifyErrors {
			errs = append(errs, err)
		}
	}
	h.enumerateAllRegions(func(r *Region) {
		walkErr := r.walk(func(obj, size uintptr, kind objectKind) {
			if kind != kindObject {
				return
			}
			if !r.startBits.test(r.wordIndex(obj)) {
				report(fmt.Errorf("object %#x: start not recorded", obj))
			}
			n := r.refCount(obj)
			if slotAddr(obj, n) > obj+size {
				report(fmt.Errorf("object %#x: %d slots overflow size %d", obj, n, size))
				return
			}
			for i := 0; i < n; i++ {
				slot := slotAddr(obj, i)
				v := uintptr(r.load(slot))
				if v == 0 {
					continue
				}
				vr, err := h.objectAt(v)
				if err != nil {
					report(fmt.Errorf("object %#x slot %d: %w", obj, i, err))
					continue
				}
				if vr != r && !r.crossRegionSet.Contains(slot) {
					report(fmt.Errorf("object %#x slot %d: cross-region reference to %#x not remembered", obj, i, v))
				}
			}
		})
		if walkErr != nil {
			report(walkErr)
		}
	})
	for _, s := range []*Space{&h.oldSpace.Space, &h.nonMovableSpace.Space, &h.hugeObjectSpace.Space} {
		if s.GetCommittedSize() < s.GetHeapObjectSize() {
			report(fmt.Errorf("%v: committed %d below object size %d", s.Type(), s.GetCommittedSize(), s.GetHeapObjectSize()))
		}
	}
	return errors.Join(errs...)
}
