package heap

// RememberedSet records slot addresses inside one region. The write barrier
// inserts from many goroutines at once; the sweeper clears dead ranges.
type RememberedSet struct {
	begin uintptr
	bits  bitmap
}

func newRememberedSet(begin, end uintptr) *RememberedSet {
	return &RememberedSet{
		begin: begin,
		bits:  newBitmap(int((end - begin) / WordSize)),
	}
}

func (s *RememberedSet) index(slot uintptr) int {
	return int((slot - s.begin) / WordSize)
}

// Insert records slot.
func (s *RememberedSet) Insert(slot uintptr) {
	s.bits.testAndSet(s.index(slot))
}

// Contains reports whether slot is recorded.
func (s *RememberedSet) Contains(slot uintptr) bool {
	return s.bits.test(s.index(slot))
}

// ClearRange drops every slot in [start, end).
func (s *RememberedSet) ClearRange(start, end uintptr) {
	s.bits.clearRange(s.index(start), s.index(end))
}

// Merge adds every slot of other.
func (s *RememberedSet) Merge(other *RememberedSet) {
	s.bits.merge(&other.bits)
}

// Iterate calls fn for each recorded slot in ascending address order.
func (s *RememberedSet) Iterate(fn func(slot uintptr)) {
	s.bits.each(func(i int) {
		fn(s.begin + uintptr(i)*WordSize)
	})
}

// Len returns the number of recorded slots.
func (s *RememberedSet) Len() int {
	return s.bits.count()
}
