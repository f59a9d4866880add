package heap

import (
	"math/bits"
	"sync/atomic"
)

// bitmap is a word-indexed bitset safe for concurrent set and clear.
type bitmap struct {
	words []atomic.Uint64
}

func newBitmap(nbits int) bitmap {
	return bitmap{words: make([]atomic.Uint64, (nbits+63)/64)}
}

// testAndSet sets bit i and reports whether it was already set.
func (b *bitmap) testAndSet(i int) bool {
	w := &b.words[i>>6]
	mask := uint64(1) << (uint(i) & 63)
	return w.Or(mask)&mask != 0
}

func (b *bitmap) test(i int) bool {
	return b.words[i>>6].Load()&(uint64(1)<<(uint(i)&63)) != 0
}

func (b *bitmap) clear(i int) {
	b.words[i>>6].And(^(uint64(1) << (uint(i) & 63)))
}

// clearRange clears bits [from, to).
func (b *bitmap) clearRange(from, to int) {
	for from < to {
		wi := from >> 6
		lo := uint(from) & 63
		hi := uint(64)
		if (wi+1)<<6 > to {
			hi = uint(to) & 63
		}
		var mask uint64
		if hi == 64 {
			mask = ^uint64(0) << lo
		} else {
			mask = (uint64(1)<<hi - 1) &^ (uint64(1)<<lo - 1)
		}
		b.words[wi].And(^mask)
		from = (wi + 1) << 6
	}
}

func (b *bitmap) clearAll() {
	for i := range b.words {
		b.words[i].Store(0)
	}
}

func (b *bitmap) empty() bool {
	for i := range b.words {
		if b.words[i].Load() != 0 {
			return false
		}
	}
	return true
}

// merge ORs other into b.
func (b *bitmap) merge(other *bitmap) {
	for i := range other.words {
		if v := other.words[i].Load(); v != 0 {
			b.words[i].Or(v)
		}
	}
}

// each calls fn for every set bit in ascending order.
func (b *bitmap) each(fn func(i int)) {
	for wi := range b.words {
		w := b.words[wi].Load()
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			fn(wi<<6 + tz)
			w &= w - 1
		}
	}
}

func (b *bitmap) count() int {
	n := 0
	for i := range b.words {
		n += bits.OnesCount64(b.words[i].Load())
	}
	return n
}
