package heap

import "fmt"

// ---------------------------------------------------------------------------
// Object layout
// ---------------------------------------------------------------------------
//
// Word 0 of every heap cell is a header: size in bytes shifted left by 8,
// kind in the low byte. Objects carry their reference slot count in word 1
// and their reference slots in words 2..2+n. Free cells of at least
// MinObjectSize bytes carry a kindFree header; 8-byte gaps carry a filler.

// WordSize is the size of one heap word in bytes.
const WordSize = 8

// MinObjectSize is the smallest object: header plus slot count.
const MinObjectSize = 2 * WordSize

// objectKind is the low byte of a header word.
type objectKind uint8

const (
	kindInvalid objectKind = iota
	kindObject
	kindFree
	kindFiller
)

func (k objectKind) String() string {
	switch k {
	case kindObject:
		return "object"
	case kindFree:
		return "free"
	case kindFiller:
		return "filler"
	}
	return fmt.Sprintf("invalid(%d)", uint8(k))
}

func makeHeader(size uintptr, kind objectKind) uint64 {
	return uint64(size)<<8 | uint64(kind)
}

func decodeHeader(h uint64) (uintptr, objectKind) {
	return uintptr(h >> 8), objectKind(h & 0xff)
}

// ObjectSizeFor returns the aligned size of an object with nrefs reference
// slots and dataBytes of raw payload.
func ObjectSizeFor(nrefs, dataBytes int) uintptr {
	if nrefs < 0 || dataBytes < 0 {
		panic("heap: negative object shape")
	}
	return alignUp(uintptr(MinObjectSize+nrefs*WordSize+dataBytes), WordSize)
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// slotAddr returns the address of reference slot i of obj.
func slotAddr(obj uintptr, i int) uintptr {
	return obj + uintptr(2+i)*WordSize
}
