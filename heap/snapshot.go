package heap

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("heap: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// SpaceSnapshot describes one space at snapshot time.
type SpaceSnapshot struct {
	Space         string `cbor:"1,keyasint"`
	Regions       int    `cbor:"2,keyasint"`
	CommittedSize uint64 `cbor:"3,keyasint"`
	ObjectSize    uint64 `cbor:"4,keyasint"`
	MaxCapacity   uint64 `cbor:"5,keyasint"`
	FreeBytes     uint64 `cbor:"6,keyasint,omitempty"`
}

// Snapshot is a point-in-time summary of the heap.
type Snapshot struct {
	Taken             time.Time       `cbor:"1,keyasint"`
	Spaces            []SpaceSnapshot `cbor:"2,keyasint"`
	Mutators          int             `cbor:"3,keyasint"`
	NativeBindingSize uint64          `cbor:"4,keyasint"`
	AllocLimit        uint64          `cbor:"5,keyasint"`
	Sweeping          bool            `cbor:"6,keyasint"`
	SweepPolicy       string          `cbor:"7,keyasint"`
	Stats             GCStats         `cbor:"8,keyasint"`
}

// Snapshot collects the current sizes and counters. The figures are read
// without stopping the world and may be mutually slightly stale.
func (h *SharedHeap) Snapshot() Snapshot {
	sparse := func(s *SharedSparseSpace) SpaceSnapshot {
		return SpaceSnapshot{
			Space:         s.Type().String(),
			Regions:       s.RegionCountSafe(),
			CommittedSize: uint64(s.GetCommittedSize()),
			ObjectSize:    uint64(s.GetHeapObjectSize()),
			MaxCapacity:   uint64(s.MaximumCapacity()),
			FreeBytes:     uint64(s.AvailableFree()),
		}
	}
	huge := h.hugeObjectSpace
	return Snapshot{
		Taken: time.Now().UTC(),
		Spaces: []SpaceSnapshot{
			sparse(h.oldSpace),
			sparse(h.nonMovableSpace),
			{
				Space:         huge.Type().String(),
				Regions:       huge.RegionCountSafe(),
				CommittedSize: uint64(huge.GetCommittedSize()),
				ObjectSize:    uint64(huge.GetHeapObjectSize()),
				MaxCapacity:   uint64(huge.MaximumCapacity()),
			},
		},
		Mutators:          h.MutatorCount(),
		NativeBindingSize: uint64(h.NativeBindingSize()),
		AllocLimit:        uint64(h.AllocLimit()),
		Sweeping:          h.sweeper.IsSweeping(),
		SweepPolicy:       h.sweeper.EnableType().String(),
		Stats:             h.Stats(),
	}
}

// MarshalSnapshot serializes s to canonical CBOR.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalSnapshot deserializes a Snapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("heap: unmarshal snapshot: %w", err)
	}
	return &s, nil
}
