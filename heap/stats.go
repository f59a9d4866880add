package heap

import (
	"fmt"
	"time"
)

// TriggerGCType selects the kind of shared collection.
type TriggerGCType int

const (
	SharedGC TriggerGCType = iota
	// SharedFullGC sweeps synchronously and releases empty regions.
	SharedFullGC
)

func (t TriggerGCType) String() string {
	switch t {
	case SharedGC:
		return "SHARED_GC"
	case SharedFullGC:
		return "SHARED_FULL_GC"
	}
	return fmt.Sprintf("TriggerGCType(%d)", int(t))
}

// GCReason records why a collection ran.
type GCReason int

const (
	ReasonAllocationLimit GCReason = iota
	ReasonAllocationFailed
	ReasonNativeLimit
	ReasonConcurrentMarkLimit
	ReasonExternalTrigger
	ReasonPreFork
)

func (r GCReason) String() string {
	switch r {
	case ReasonAllocationLimit:
		return "allocation_limit"
	case ReasonAllocationFailed:
		return "allocation_failed"
	case ReasonNativeLimit:
		return "native_limit"
	case ReasonConcurrentMarkLimit:
		return "concurrent_mark_limit"
	case ReasonExternalTrigger:
		return "external_trigger"
	case ReasonPreFork:
		return "pre_fork"
	}
	return fmt.Sprintf("GCReason(%d)", int(r))
}

// GCEvent describes one finished collection.
type GCEvent struct {
	Seq        uint64
	Type       TriggerGCType
	Reason     GCReason
	Concurrent bool
	Start      time.Time
	Duration   time.Duration
	// Pause is the time mutators spent suspended during the collection.
	Pause             time.Duration
	HeapBefore        uintptr
	HeapAfter         uintptr
	Committed         uintptr
	NativeBindingSize uintptr
	MarkedObjects     int64
	AllocLimit        uintptr
}

// EventSink receives an event after every collection. RecordGC runs on the
// collecting goroutine after mutators have resumed.
type EventSink interface {
	RecordGC(ev GCEvent) error
}

// GCStats are cumulative collection counters.
type GCStats struct {
	Collections     uint64        `cbor:"1,keyasint"`
	FullCollections uint64        `cbor:"2,keyasint"`
	ConcurrentMarks uint64        `cbor:"3,keyasint"`
	Pauses          uint64        `cbor:"4,keyasint"`
	TotalPause      time.Duration `cbor:"5,keyasint"`
	FreedBytes      uint64        `cbor:"6,keyasint"`
	SinkErrors      uint64        `cbor:"7,keyasint,omitempty"`
}

func (s *GCStats) record(ev GCEvent) {
	s.Collections++
	if ev.Type == SharedFullGC {
		s.FullCollections++
	}
	if ev.Concurrent {
		s.ConcurrentMarks++
	}
	if ev.HeapBefore > ev.HeapAfter {
		s.FreedBytes += uint64(ev.HeapBefore - ev.HeapAfter)
	}
}
