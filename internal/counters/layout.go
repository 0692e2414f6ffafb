// Package counters implements a registry of 64-bit counters living in two
// flat shared regions: a values region holding one padded cell per counter and
// a metadata region holding one fixed-stride record per counter. Both regions
// are plain byte slices so the same layout works whether they come from the Go
// heap or from a mapping shared between processes.
package counters

import (
	"sync/atomic"
	"unsafe"
)

// State is the lifecycle state stored at StateOffset of a metadata record.
type State int32

const (
	RecordUnused    State = 0
	RecordAllocated State = 1
	RecordReclaimed State = -1
)

func (s State) String() string {
	switch s {
	case RecordUnused:
		return "UNUSED"
	case RecordAllocated:
		return "ALLOCATED"
	case RecordReclaimed:
		return "RECLAIMED"
	default:
		return "UNKNOWN"
	}
}

const (
	// NullCounterID is returned by lookups that find nothing.
	NullCounterID int32 = -1
	// NullValue marks an unset registration or owner id.
	NullValue int64 = -1

	// CacheLineLength is the alignment unit for value cells.
	CacheLineLength = 64

	// ValueRecordLength is the stride of the values region. Two cache lines
	// keep adjacent-line prefetch from coupling neighbouring counters.
	ValueRecordLength = 2 * CacheLineLength
	// ValueOffset is the position of the 64-bit value within a value record.
	ValueOffset = 0

	// MetadataRecordLength is the stride of the metadata region.
	MetadataRecordLength = 512

	StateOffset                = 0
	TypeIDOffset               = 4
	FreeForReuseDeadlineOffset = 8
	RegistrationIDOffset       = 16
	OwnerIDOffset              = 24
	KeyLengthOffset            = 32
	KeyOffset                  = 64
	MaxKeyLength               = 64
	LabelLengthOffset          = KeyOffset + MaxKeyLength
	LabelOffset                = LabelLengthOffset + 4
	MaxLabelLength             = MetadataRecordLength - LabelOffset
)

// CounterOffset returns the byte offset of a counter's value record.
func CounterOffset(id int32) int {
	return int(id) * ValueRecordLength
}

// MetadataOffset returns the byte offset of a counter's metadata record.
func MetadataOffset(id int32) int {
	return int(id) * MetadataRecordLength
}

// ValuesLength returns the values region size needed for maxCounters.
func ValuesLength(maxCounters int) int {
	return maxCounters * ValueRecordLength
}

// MetadataLength returns the metadata region size needed for maxCounters.
func MetadataLength(maxCounters int) int {
	return maxCounters * MetadataRecordLength
}

func int64At(b []byte, offset int) *int64 {
	return (*int64)(unsafe.Pointer(&b[offset]))
}

func int32At(b []byte, offset int) *int32 {
	return (*int32)(unsafe.Pointer(&b[offset]))
}

func loadInt64(b []byte, offset int) int64 {
	return atomic.LoadInt64(int64At(b, offset))
}

func storeInt64(b []byte, offset int, v int64) {
	atomic.StoreInt64(int64At(b, offset), v)
}

func loadInt32(b []byte, offset int) int32 {
	return atomic.LoadInt32(int32At(b, offset))
}

func storeInt32(b []byte, offset int, v int32) {
	atomic.StoreInt32(int32At(b, offset), v)
}

func isAligned(b []byte) bool {
	return len(b) == 0 || uintptr(unsafe.Pointer(&b[0]))%8 == 0
}
