// Package shm provides the memory a counters region pair lives in. A segment
// is a fixed header followed by the values region and then the metadata
// region; both regions start on a cache-line boundary. Segments are either
// plain heap memory for a single process or a memory-mapped file shared by
// every process that opens it.
package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/23skdu/shmcounters/internal/counters"
)

// Memory layout constants
const (
	// Magic bytes for segment identification
	SegmentMagic = "SHMCTRS\x00"

	// Current layout version
	SegmentVersion = uint32(1)

	// Segment header size, a multiple of the cache line length
	SegmentHeaderSize = 2 * counters.CacheLineLength
)

// header field offsets
const (
	magicOffset          = 0x00
	versionOffset        = 0x08
	readyOffset          = 0x0C
	valuesOffsetOffset   = 0x10
	valuesLengthOffset   = 0x18
	metadataOffsetOffset = 0x20
	metadataLengthOffset = 0x28
	ownerPIDOffset       = 0x30
	startTimeOffset      = 0x38
)

var (
	ErrTruncated       = errors.New("segment smaller than its header describes")
	ErrBadMagic        = errors.New("segment magic mismatch")
	ErrVersionMismatch = errors.New("segment version mismatch")
	ErrNotReady        = errors.New("segment not ready")
	ErrUnsupported     = errors.New("memory-mapped segments are not supported on this platform")
)

// Layout describes where the regions of a segment live.
type Layout struct {
	MaxCounters    int
	ValuesOffset   int
	ValuesLength   int
	MetadataOffset int
	MetadataLength int
	TotalSize      int
}

// CalculateLayout sizes a segment for maxCounters records.
func CalculateLayout(maxCounters int) (Layout, error) {
	if maxCounters <= 0 {
		return Layout{}, fmt.Errorf("max counters must be positive, got %d", maxCounters)
	}
	l := Layout{
		MaxCounters:  maxCounters,
		ValuesOffset: SegmentHeaderSize,
		ValuesLength: counters.ValuesLength(maxCounters),
	}
	l.MetadataOffset = l.ValuesOffset + l.ValuesLength
	l.MetadataLength = counters.MetadataLength(maxCounters)
	l.TotalSize = l.MetadataOffset + l.MetadataLength
	return l, nil
}

// Segment is a mapped or heap-backed region pair.
type Segment struct {
	mem    []byte
	layout Layout
	path   string
	file   *os.File
	owner  bool
	unmap  func([]byte) error
	closed atomic.Bool
}

// NewHeapSegment allocates a segment in process memory. It needs no cleanup
// beyond dropping references.
func NewHeapSegment(maxCounters int) (*Segment, error) {
	layout, err := CalculateLayout(maxCounters)
	if err != nil {
		return nil, err
	}
	s := &Segment{mem: make([]byte, layout.TotalSize), layout: layout, owner: true}
	s.initHeader()
	return s, nil
}

func (s *Segment) initHeader() {
	le := binary.LittleEndian
	copy(s.mem[magicOffset:], SegmentMagic)
	le.PutUint32(s.mem[versionOffset:], SegmentVersion)
	le.PutUint64(s.mem[valuesOffsetOffset:], uint64(s.layout.ValuesOffset))
	le.PutUint64(s.mem[valuesLengthOffset:], uint64(s.layout.ValuesLength))
	le.PutUint64(s.mem[metadataOffsetOffset:], uint64(s.layout.MetadataOffset))
	le.PutUint64(s.mem[metadataLengthOffset:], uint64(s.layout.MetadataLength))
	le.PutUint32(s.mem[ownerPIDOffset:], uint32(os.Getpid()))
	le.PutUint64(s.mem[startTimeOffset:], uint64(time.Now().UnixMilli()))
}

// readLayout validates the header of mem and returns the layout it describes.
func readLayout(mem []byte) (Layout, error) {
	if len(mem) < SegmentHeaderSize {
		return Layout{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(mem))
	}
	if string(mem[magicOffset:magicOffset+len(SegmentMagic)]) != SegmentMagic {
		return Layout{}, ErrBadMagic
	}
	le := binary.LittleEndian
	if v := le.Uint32(mem[versionOffset:]); v != SegmentVersion {
		return Layout{}, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, v, SegmentVersion)
	}

	size := uint64(len(mem))
	fields := [4]uint64{
		le.Uint64(mem[valuesOffsetOffset:]),
		le.Uint64(mem[valuesLengthOffset:]),
		le.Uint64(mem[metadataOffsetOffset:]),
		le.Uint64(mem[metadataLengthOffset:]),
	}
	for _, f := range fields {
		if f > size {
			return Layout{}, fmt.Errorf("%w: header field %d exceeds %d bytes", ErrTruncated, f, size)
		}
	}

	// every field is now bounded by len(mem), so the int conversions and sums cannot overflow
	l := Layout{
		ValuesOffset:   int(fields[0]),
		ValuesLength:   int(fields[1]),
		MetadataOffset: int(fields[2]),
		MetadataLength: int(fields[3]),
	}
	l.TotalSize = l.MetadataOffset + l.MetadataLength
	l.MaxCounters = l.ValuesLength / counters.ValueRecordLength
	if l.ValuesOffset < SegmentHeaderSize || l.MetadataOffset < l.ValuesOffset+l.ValuesLength || l.TotalSize > len(mem) {
		return Layout{}, fmt.Errorf("%w: header describes %d bytes, have %d", ErrTruncated, l.TotalSize, len(mem))
	}
	if l.MaxCounters == 0 || l.ValuesLength%counters.ValueRecordLength != 0 ||
		l.MetadataLength != counters.MetadataLength(l.MaxCounters) {
		return Layout{}, fmt.Errorf("%w: regions of %d and %d bytes do not hold whole records",
			ErrTruncated, l.ValuesLength, l.MetadataLength)
	}
	return l, nil
}

func (s *Segment) readyFlag() *uint32 {
	return (*uint32)(unsafe.Pointer(&s.mem[readyOffset]))
}

// MarkReady publishes the segment to readers once the regions are initialized.
func (s *Segment) MarkReady() {
	atomic.StoreUint32(s.readyFlag(), 1)
}

func (s *Segment) Ready() bool {
	return atomic.LoadUint32(s.readyFlag()) == 1
}

// Values is the values region.
func (s *Segment) Values() []byte {
	return s.mem[s.layout.ValuesOffset : s.layout.ValuesOffset+s.layout.ValuesLength : s.layout.ValuesOffset+s.layout.ValuesLength]
}

// Metadata is the metadata region.
func (s *Segment) Metadata() []byte {
	return s.mem[s.layout.MetadataOffset : s.layout.MetadataOffset+s.layout.MetadataLength : s.layout.MetadataOffset+s.layout.MetadataLength]
}

func (s *Segment) Layout() Layout {
	return s.layout
}

// Path is empty for heap segments.
func (s *Segment) Path() string {
	return s.path
}

// OwnerPID is the process that created the segment.
func (s *Segment) OwnerPID() int {
	return int(binary.LittleEndian.Uint32(s.mem[ownerPIDOffset:]))
}

// StartTime is when the segment was created.
func (s *Segment) StartTime() time.Time {
	return time.UnixMilli(int64(binary.LittleEndian.Uint64(s.mem[startTimeOffset:])))
}

// Close unmaps a file-backed segment. The creator also removes the file.
func (s *Segment) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if s.unmap != nil {
		errs = append(errs, s.unmap(s.mem))
	}
	if s.file != nil {
		errs = append(errs, s.file.Close())
		if s.owner {
			errs = append(errs, os.Remove(s.path))
		}
	}
	s.mem = nil
	return errors.Join(errs...)
}
