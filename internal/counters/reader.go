package counters

import (
	"fmt"
	"iter"
)

// Reader is a read-only view over a values region and a metadata region. It
// never writes to either and holds no state beyond the two slices, so any
// number of readers may share the same regions across goroutines or processes.
//
// Field getters return the raw stored field regardless of state. An id outside
// [0, MaxCounterID] yields the zero value for the field (NullValue for ids,
// RecordUnused for state, "" for labels).
type Reader struct {
	values      []byte
	metadata    []byte
	maxCounters int
}

// NewReader binds a reader to the given regions. The number of counters is
// derived from the values region and the metadata region must hold a record
// for each of them.
func NewReader(values, metadata []byte) (*Reader, error) {
	if len(values)%ValueRecordLength != 0 {
		return nil, fmt.Errorf("values region length %d is not a multiple of %d", len(values), ValueRecordLength)
	}
	maxCounters := len(values) / ValueRecordLength
	if len(metadata) < MetadataLength(maxCounters) {
		return nil, fmt.Errorf("metadata region length %d too small for %d counters", len(metadata), maxCounters)
	}
	if !isAligned(values) || !isAligned(metadata) {
		return nil, fmt.Errorf("regions must be 8-byte aligned")
	}

	return &Reader{
		values:      values,
		metadata:    metadata[:MetadataLength(maxCounters)],
		maxCounters: maxCounters,
	}, nil
}

// MaxCounterID is the highest valid counter id.
func (r *Reader) MaxCounterID() int32 {
	return int32(r.maxCounters - 1)
}

// Capacity is the number of counter slots.
func (r *Reader) Capacity() int {
	return r.maxCounters
}

// ValuesBuffer exposes the raw values region for diagnostics.
func (r *Reader) ValuesBuffer() []byte {
	return r.values
}

// MetadataBuffer exposes the raw metadata region for diagnostics and tools
// that patch fields directly.
func (r *Reader) MetadataBuffer() []byte {
	return r.metadata
}

func (r *Reader) valid(id int32) bool {
	return id >= 0 && int(id) < r.maxCounters
}

// CounterValue returns the current value with a full-fence load.
func (r *Reader) CounterValue(id int32) int64 {
	if !r.valid(id) {
		return 0
	}
	return loadInt64(r.values, CounterOffset(id)+ValueOffset)
}

// CounterState returns the record state with an acquire load; every other
// metadata field is published before the state.
func (r *Reader) CounterState(id int32) State {
	if !r.valid(id) {
		return RecordUnused
	}
	return State(loadInt32(r.metadata, MetadataOffset(id)+StateOffset))
}

func (r *Reader) CounterTypeID(id int32) int32 {
	if !r.valid(id) {
		return 0
	}
	return loadInt32(r.metadata, MetadataOffset(id)+TypeIDOffset)
}

func (r *Reader) CounterRegistrationID(id int32) int64 {
	if !r.valid(id) {
		return NullValue
	}
	return loadInt64(r.metadata, MetadataOffset(id)+RegistrationIDOffset)
}

func (r *Reader) CounterOwnerID(id int32) int64 {
	if !r.valid(id) {
		return NullValue
	}
	return loadInt64(r.metadata, MetadataOffset(id)+OwnerIDOffset)
}

// FreeForReuseDeadline is the epoch-ms time after which a reclaimed record may
// be reused.
func (r *Reader) FreeForReuseDeadline(id int32) int64 {
	if !r.valid(id) {
		return 0
	}
	return loadInt64(r.metadata, MetadataOffset(id)+FreeForReuseDeadlineOffset)
}

// CounterKey returns a copy of the key bytes.
func (r *Reader) CounterKey(id int32) []byte {
	if !r.valid(id) {
		return nil
	}
	base := MetadataOffset(id)
	n := clampLength(loadInt32(r.metadata, base+KeyLengthOffset), MaxKeyLength)
	key := make([]byte, n)
	copy(key, r.metadata[base+KeyOffset:base+KeyOffset+n])
	return key
}

func (r *Reader) CounterLabel(id int32) string {
	if !r.valid(id) {
		return ""
	}
	base := MetadataOffset(id)
	n := clampLength(loadInt32(r.metadata, base+LabelLengthOffset), MaxLabelLength)
	return string(r.metadata[base+LabelOffset : base+LabelOffset+n])
}

func clampLength(n int32, limit int) int {
	switch {
	case n < 0:
		return 0
	case int(n) > limit:
		return limit
	default:
		return int(n)
	}
}

// FindByRegistrationID returns the lowest ALLOCATED counter id carrying
// registrationID, or NullCounterID.
func (r *Reader) FindByRegistrationID(registrationID int64) int32 {
	for id := range r.AllocatedIDs() {
		if r.CounterRegistrationID(id) == registrationID {
			return id
		}
	}
	return NullCounterID
}

// FindByTypeIDAndRegistrationID returns the lowest ALLOCATED counter id whose
// type id and registration id both match, or NullCounterID.
func (r *Reader) FindByTypeIDAndRegistrationID(typeID int32, registrationID int64) int32 {
	for id := range r.AllocatedIDs() {
		if r.CounterTypeID(id) == typeID && r.CounterRegistrationID(id) == registrationID {
			return id
		}
	}
	return NullCounterID
}

// AllocatedIDs yields ALLOCATED counter ids in ascending order. The sequence
// reads the regions lazily and may be ranged over repeatedly.
func (r *Reader) AllocatedIDs() iter.Seq[int32] {
	return func(yield func(int32) bool) {
		for id := int32(0); int(id) < r.maxCounters; id++ {
			if r.CounterState(id) != RecordAllocated {
				continue
			}
			if !yield(id) {
				return
			}
		}
	}
}

// Info is a point-in-time copy of one counter.
type Info struct {
	ID             int32  `json:"id" yaml:"id"`
	State          State  `json:"-" yaml:"-"`
	TypeID         int32  `json:"type_id" yaml:"type_id"`
	RegistrationID int64  `json:"registration_id" yaml:"registration_id"`
	OwnerID        int64  `json:"owner_id" yaml:"owner_id"`
	Value          int64  `json:"value" yaml:"value"`
	Key            []byte `json:"key,omitempty" yaml:"key,omitempty"`
	Label          string `json:"label" yaml:"label"`
}

// Snapshot copies every field of a counter. The copy is not atomic across
// fields; callers that need consistency check State.
func (r *Reader) Snapshot(id int32) (Info, bool) {
	if !r.valid(id) {
		return Info{}, false
	}
	return Info{
		ID:             id,
		State:          r.CounterState(id),
		TypeID:         r.CounterTypeID(id),
		RegistrationID: r.CounterRegistrationID(id),
		OwnerID:        r.CounterOwnerID(id),
		Value:          r.CounterValue(id),
		Key:            r.CounterKey(id),
		Label:          r.CounterLabel(id),
	}, true
}

// ForEach calls fn for every ALLOCATED counter until fn returns false.
func (r *Reader) ForEach(fn func(info Info) bool) {
	for id := range r.AllocatedIDs() {
		info, _ := r.Snapshot(id)
		if !fn(info) {
			return
		}
	}
}
