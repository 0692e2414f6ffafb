package counters

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	cerrors "github.com/23skdu/shmcounters/internal/errors"
	"github.com/23skdu/shmcounters/internal/metrics"
)

// DefaultFreeToReuseTimeout is the linger applied to reclaimed records.
const DefaultFreeToReuseTimeout = time.Second

// StaticOutcome tells how AddStaticCounter resolved.
type StaticOutcome int

const (
	// StaticCreated means a fresh record was allocated.
	StaticCreated StaticOutcome = iota
	// StaticFound means an identical static counter already existed.
	StaticFound
)

func (o StaticOutcome) String() string {
	if o == StaticFound {
		return "found"
	}
	return "created"
}

// StaticResult is the successful result of AddStaticCounter.
type StaticResult struct {
	CounterID int32
	Outcome   StaticOutcome
}

// Manager is the single allocation authority for a region pair. It is the only
// writer of metadata. Every mutation is linearized by an internal mutex; value
// cells are never touched except to zero them on allocation and reclamation.
type Manager struct {
	*Reader

	mu                 sync.Mutex
	free               *roaring.Bitmap
	reclaimed          []int32
	byRegistrationID   map[int64]int32
	staticIdentity     map[int32]uint64   // static counter id -> identity digest
	staticByIdentity   map[uint64][]int32 // identity digest -> static counter ids
	freeToReuseTimeout time.Duration
	clock              func() time.Time
	logger             zerolog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithFreeToReuseTimeout sets the linger between reclamation and reuse.
func WithFreeToReuseTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.freeToReuseTimeout = d
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.clock = clock
	}
}

func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager takes ownership of the regions and resets every record to UNUSED.
func NewManager(values, metadata []byte, opts ...ManagerOption) (*Manager, error) {
	reader, err := NewReader(values, metadata)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		Reader:             reader,
		free:               roaring.New(),
		byRegistrationID:   make(map[int64]int32),
		staticIdentity:     make(map[int32]uint64),
		staticByIdentity:   make(map[uint64][]int32),
		freeToReuseTimeout: DefaultFreeToReuseTimeout,
		clock:              time.Now,
		logger:             zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	clear(reader.values)
	clear(reader.metadata)
	for id := int32(0); int(id) < reader.maxCounters; id++ {
		m.resetRecord(id)
	}
	m.free.AddRange(0, uint64(reader.maxCounters))
	metrics.CountersActive.Set(0)

	return m, nil
}

func (m *Manager) nowMs() int64 {
	return m.clock().UnixMilli()
}

// ValidateMetadata checks key and label against the record bounds.
func ValidateMetadata(op string, key []byte, label string) error {
	if len(key) > MaxKeyLength {
		return cerrors.Newf(cerrors.CodeInvalidKeyLength, op,
			"key length %d exceeds maximum %d", len(key), MaxKeyLength)
	}
	if len(label) > MaxLabelLength {
		return cerrors.Newf(cerrors.CodeInvalidLabelLength, op,
			"label length %d exceeds maximum %d", len(label), MaxLabelLength)
	}
	return nil
}

// AddCounter allocates the lowest UNUSED slot and stamps it with the given
// identity. ownerID identifies the creating client; registrationID is the id
// the command protocol correlated the request with.
func (m *Manager) AddCounter(typeID int32, key []byte, label string, registrationID, ownerID int64) (int32, error) {
	if err := ValidateMetadata("add_counter", key, label); err != nil {
		metrics.CounterAllocationFailuresTotal.WithLabelValues(cerrors.CodeOf(err).String()).Inc()
		return NullCounterID, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.allocate("add_counter", typeID, key, label, registrationID, ownerID)
	if err != nil {
		return NullCounterID, err
	}
	metrics.CounterAllocationsTotal.WithLabelValues("dynamic").Inc()
	return id, nil
}

// AddStaticCounter resolves a caller-supplied registration id to a counter.
// An ALLOCATED static record with the same registration id, type id and key is
// returned unchanged. A record under that registration id that was created
// through AddCounter, or that carries another type id or key, is a conflict.
// Otherwise a fresh record is allocated with no owner.
func (m *Manager) AddStaticCounter(typeID int32, key []byte, label string, registrationID int64) (StaticResult, error) {
	const op = "add_static_counter"
	if err := ValidateMetadata(op, key, label); err != nil {
		metrics.CounterAllocationFailuresTotal.WithLabelValues(cerrors.CodeOf(err).String()).Inc()
		return StaticResult{CounterID: NullCounterID}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.Reader.FindByRegistrationID(registrationID); existing != NullCounterID {
		if _, static := m.staticIdentity[existing]; !static {
			metrics.CounterAllocationFailuresTotal.WithLabelValues(cerrors.CodeStaticCounterConflict.String()).Inc()
			return StaticResult{CounterID: NullCounterID}, cerrors.Newf(cerrors.CodeStaticCounterConflict, op,
				"cannot add static counter, because a non-static counter exists (counterId=%d) for typeId=%d and registrationId=%d",
				existing, typeID, registrationID).
				WithContext("counter_id", existing)
		}
		if m.CounterTypeID(existing) != typeID || !bytes.Equal(m.CounterKey(existing), key) {
			metrics.CounterAllocationFailuresTotal.WithLabelValues(cerrors.CodeStaticCounterConflict.String()).Inc()
			return StaticResult{CounterID: NullCounterID}, cerrors.Newf(cerrors.CodeStaticCounterConflict, op,
				"cannot add static counter, because a static counter with another type or key exists (counterId=%d) for registrationId=%d",
				existing, registrationID).
				WithContext("counter_id", existing)
		}
		return StaticResult{CounterID: existing, Outcome: StaticFound}, nil
	}

	id, err := m.allocate(op, typeID, key, label, registrationID, NullValue)
	if err != nil {
		return StaticResult{CounterID: NullCounterID}, err
	}
	digest := identityDigest(typeID, key)
	m.staticIdentity[id] = digest
	m.staticByIdentity[digest] = append(m.staticByIdentity[digest], id)
	metrics.CounterAllocationsTotal.WithLabelValues("static").Inc()

	return StaticResult{CounterID: id, Outcome: StaticCreated}, nil
}

func (m *Manager) allocate(op string, typeID int32, key []byte, label string, registrationID, ownerID int64) (int32, error) {
	m.reclaimExpired(m.nowMs())

	if m.free.IsEmpty() {
		metrics.CounterAllocationFailuresTotal.WithLabelValues(cerrors.CodeCapacityExhausted.String()).Inc()
		return NullCounterID, cerrors.Newf(cerrors.CodeCapacityExhausted, op,
			"no free counter slot, capacity=%d reclaimed=%d", m.maxCounters, len(m.reclaimed))
	}
	id := int32(m.free.Minimum())
	m.free.Remove(uint32(id))

	base := MetadataOffset(id)
	storeInt32(m.metadata, base+TypeIDOffset, typeID)
	storeInt64(m.metadata, base+FreeForReuseDeadlineOffset, 0)
	storeInt64(m.metadata, base+RegistrationIDOffset, registrationID)
	storeInt64(m.metadata, base+OwnerIDOffset, ownerID)
	clear(m.metadata[base+KeyOffset : base+KeyOffset+MaxKeyLength])
	copy(m.metadata[base+KeyOffset:], key)
	storeInt32(m.metadata, base+KeyLengthOffset, int32(len(key)))
	clear(m.metadata[base+LabelOffset : base+LabelOffset+MaxLabelLength])
	copy(m.metadata[base+LabelOffset:], label)
	storeInt32(m.metadata, base+LabelLengthOffset, int32(len(label)))
	storeInt64(m.values, CounterOffset(id)+ValueOffset, 0)

	storeInt32(m.metadata, base+StateOffset, int32(RecordAllocated))

	if registrationID != NullValue {
		m.byRegistrationID[registrationID] = id
	}
	metrics.CountersActive.Inc()
	m.logger.Debug().
		Int32("counter_id", id).
		Int32("type_id", typeID).
		Int64("registration_id", registrationID).
		Int64("owner_id", ownerID).
		Str("label", label).
		Msg("counter allocated")

	return id, nil
}

// RemoveCounter moves an ALLOCATED record to RECLAIMED. The slot becomes
// reusable once the free-to-reuse timeout has elapsed.
func (m *Manager) RemoveCounter(id int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CounterState(id) != RecordAllocated {
		return cerrors.Newf(cerrors.CodeNotAllocated, "remove_counter",
			"counter %d is %s", id, m.CounterState(id)).
			WithContext("counter_id", id)
	}

	base := MetadataOffset(id)
	storeInt64(m.metadata, base+FreeForReuseDeadlineOffset, m.nowMs()+m.freeToReuseTimeout.Milliseconds())
	storeInt32(m.metadata, base+StateOffset, int32(RecordReclaimed))

	registrationID := m.CounterRegistrationID(id)
	if current, ok := m.byRegistrationID[registrationID]; ok && current == id {
		delete(m.byRegistrationID, registrationID)
	}
	if digest, static := m.staticIdentity[id]; static {
		delete(m.staticIdentity, id)
		m.dropStaticIdentity(digest, id)
	}
	m.reclaimed = append(m.reclaimed, id)

	metrics.CounterFreesTotal.Inc()
	metrics.CountersActive.Dec()
	m.logger.Debug().
		Int32("counter_id", id).
		Int64("registration_id", registrationID).
		Msg("counter reclaimed")

	return nil
}

// Reclaim returns every RECLAIMED record whose linger has elapsed to the free
// pool and reports how many were returned.
func (m *Manager) Reclaim() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.reclaimExpired(m.nowMs())
}

// reclaimed is ordered by deadline because the timeout is fixed.
func (m *Manager) reclaimExpired(nowMs int64) int {
	n := 0
	for n < len(m.reclaimed) {
		id := m.reclaimed[n]
		if m.FreeForReuseDeadline(id) > nowMs {
			break
		}
		m.resetRecord(id)
		m.free.Add(uint32(id))
		n++
	}
	if n > 0 {
		m.reclaimed = append(m.reclaimed[:0], m.reclaimed[n:]...)
		metrics.CounterReclaimsTotal.Add(float64(n))
	}
	return n
}

func (m *Manager) resetRecord(id int32) {
	base := MetadataOffset(id)
	storeInt32(m.metadata, base+StateOffset, int32(RecordUnused))
	storeInt32(m.metadata, base+TypeIDOffset, 0)
	storeInt64(m.metadata, base+FreeForReuseDeadlineOffset, 0)
	storeInt64(m.metadata, base+RegistrationIDOffset, NullValue)
	storeInt64(m.metadata, base+OwnerIDOffset, NullValue)
	storeInt32(m.metadata, base+KeyLengthOffset, 0)
	storeInt32(m.metadata, base+LabelLengthOffset, 0)
	storeInt64(m.values, CounterOffset(id)+ValueOffset, 0)
}

// Lookup resolves a registration id through the manager's index. Unlike
// FindByRegistrationID it does not scan the region and so does not see ids
// patched into metadata from outside.
func (m *Manager) Lookup(registrationID int64) (int32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byRegistrationID[registrationID]
	if !ok || m.CounterState(id) != RecordAllocated {
		return NullCounterID, false
	}
	return id, true
}

// FreeCount is the number of UNUSED slots available right now.
func (m *Manager) FreeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return int(m.free.GetCardinality())
}

// FindStaticCounter resolves a static counter by its (typeID, key) identity and
// returns the lowest matching counter id, or NullCounterID.
func (m *Manager) FindStaticCounter(typeID int32, key []byte) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := NullCounterID
	for _, id := range m.staticByIdentity[identityDigest(typeID, key)] {
		if m.CounterState(id) != RecordAllocated || m.CounterTypeID(id) != typeID || !bytes.Equal(m.CounterKey(id), key) {
			continue
		}
		if found == NullCounterID || id < found {
			found = id
		}
	}
	return found
}

// IsStatic reports whether id is an ALLOCATED counter created by AddStaticCounter.
func (m *Manager) IsStatic(id int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, static := m.staticIdentity[id]
	return static
}

func (m *Manager) dropStaticIdentity(digest uint64, id int32) {
	ids := m.staticByIdentity[digest]
	for i, candidate := range ids {
		if candidate == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(m.staticByIdentity, digest)
		return
	}
	m.staticByIdentity[digest] = ids
}

func identityDigest(typeID int32, key []byte) uint64 {
	d := xxhash.New()
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(typeID))
	_, _ = d.Write(prefix[:])
	_, _ = d.Write(key)
	return d.Sum64()
}
