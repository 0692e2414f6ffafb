package counters

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testTypeID = int32(102)
	testLabel  = "counter label"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, maxCounters int, clock *fakeClock) *Manager {
	t.Helper()
	m, err := NewManager(
		make([]byte, ValuesLength(maxCounters)),
		make([]byte, MetadataLength(maxCounters)),
		WithClock(clock.Now),
		WithFreeToReuseTimeout(time.Second),
	)
	require.NoError(t, err)
	return m
}

func testKey() []byte {
	key := make([]byte, 8+3)
	binary.LittleEndian.PutUint64(key, uint64(9387628937456))
	return key
}

// stampRegistrationID patches a record the way an external diagnostic tool would.
func stampRegistrationID(r *Reader, id int32, registrationID int64) {
	binary.LittleEndian.PutUint64(r.MetadataBuffer()[MetadataOffset(id)+RegistrationIDOffset:], uint64(registrationID))
}
