package driver

import (
	"encoding/binary"

	"github.com/23skdu/shmcounters/internal/counters"
)

// SystemCounterTypeID marks counters maintained by the driver itself.
const SystemCounterTypeID int32 = 0

// SystemCounterID names one of the driver's own counters. It is stored as the
// counter key so tools can tell them apart.
type SystemCounterID int32

const (
	SystemErrors SystemCounterID = iota
	SystemClientTimeouts
	SystemCommandsProcessed
	SystemCommandsThrottled

	systemCounterCount
)

var systemCounterLabels = [systemCounterCount]string{
	SystemErrors:            "Errors",
	SystemClientTimeouts:    "Client timeouts",
	SystemCommandsProcessed: "Commands processed",
	SystemCommandsThrottled: "Commands throttled",
}

func (id SystemCounterID) String() string {
	if id < 0 || id >= systemCounterCount {
		return "unknown"
	}
	return systemCounterLabels[id]
}

// SystemCounters holds the driver's counters. They live in the shared region
// like any other counter, with no registration id and no owner.
type SystemCounters struct {
	counters [systemCounterCount]*counters.Counter
	closed   bool
}

func newSystemCounters(manager *counters.Manager) (*SystemCounters, error) {
	s := &SystemCounters{}
	for id := SystemCounterID(0); id < systemCounterCount; id++ {
		key := make([]byte, 4)
		binary.LittleEndian.PutUint32(key, uint32(id))

		counterID, err := manager.AddCounter(SystemCounterTypeID, key, id.String(), counters.NullValue, counters.NullValue)
		if err != nil {
			s.close(manager)
			return nil, err
		}
		c, err := counters.NewCounter(manager.Reader, counters.NullValue, counterID)
		if err != nil {
			return nil, err
		}
		s.counters[id] = c
	}
	return s, nil
}

// Get returns the handle for id.
func (s *SystemCounters) Get(id SystemCounterID) *counters.Counter {
	return s.counters[id]
}

// increment is only called from the conductor duty cycle.
func (s *SystemCounters) increment(id SystemCounterID) {
	if s.closed {
		return
	}
	if c := s.counters[id]; c != nil {
		c.IncrementOrdered()
	}
}

func (s *SystemCounters) close(manager *counters.Manager) {
	if s.closed {
		return
	}
	s.closed = true
	for _, c := range s.counters {
		if c == nil {
			continue
		}
		_ = manager.RemoveCounter(c.ID())
		_ = c.Close()
	}
}
