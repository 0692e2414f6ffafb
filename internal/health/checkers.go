package health

import (
	"context"
	"os"
	"sync"
	"time"
)

// SegmentState is what SegmentChecker needs from a mapped segment.
type SegmentState interface {
	Ready() bool
	OwnerPID() int
	Path() string
}

// SegmentChecker reports unhealthy until the segment is published and while
// it is owned by another process.
type SegmentChecker struct {
	segment SegmentState
	pid     int
}

func NewSegmentChecker(segment SegmentState) *SegmentChecker {
	return &SegmentChecker{segment: segment, pid: os.Getpid()}
}

func (sc *SegmentChecker) Name() string {
	return "segment"
}

func (sc *SegmentChecker) Check(context.Context) *ComponentHealth {
	h := &ComponentHealth{
		Name:        sc.Name(),
		Status:      StatusHealthy,
		Message:     "Segment published",
		LastChecked: time.Now(),
		Metadata: map[string]any{
			"path":      sc.segment.Path(),
			"owner_pid": sc.segment.OwnerPID(),
		},
	}
	switch {
	case !sc.segment.Ready():
		h.Status = StatusUnhealthy
		h.Message = "Segment not ready"
	case sc.segment.OwnerPID() != sc.pid:
		h.Status = StatusUnhealthy
		h.Message = "Segment owned by another process"
	}
	return h
}

// Allocator is what CapacityChecker needs from the counters manager.
type Allocator interface {
	FreeCount() int
	Capacity() int
}

// CapacityChecker degrades when the free fraction of slots drops below
// threshold and fails when none are left.
type CapacityChecker struct {
	allocator Allocator
	threshold float64
}

func NewCapacityChecker(allocator Allocator, threshold float64) *CapacityChecker {
	return &CapacityChecker{allocator: allocator, threshold: threshold}
}

func (cc *CapacityChecker) Name() string {
	return "capacity"
}

func (cc *CapacityChecker) Check(context.Context) *ComponentHealth {
	free, capacity := cc.allocator.FreeCount(), cc.allocator.Capacity()
	h := &ComponentHealth{
		Name:        cc.Name(),
		Status:      StatusHealthy,
		Message:     "Counter slots available",
		LastChecked: time.Now(),
		Metadata: map[string]any{
			"free":     free,
			"capacity": capacity,
		},
	}
	switch {
	case free == 0:
		h.Status = StatusUnhealthy
		h.Message = "No free counter slots"
	case capacity > 0 && float64(free)/float64(capacity) < cc.threshold:
		h.Status = StatusDegraded
		h.Message = "Counter slots running low"
	}
	return h
}

// ValueSource reads a counter value.
type ValueSource interface {
	GetAcquire() int64
}

// ErrorCounterChecker degrades when the watched counter grew since the
// previous check.
type ErrorCounterChecker struct {
	name    string
	counter ValueSource

	mu   sync.Mutex
	last int64
}

func NewErrorCounterChecker(name string, counter ValueSource) *ErrorCounterChecker {
	return &ErrorCounterChecker{name: name, counter: counter, last: counter.GetAcquire()}
}

func (ec *ErrorCounterChecker) Name() string {
	return ec.name
}

func (ec *ErrorCounterChecker) Check(context.Context) *ComponentHealth {
	ec.mu.Lock()
	current := ec.counter.GetAcquire()
	delta := current - ec.last
	ec.last = current
	ec.mu.Unlock()

	h := &ComponentHealth{
		Name:        ec.name,
		Status:      StatusHealthy,
		Message:     "No new errors",
		LastChecked: time.Now(),
		Metadata: map[string]any{
			"total": current,
			"new":   delta,
		},
	}
	if delta > 0 {
		h.Status = StatusDegraded
		h.Message = "Errors since last check"
	}
	return h
}
