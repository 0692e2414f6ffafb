package client

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/23skdu/shmcounters/internal/counters"
	"github.com/23skdu/shmcounters/internal/metrics"
)

// RegistrationState tracks a counter request from submission to a usable
// handle.
type RegistrationState int32

const (
	StateSubmitted RegistrationState = iota
	StateAcknowledged
	StateVisible
	StateFailed
)

func (s RegistrationState) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StateAcknowledged:
		return "acknowledged"
	case StateVisible:
		return "visible"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PendingCounter is the result of an asynchronous add. Poll it, or wait on
// Done, until it yields a counter or an error.
type PendingCounter struct {
	client        *Client
	correlationID int64
	static        bool
	awaited       bool
	submittedAt   time.Time

	state          atomic.Int32
	registrationID atomic.Int64
	counterID      atomic.Int32

	mu      sync.Mutex
	counter *Counter
	err     error
	done    chan struct{}
}

func newPendingCounter(c *Client, correlationID int64, static, awaited bool, now time.Time) *PendingCounter {
	p := &PendingCounter{
		client:        c,
		correlationID: correlationID,
		static:        static,
		awaited:       awaited,
		submittedAt:   now,
		done:          make(chan struct{}),
	}
	p.registrationID.Store(counters.NullValue)
	p.counterID.Store(counters.NullCounterID)
	return p
}

func (p *PendingCounter) CorrelationID() int64 {
	return p.correlationID
}

// RegistrationID is NullValue until the driver has acknowledged the request.
func (p *PendingCounter) RegistrationID() int64 {
	return p.registrationID.Load()
}

func (p *PendingCounter) State() RegistrationState {
	return RegistrationState(p.state.Load())
}

// Done is closed once the registration is visible or has failed.
func (p *PendingCounter) Done() <-chan struct{} {
	return p.done
}

// Err is the failure, if any.
func (p *PendingCounter) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Poll returns the counter once its record can be observed in the shared
// region, nil while it is still in flight, or the registration error.
func (p *PendingCounter) Poll() (*Counter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.State() {
	case StateFailed:
		return nil, p.err
	case StateVisible:
		return p.counter, nil
	case StateAcknowledged:
		if p.visible() {
			return p.counter, nil
		}
	}
	return nil, nil
}

// visible reports whether the acknowledged record is ALLOCATED under our
// registration id.
func (p *PendingCounter) visible() bool {
	if p.counter == nil {
		return false
	}
	reader := p.counter.Reader()
	id := p.counter.ID()
	return reader.CounterState(id) == counters.RecordAllocated &&
		reader.CounterRegistrationID(id) == p.counter.RegistrationID()
}

func (p *PendingCounter) kind() string {
	if p.static {
		return "static"
	}
	return "dynamic"
}

// acknowledge records the driver's answer. It reports false when the
// registration already failed.
func (p *PendingCounter) acknowledge(registrationID int64, counter *Counter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() != StateSubmitted {
		return false
	}
	p.counter = counter
	p.counterID.Store(counter.ID())
	p.registrationID.Store(registrationID)
	p.state.Store(int32(StateAcknowledged))
	return true
}

// publish moves an acknowledged registration to VISIBLE if its record is
// observable. The first terminal transition wins.
func (p *PendingCounter) publish() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() != StateAcknowledged || !p.visible() {
		return false
	}
	p.state.Store(int32(StateVisible))
	close(p.done)
	metrics.RegistrationDurationSeconds.WithLabelValues(p.kind(), "ok").
		Observe(time.Since(p.submittedAt).Seconds())
	return true
}

// fail moves a non-terminal registration to FAILED.
func (p *PendingCounter) fail(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.State() {
	case StateVisible, StateFailed:
		return false
	}
	p.err = err
	p.state.Store(int32(StateFailed))
	close(p.done)
	metrics.RegistrationDurationSeconds.WithLabelValues(p.kind(), "failed").
		Observe(time.Since(p.submittedAt).Seconds())
	return true
}

func (p *PendingCounter) result() (*Counter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() == StateFailed {
		return nil, p.err
	}
	return p.counter, nil
}
