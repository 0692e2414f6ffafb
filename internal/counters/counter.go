package counters

import (
	"fmt"
	"sync/atomic"
)

// Counter is an accessor for one value cell. It shares, and never owns, the
// reader it was built from. After the record is reclaimed the handle still
// addresses valid memory but is stale; callers must stop using it once an
// unavailable notification for its counter id has been seen.
//
// Operations come in three tiers:
//   - weak: untorn loads and stores for a single writer, with no read-modify-write
//     atomicity (GetWeak, SetWeak, IncrementWeak)
//   - ordered: single-writer updates published with a release store
//     (SetOrdered, IncrementOrdered, GetAndAddOrdered), read with GetAcquire
//   - full: sequentially consistent atomics safe for any number of writers
//     (Get, Set, Increment, GetAndAdd, GetAndSet, CompareAndSet)
//
// Go's memory model has no relaxed access, so every tier loads and stores the
// cell atomically. Cells live in memory shared with other processes, and a
// plain access there is a data race. The weak and ordered tiers differ from
// the full tier only in how updates are composed: they read and then write,
// so two writers using them lose increments.
type Counter struct {
	reader         *Reader
	registrationID int64
	id             int32
	addr           *int64
	closed         atomic.Bool
}

// NewCounter builds a handle over an existing counter id. It does not check
// the record state, so it can be used to inspect a counter created elsewhere.
func NewCounter(reader *Reader, registrationID int64, id int32) (*Counter, error) {
	if !reader.valid(id) {
		return nil, fmt.Errorf("counter id %d out of range [0, %d]", id, reader.MaxCounterID())
	}
	return &Counter{
		reader:         reader,
		registrationID: registrationID,
		id:             id,
		addr:           int64At(reader.values, CounterOffset(id)+ValueOffset),
	}, nil
}

func (c *Counter) ID() int32 {
	return c.id
}

func (c *Counter) RegistrationID() int64 {
	return c.registrationID
}

func (c *Counter) Reader() *Reader {
	return c.reader
}

// State reads the record state of the underlying slot.
func (c *Counter) State() State {
	return c.reader.CounterState(c.id)
}

func (c *Counter) Label() string {
	return c.reader.CounterLabel(c.id)
}

// Close marks the handle closed. It does not touch shared state.
func (c *Counter) Close() error {
	c.closed.Store(true)
	return nil
}

// IsClosed reports whether Close has been called on this handle or the record
// no longer belongs to its registration id.
func (c *Counter) IsClosed() bool {
	if c.closed.Load() {
		return true
	}
	return c.State() != RecordAllocated || c.reader.CounterRegistrationID(c.id) != c.registrationID
}

func (c *Counter) GetWeak() int64 {
	return atomic.LoadInt64(c.addr)
}

func (c *Counter) SetWeak(v int64) {
	atomic.StoreInt64(c.addr, v)
}

// IncrementWeak is a load followed by a store, not an atomic add. Only one
// writer may use it.
func (c *Counter) IncrementWeak() int64 {
	v := atomic.LoadInt64(c.addr)
	atomic.StoreInt64(c.addr, v+1)
	return v
}

// GetAcquire pairs with the ordered stores.
func (c *Counter) GetAcquire() int64 {
	return atomic.LoadInt64(c.addr)
}

// SetOrdered publishes v with release semantics.
func (c *Counter) SetOrdered(v int64) {
	atomic.StoreInt64(c.addr, v)
}

// IncrementOrdered adds one for a single writer and publishes the result with
// a release store. It returns the previous value.
func (c *Counter) IncrementOrdered() int64 {
	return c.GetAndAddOrdered(1)
}

// GetAndAddOrdered adds delta for a single writer and publishes the result
// with a release store. It returns the previous value. Concurrent writers must
// use GetAndAdd instead.
func (c *Counter) GetAndAddOrdered(delta int64) int64 {
	v := atomic.LoadInt64(c.addr)
	atomic.StoreInt64(c.addr, v+delta)
	return v
}

// Get is a sequentially consistent load.
func (c *Counter) Get() int64 {
	return atomic.LoadInt64(c.addr)
}

// Set is a sequentially consistent store.
func (c *Counter) Set(v int64) {
	atomic.StoreInt64(c.addr, v)
}

// Increment atomically adds one and returns the previous value.
func (c *Counter) Increment() int64 {
	return atomic.AddInt64(c.addr, 1) - 1
}

// GetAndAdd atomically adds delta and returns the previous value.
func (c *Counter) GetAndAdd(delta int64) int64 {
	return atomic.AddInt64(c.addr, delta) - delta
}

// GetAndSet atomically swaps in v and returns the previous value.
func (c *Counter) GetAndSet(v int64) int64 {
	return atomic.SwapInt64(c.addr, v)
}

// CompareAndSet installs updated only if the current value is expected.
func (c *Counter) CompareAndSet(expected, updated int64) bool {
	return atomic.CompareAndSwapInt64(c.addr, expected, updated)
}

func (c *Counter) String() string {
	return fmt.Sprintf("Counter{id=%d registrationId=%d value=%d label=%q}",
		c.id, c.registrationID, c.Get(), c.Label())
}
