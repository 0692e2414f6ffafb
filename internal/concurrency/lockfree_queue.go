package concurrency

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// LockFreeQueue is an unbounded multi-producer queue (Michael-Scott). Any
// number of goroutines may Enqueue; Dequeue is safe for concurrent use as well
// but the command channel only ever has one consumer per queue.
type LockFreeQueue[T any] struct {
	head  atomic.Pointer[node[T]]
	_     cpu.CacheLinePad
	tail  atomic.Pointer[node[T]]
	_     cpu.CacheLinePad
	size  atomic.Int64
	dummy node[T]
}

type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

func NewLockFreeQueue[T any]() *LockFreeQueue[T] {
	q := &LockFreeQueue[T]{}
	q.head.Store(&q.dummy)
	q.tail.Store(&q.dummy)
	return q
}

func (q *LockFreeQueue[T]) Enqueue(value T) {
	newNode := &node[T]{value: value}

	for {
		tail := q.tail.Load()
		next := tail.next.Load()

		if tail != q.tail.Load() {
			continue
		}

		if next != nil {
			// tail is lagging; help the other producer finish
			q.tail.CompareAndSwap(tail, next)
			continue
		}

		if tail.next.CompareAndSwap(nil, newNode) {
			q.tail.CompareAndSwap(tail, newNode)
			q.size.Add(1)
			return
		}
	}
}

func (q *LockFreeQueue[T]) Dequeue() (T, bool) {
	var zero T

	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()

		if head != q.head.Load() {
			continue
		}
		if next == nil {
			return zero, false
		}
		if head == tail {
			q.tail.CompareAndSwap(tail, next)
			continue
		}

		if q.head.CompareAndSwap(head, next) {
			value := next.value
			next.value = zero
			q.size.Add(-1)
			return value, true
		}
	}
}

func (q *LockFreeQueue[T]) IsEmpty() bool {
	return q.head.Load().next.Load() == nil
}

// Len is approximate while producers are active.
func (q *LockFreeQueue[T]) Len() int {
	return int(q.size.Load())
}
