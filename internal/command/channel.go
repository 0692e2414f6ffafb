package command

import (
	"sync"
	"sync/atomic"

	"github.com/23skdu/shmcounters/internal/concurrency"
	cerrors "github.com/23skdu/shmcounters/internal/errors"
)

// DefaultCommandCapacity bounds the number of frames waiting for the driver.
const DefaultCommandCapacity = 4096

// Channel is an in-process command transport. Clients submit encoded command
// frames onto one shared queue drained by the driver; the driver replies onto a
// queue per connected client. Correlation ids come from one sequence shared by
// every participant so they are unique across clients.
type Channel struct {
	commands *concurrency.LockFreeQueue[[]byte]
	capacity int

	mu        sync.RWMutex
	responses map[int64]*concurrency.LockFreeQueue[[]byte]

	correlationIDs atomic.Int64
}

// NewChannel creates a channel holding at most capacity pending commands.
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultCommandCapacity
	}
	return &Channel{
		commands:  concurrency.NewLockFreeQueue[[]byte](),
		capacity:  capacity,
		responses: make(map[int64]*concurrency.LockFreeQueue[[]byte]),
	}
}

// NextCorrelationID returns a positive id never returned before by this channel.
func (ch *Channel) NextCorrelationID() int64 {
	return ch.correlationIDs.Add(1)
}

// Connect registers a response queue for clientID.
func (ch *Channel) Connect(clientID int64) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if _, ok := ch.responses[clientID]; !ok {
		ch.responses[clientID] = concurrency.NewLockFreeQueue[[]byte]()
	}
}

// Disconnect drops the response queue of clientID. Later responses addressed
// to it are discarded.
func (ch *Channel) Disconnect(clientID int64) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	delete(ch.responses, clientID)
}

// Submit encodes cmd and queues it for the driver.
func (ch *Channel) Submit(cmd Command) error {
	if ch.commands.Len() >= ch.capacity {
		return cerrors.Newf(cerrors.CodeCapacityExhausted, "submit",
			"command queue full (%d frames)", ch.capacity)
	}
	ch.commands.Enqueue(EncodeCommand(cmd))
	return nil
}

// PollCommands hands up to limit decoded commands to handler. Frames that do
// not decode are passed with their error so the driver can account for them.
func (ch *Channel) PollCommands(limit int, handler func(Command, error)) int {
	n := 0
	for n < limit {
		frame, ok := ch.commands.Dequeue()
		if !ok {
			break
		}
		n++
		handler(DecodeCommand(frame))
	}
	return n
}

// Respond queues a response for clientID. It reports false when the client is
// not connected.
func (ch *Channel) Respond(clientID int64, r Response) bool {
	ch.mu.RLock()
	q, ok := ch.responses[clientID]
	ch.mu.RUnlock()

	if !ok {
		return false
	}
	q.Enqueue(EncodeResponse(r))
	return true
}

// PollResponses hands up to limit responses addressed to clientID to handler.
func (ch *Channel) PollResponses(clientID int64, limit int, handler func(Response)) int {
	ch.mu.RLock()
	q, ok := ch.responses[clientID]
	ch.mu.RUnlock()

	if !ok {
		return 0
	}

	n := 0
	for n < limit {
		frame, ok := q.Dequeue()
		if !ok {
			break
		}
		n++
		r, err := DecodeResponse(frame)
		if err != nil {
			continue
		}
		handler(r)
	}
	return n
}
