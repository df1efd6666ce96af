package dispatch

import (
	"sync"

	"github.com/vango-dev/tether/pkg/protocol"
)

// DefaultInboundLimit is the inbound backlog bound used when none is given.
const DefaultInboundLimit = 100

// InboundQueue is a bounded FIFO of messages waiting for the owning
// session. When full, pushing drops the oldest message.
type InboundQueue struct {
	mu      sync.Mutex
	buf     []protocol.Message
	head    int
	n       int
	dropped uint64
	ready   chan struct{}
}

// NewInboundQueue creates a queue holding at most limit messages.
func NewInboundQueue(limit int) *InboundQueue {
	if limit <= 0 {
		limit = DefaultInboundLimit
	}
	return &InboundQueue{
		buf:   make([]protocol.Message, limit),
		ready: make(chan struct{}, 1),
	}
}

// Push appends m and returns how many messages were dropped to make room
// (0 or 1). It never blocks.
func (q *InboundQueue) Push(m protocol.Message) int {
	q.mu.Lock()
	dropped := 0
	if q.n == len(q.buf) {
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		q.dropped++
		dropped = 1
	}
	q.buf[(q.head+q.n)%len(q.buf)] = m
	q.n++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Pop removes and returns the oldest message.
func (q *InboundQueue) Pop() (protocol.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return nil, false
	}
	m := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return m, true
}

// Drain appends every queued message to dst in arrival order and empties
// the queue.
func (q *InboundQueue) Drain(dst []protocol.Message) []protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	for ; q.n > 0; q.n-- {
		dst = append(dst, q.buf[q.head])
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
	}
	return dst
}

// Len returns the number of queued messages.
func (q *InboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Cap returns the queue bound.
func (q *InboundQueue) Cap() int { return len(q.buf) }

// Dropped returns the total number of messages dropped on overflow.
func (q *InboundQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Ready is signalled after a push. A single signal may cover several
// messages; consumers drain until Pop reports empty.
func (q *InboundQueue) Ready() <-chan struct{} { return q.ready }
