package dispatch

import (
	"sync"

	"github.com/vango-dev/tether/pkg/protocol"
)

// DefaultOutboundLimit bounds each class when no limit is given.
const DefaultOutboundLimit = 256

// Priority is an outbound priority class. Lower values are sent first.
type Priority uint8

const (
	PriorityControl Priority = iota // Handshake, heartbeat, control
	PriorityAck                     // Acknowledgments
	PriorityDelta                   // Deltas and snapshots

	numPriorities = int(PriorityDelta) + 1
)

// String returns the class name.
func (p Priority) String() string {
	switch p {
	case PriorityControl:
		return "control"
	case PriorityAck:
		return "ack"
	case PriorityDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// PriorityOf returns the class a message is scheduled in.
func PriorityOf(m protocol.Message) Priority {
	switch m.Tag() {
	case protocol.TagAck:
		return PriorityAck
	case protocol.TagDelta, protocol.TagSnapshot:
		return PriorityDelta
	default:
		return PriorityControl
	}
}

// Item is one entry popped from an OutboundQueue. When Resync is set, Msg
// is nil and the consumer must send a fresh snapshot instead.
type Item struct {
	Msg      protocol.Message
	Priority Priority
	Resync   bool
}

// OutboundQueue holds messages waiting to be written to a session's
// connection. It outlives connections, so output produced while a session
// is detached is delivered after it resumes.
//
// Every class is bounded. Pushing into a full delta class discards every
// pending delta and leaves a single resync marker in their place; further
// deltas are absorbed by the marker until it is popped. Pushing into any
// other full class drops its oldest message. Requeue is not bounded.
type OutboundQueue struct {
	mu        sync.Mutex
	classes   [numPriorities][]protocol.Message
	limit     int
	resync    bool
	collapses uint64
	drops     uint64
	ready     chan struct{}
}

// NewOutboundQueue creates a queue whose classes hold at most limit
// messages each.
func NewOutboundQueue(limit int) *OutboundQueue {
	if limit <= 0 {
		limit = DefaultOutboundLimit
	}
	return &OutboundQueue{
		limit: limit,
		ready: make(chan struct{}, 1),
	}
}

// Push enqueues m in class p. It reports whether queued output was
// discarded to make room: deltas folded into a resync marker, or the
// oldest message of another full class.
func (q *OutboundQueue) Push(m protocol.Message, p Priority) bool {
	if int(p) >= numPriorities {
		p = PriorityControl
	}
	q.mu.Lock()
	collapsed := false
	switch {
	case p == PriorityDelta && q.resync:
		collapsed = true
	case p == PriorityDelta && len(q.classes[p]) >= q.limit:
		clear(q.classes[p])
		q.classes[p] = q.classes[p][:0]
		q.resync = true
		q.collapses++
		collapsed = true
	case p != PriorityDelta && len(q.classes[p]) >= q.limit:
		q.classes[p][0] = nil
		q.classes[p] = append(q.classes[p][1:], m)
		q.drops++
		collapsed = true
	default:
		q.classes[p] = append(q.classes[p], m)
	}
	q.mu.Unlock()
	q.signal()
	return collapsed
}

// Pop removes the next item: the oldest message of the highest non-empty
// class, with a pending resync marker taking the place of the delta class.
func (q *OutboundQueue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := 0; p < numPriorities; p++ {
		if Priority(p) == PriorityDelta && q.resync {
			q.resync = false
			return Item{Priority: PriorityDelta, Resync: true}, true
		}
		if len(q.classes[p]) == 0 {
			continue
		}
		m := q.classes[p][0]
		q.classes[p][0] = nil
		q.classes[p] = q.classes[p][1:]
		return Item{Msg: m, Priority: Priority(p)}, true
	}
	return Item{}, false
}

// Requeue puts an item that could not be sent back at the front of its
// class.
func (q *OutboundQueue) Requeue(it Item) {
	q.mu.Lock()
	if it.Resync {
		q.resync = true
	} else if it.Msg != nil && int(it.Priority) < numPriorities {
		c := q.classes[it.Priority]
		q.classes[it.Priority] = append([]protocol.Message{it.Msg}, c...)
	}
	q.mu.Unlock()
	q.signal()
}

// MarkResync discards pending deltas and sets the resync marker.
func (q *OutboundQueue) MarkResync() {
	q.mu.Lock()
	clear(q.classes[PriorityDelta])
	q.classes[PriorityDelta] = q.classes[PriorityDelta][:0]
	q.resync = true
	q.mu.Unlock()
	q.signal()
}

// Len returns the number of queued items, counting a resync marker as one.
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, c := range q.classes {
		n += len(c)
	}
	if q.resync {
		n++
	}
	return n
}

// Resyncing reports whether a resync marker is pending.
func (q *OutboundQueue) Resyncing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.resync
}

// Collapses returns how many times the delta class overflowed.
func (q *OutboundQueue) Collapses() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.collapses
}

// Dropped returns how many messages were dropped from full non-delta
// classes.
func (q *OutboundQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drops
}

// Ready is signalled after every push.
func (q *OutboundQueue) Ready() <-chan struct{} { return q.ready }

func (q *OutboundQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
