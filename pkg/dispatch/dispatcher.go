package dispatch

import (
	"errors"
	"sync"

	"github.com/vango-dev/tether/pkg/protocol"
	"github.com/vango-dev/tether/pkg/telemetry"
)

// ErrNoRoute is returned when a connection or session has no registered
// owner.
var ErrNoRoute = errors.New("dispatch: no route")

// Route is the destination a session exposes to the Dispatcher.
type Route interface {
	ID() string
	Inbound() *InboundQueue
	Outbound() *OutboundQueue
}

// Dispatcher routes inbound messages from connections to sessions and
// schedules outbound messages onto sessions' queues. It is safe for
// concurrent use and never blocks on a session.
type Dispatcher struct {
	mu     sync.RWMutex
	routes map[string]Route
	conns  map[uint64]Route
	sink   telemetry.Sink
}

// New creates a Dispatcher reporting drops to sink.
func New(sink telemetry.Sink) *Dispatcher {
	if sink == nil {
		sink = telemetry.Nop{}
	}
	return &Dispatcher{
		routes: make(map[string]Route),
		conns:  make(map[uint64]Route),
		sink:   sink,
	}
}

// Register makes r reachable by its ID, replacing any previous route with
// the same ID.
func (d *Dispatcher) Register(r Route) {
	d.mu.Lock()
	d.routes[r.ID()] = r
	d.mu.Unlock()
}

// Unregister removes a session and every connection bound to it.
func (d *Dispatcher) Unregister(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.routes, sessionID)
	for id, r := range d.conns {
		if r.ID() == sessionID {
			delete(d.conns, id)
		}
	}
}

// Bind routes inbound traffic of connID to sessionID.
func (d *Dispatcher) Bind(connID uint64, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.routes[sessionID]
	if !ok {
		return ErrNoRoute
	}
	d.conns[connID] = r
	return nil
}

// Unbind stops routing connID.
func (d *Dispatcher) Unbind(connID uint64) {
	d.mu.Lock()
	delete(d.conns, connID)
	d.mu.Unlock()
}

// Lookup returns the route owning connID.
func (d *Dispatcher) Lookup(connID uint64) (Route, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.conns[connID]
	return r, ok
}

// Session returns the route registered for sessionID.
func (d *Dispatcher) Session(sessionID string) (Route, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.routes[sessionID]
	return r, ok
}

// Len returns the number of registered sessions.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.routes)
}

// RouteInbound delivers m to the session owning connID. A full backlog
// drops its oldest message and reports the drop.
func (d *Dispatcher) RouteInbound(connID uint64, m protocol.Message) error {
	r, ok := d.Lookup(connID)
	if !ok {
		return ErrNoRoute
	}
	if n := r.Inbound().Push(m); n > 0 {
		d.sink.Emit(telemetry.NewEvent(telemetry.InboundDropped, r.ID(), int64(n)))
	}
	return nil
}

// ScheduleOutbound queues m for sessionID in class p. Dropping from a
// full non-delta class is reported.
func (d *Dispatcher) ScheduleOutbound(sessionID string, m protocol.Message, p Priority) error {
	r, ok := d.Session(sessionID)
	if !ok {
		return ErrNoRoute
	}
	if r.Outbound().Push(m, p) && p != PriorityDelta {
		d.sink.Emit(telemetry.NewEvent(telemetry.OutboundDropped, r.ID(), 1))
	}
	return nil
}
