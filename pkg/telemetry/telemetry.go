// Package telemetry carries operational events out of the sync core.
//
// The core reports what happens (sessions opening, bytes moving, resyncs,
// dropped messages) as Events to a Sink and never depends on what the sink
// does with them. Sinks must not block and must tolerate concurrent calls.
package telemetry

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Kind identifies an event type.
type Kind uint8

const (
	SessionOpened   Kind = iota + 1 // A new session was created
	SessionClosed                   // A session was destroyed
	SessionResumed                  // A detached session was reattached
	SessionDetached                 // A session lost its connection
	BytesSent                       // Value bytes were written
	BytesReceived                   // Value bytes were read
	ResyncTriggered                 // A full snapshot was sent
	InboundDropped                  // Value inbound messages were dropped
	DecodeError                     // An inbound message failed to decode
	RateLimited                     // A connection or message was rejected by a limiter
	OutboundDropped                 // Value queued outbound messages were dropped

	numKinds = int(OutboundDropped) + 1
)

var kindNames = [numKinds]string{
	SessionOpened:   "session_opened",
	SessionClosed:   "session_closed",
	SessionResumed:  "session_resumed",
	SessionDetached: "session_detached",
	BytesSent:       "bytes_sent",
	BytesReceived:   "bytes_received",
	ResyncTriggered: "resync_triggered",
	InboundDropped:  "inbound_dropped",
	DecodeError:     "decode_error",
	RateLimited:     "rate_limited",
	OutboundDropped: "outbound_dropped",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if int(k) < numKinds && kindNames[k] != "" {
		return kindNames[k]
	}
	return "unknown"
}

// Event is one telemetry observation.
type Event struct {
	Kind      Kind
	SessionID string
	Transport string // "websocket" or "stream", when known
	Value     int64  // Count or byte total; 1 for plain occurrences
	Time      time.Time
}

// NewEvent creates an event stamped with the current time.
func NewEvent(kind Kind, sessionID string, value int64) Event {
	return Event{Kind: kind, SessionID: sessionID, Value: value, Time: time.Now()}
}

// Sink receives events.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

// Emit implements Sink.
func (f SinkFunc) Emit(e Event) { f(e) }

// Nop discards every event.
type Nop struct{}

// Emit implements Sink.
func (Nop) Emit(Event) {}

// Multi fans events out to several sinks in order.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Combine returns a sink emitting to every non-nil sink given.
func Combine(sinks ...Sink) Sink {
	var out Multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return Nop{}
	case 1:
		return out[0]
	default:
		return out
	}
}

// Counters sums event values per kind in memory.
type Counters struct {
	totals [numKinds]atomic.Int64
}

// Emit implements Sink.
func (c *Counters) Emit(e Event) {
	if int(e.Kind) < numKinds {
		c.totals[e.Kind].Add(e.Value)
	}
}

// Get returns the running total for kind.
func (c *Counters) Get(kind Kind) int64 {
	if int(kind) >= numKinds {
		return 0
	}
	return c.totals[kind].Load()
}

// Snapshot returns all non-zero totals keyed by kind name.
func (c *Counters) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	for k := 1; k < numKinds; k++ {
		if v := c.totals[k].Load(); v != 0 {
			out[Kind(k).String()] = v
		}
	}
	return out
}

// Log writes events to a structured logger at debug level.
type Log struct {
	Logger *slog.Logger
}

// Emit implements Sink.
func (l Log) Emit(e Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("telemetry",
		"kind", e.Kind.String(),
		"session_id", e.SessionID,
		"transport", e.Transport,
		"value", e.Value)
}
