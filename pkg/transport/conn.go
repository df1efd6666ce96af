package transport

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-dev/tether/pkg/protocol"
)

// MaxFrameSize is the largest inbound frame a server accepts by default (16KB).
const MaxFrameSize = 16 * 1024

// MaxClientFrameSize is the largest inbound frame a client accepts by
// default: a full envelope around the largest payload the codec encodes.
const MaxClientFrameSize = protocol.DefaultMaxAllocation + protocol.EnvelopeHeaderSize + protocol.MaxVarintLen

// Kind identifies the transport variant behind a Conn.
type Kind uint8

const (
	KindWebSocket Kind = iota + 1 // Natively framed
	KindStream                    // Length-prefixed byte stream (TCP, QUIC)
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindWebSocket:
		return "websocket"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Transport errors.
var (
	ErrClosed         = errors.New("transport: connection closed")
	ErrFrameTooLarge  = errors.New("transport: frame exceeds size limit")
	ErrReceiveStarted = errors.New("transport: receive already started")
)

// Conn is a bidirectional, message-oriented connection.
//
// Send may be called from one goroutine at a time per connection; it is
// serialized internally regardless. Receive returns a lazy, finite sequence
// that can only be consumed once. Close is idempotent and makes any
// in-flight Send return promptly.
type Conn interface {
	ID() uint64
	Kind() Kind
	RemoteAddr() string

	// Send writes one frame. A failed send closes the connection.
	Send(ctx context.Context, frame []byte) error

	// Receive yields inbound frames until the peer goes away. A clean close
	// ends the sequence without an error.
	Receive() iter.Seq2[[]byte, error]

	Close() error
	Done() <-chan struct{}

	// LastActivity is the time of the last inbound frame or keep-alive.
	LastActivity() time.Time
	Touch()
}

// Acceptor takes ownership of a newly established connection.
// It must not block for long; listeners call it from their accept path.
type Acceptor func(Conn)

var connIDs atomic.Uint64

// state holds what every Conn variant shares.
type state struct {
	id         uint64
	kind       Kind
	remote     string
	lastActive atomic.Int64
	receiving  atomic.Bool
	done       chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

func (s *state) init(kind Kind, remote string) {
	s.id = connIDs.Add(1)
	s.kind = kind
	s.remote = remote
	s.done = make(chan struct{})
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *state) ID() uint64            { return s.id }
func (s *state) Kind() Kind            { return s.kind }
func (s *state) RemoteAddr() string    { return s.remote }
func (s *state) Done() <-chan struct{} { return s.done }

func (s *state) LastActivity() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *state) Touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *state) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// shutdown runs fn exactly once and returns its result on every call.
func (s *state) shutdown(fn func() error) error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = fn()
	})
	return s.closeErr
}

// writeDeadline picks the earlier of the context deadline and now+timeout.
func writeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}

// sendError maps a failed write to the error reported to the caller.
func (s *state) sendError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.closed() {
		return ErrClosed
	}
	return err
}

// IdleSweep closes every connection that has been silent for longer than
// timeout and returns how many it closed. Closing only ends the
// connection; the owner decides what happens to its session.
func IdleSweep(conns []Conn, timeout time.Duration, now time.Time) int {
	closed := 0
	for _, c := range conns {
		if c == nil {
			continue
		}
		if now.Sub(c.LastActivity()) > timeout {
			c.Close()
			closed++
		}
	}
	return closed
}
