package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-dev/tether/pkg/dispatch"
	"github.com/vango-dev/tether/pkg/protocol"
	"github.com/vango-dev/tether/pkg/statesync"
	"github.com/vango-dev/tether/pkg/telemetry"
	"github.com/vango-dev/tether/pkg/transport"
)

// Handler receives application messages from clients. It runs on the
// session's goroutine and must not block.
type Handler interface {
	HandleMessage(s *Session, m protocol.Message)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(s *Session, m protocol.Message)

// HandleMessage implements Handler.
func (f HandlerFunc) HandleMessage(s *Session, m protocol.Message) { f(s, m) }

// Session is one client's reconnect-resilient identity.
//
// Everything mutable about a session (its synchronizer, its connection
// handle, its queues' consumers) is owned by a single goroutine. Other
// goroutines reach it only through do and call, which run closures on that
// goroutine in order.
type Session struct {
	id        string
	createdAt time.Time
	ip        string // Guarded by the registry lock

	lastSeen   atomic.Int64 // Unix nanos of the last inbound message
	detachedAt atomic.Int64 // Unix nanos; 0 while attached

	srv    *Server
	config *SessionConfig
	logger *slog.Logger

	inbound  *dispatch.InboundQueue
	outbound *dispatch.OutboundQueue
	mailbox  chan func()
	done     chan struct{}
	once     sync.Once

	// Owned by the session goroutine.
	syncer *statesync.Synchronizer
	conn   transport.Conn
	writer context.CancelFunc
}

// generateSessionID generates a cryptographically random session ID.
func generateSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// SECURITY: Fatal on entropy failure - weak IDs are dangerous
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// validToken reports whether token has the shape of a session ID.
func validToken(token string) bool {
	if len(token) != 32 {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}

func newSession(srv *Server, ip string, now time.Time) *Session {
	id := generateSessionID()
	config := srv.config.SessionConfig
	s := &Session{
		id:        id,
		createdAt: now,
		ip:        ip,
		srv:       srv,
		config:    config,
		logger:    srv.logger.With("session_id", id),
		inbound:   dispatch.NewInboundQueue(config.InboundLimit),
		outbound:  dispatch.NewOutboundQueue(config.OutboundLimit),
		mailbox:   make(chan func(), config.MailboxSize),
		done:      make(chan struct{}),
		syncer: statesync.NewSynchronizer(srv.world, statesync.SyncOptions{
			RetransmitAfter: config.RetransmitAfter,
		}),
	}
	s.lastSeen.Store(now.UnixNano())
	s.detachedAt.Store(now.UnixNano())
	go s.run()
	return s
}

// ID returns the session ID, which is also its resumption token.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastSeen returns when the session last received a message.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// Inbound implements dispatch.Route.
func (s *Session) Inbound() *dispatch.InboundQueue { return s.inbound }

// Outbound implements dispatch.Route.
func (s *Session) Outbound() *dispatch.OutboundQueue { return s.outbound }

// Detached reports whether the session has no connection.
func (s *Session) Detached() bool { return s.detachedAt.Load() != 0 }

// DetachedAt returns when the session lost its connection, or the zero
// time while attached.
func (s *Session) DetachedAt() time.Time {
	if n := s.detachedAt.Load(); n != 0 {
		return time.Unix(0, n)
	}
	return time.Time{}
}

// Done is closed when the session is destroyed.
func (s *Session) Done() <-chan struct{} { return s.done }

// IsClosed reports whether the session has been destroyed.
func (s *Session) IsClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Logger returns the session's logger.
func (s *Session) Logger() *slog.Logger { return s.logger }

// do queues fn on the session goroutine without blocking. It reports
// false when the mailbox is full or the session is closed.
func (s *Session) do(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.mailbox <- fn:
		return true
	default:
		return false
	}
}

// call runs fn on the session goroutine and waits for it to finish.
func (s *Session) call(fn func()) bool {
	ran := make(chan struct{})
	select {
	case s.mailbox <- func() { defer close(ran); fn() }:
	case <-s.done:
		return false
	}
	select {
	case <-ran:
		return true
	case <-s.done:
		return false
	}
}

// Dispatch queues fn to run on the session goroutine, where it may use
// the session freely. It is dropped if the mailbox is full.
func (s *Session) Dispatch(fn func()) {
	if !s.do(fn) && !s.IsClosed() {
		s.logger.Warn("mailbox full, discarding callback")
	}
}

// run is the session goroutine.
func (s *Session) run() {
	for {
		select {
		case fn := <-s.mailbox:
			s.execute(fn)
		case <-s.inbound.Ready():
			s.drainInbound()
		case <-s.done:
			return
		}
	}
}

// execute runs fn with panic recovery.
func (s *Session) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panic",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (s *Session) drainInbound() {
	for {
		m, ok := s.inbound.Pop()
		if !ok {
			break
		}
		s.execute(func() { s.handle(m) })
	}
	s.pump(time.Now())
}

// handle processes one inbound message on the session goroutine.
func (s *Session) handle(m protocol.Message) {
	s.lastSeen.Store(time.Now().UnixNano())
	switch msg := m.(type) {
	case *protocol.Ack:
		if !s.syncer.Ack(msg.Version) {
			s.logger.Debug("ack ignored", "version", msg.Version, "baseline", s.syncer.Baseline())
		}
	case *protocol.ResyncRequest:
		s.logger.Debug("client requested resync", "version", msg.Version)
		s.syncer.ForceResync()
	case *protocol.Close:
		s.logger.Info("client closed session", "reason", msg.Reason)
		go s.srv.registry.Destroy(s.id, "client_close")
	case *protocol.Heartbeat:
	case *protocol.Text, *protocol.Request:
		if h := s.srv.config.Handler; h != nil {
			h.HandleMessage(s, m)
		}
	default:
		s.logger.Debug("unexpected message", "tag", m.Tag())
	}
}

// pump moves whatever the synchronizer has for the client into the
// outbound queue. It runs whether or not a connection is attached, so
// output accumulates while detached.
func (s *Session) pump(now time.Time) {
	if s.outbound.Resyncing() {
		// A snapshot will be produced when the marker is written.
		return
	}
	m := s.syncer.Next(now)
	if m == nil {
		return
	}
	if _, ok := m.(*protocol.Snapshot); ok {
		s.srv.emit(telemetry.ResyncTriggered, s, 1)
	}
	s.outbound.Push(m, dispatch.PriorityDelta)
}

// attach makes conn the session's connection, replacing any previous one,
// and queues the ServerHello ahead of everything else.
func (s *Session) attach(conn transport.Conn, hello *protocol.ClientHello, now time.Time) {
	// LastVersion is an implicit ack. Anything other than the baseline or a
	// version this session sent means the client's state is not ours, e.g.
	// it was synced by a previous server process.
	if last := hello.LastVersion; last != s.syncer.Baseline() && !s.syncer.Ack(last) {
		s.syncer.ForceResync()
	}

	if s.conn != nil {
		s.stopWriter()
		s.srv.dispatcher.Unbind(s.conn.ID())
		// Closing twice is harmless; the old reader detaches itself and is
		// ignored because its conn is no longer current.
		s.conn.Close()
	}

	s.conn = conn
	s.detachedAt.Store(0)
	s.lastSeen.Store(now.UnixNano())

	s.outbound.Requeue(dispatch.Item{
		Priority: dispatch.PriorityControl,
		Msg: &protocol.ServerHello{
			Status:          protocol.HandshakeOK,
			Token:           s.id,
			Baseline:        s.syncer.Baseline(),
			ServerTime:      uint64(now.UnixMilli()),
			HeartbeatMillis: uint64(s.config.HeartbeatInterval.Milliseconds()),
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.writer = cancel
	go s.writeLoop(ctx, conn)
	s.pump(now)
}

// detach drops conn if it is still the session's connection. It reports
// whether the session moved into its grace period.
func (s *Session) detach(connID uint64, now time.Time) bool {
	if s.conn == nil || s.conn.ID() != connID {
		return false
	}
	s.stopWriter()
	s.conn = nil
	s.detachedAt.Store(now.UnixNano())
	return true
}

func (s *Session) stopWriter() {
	if s.writer != nil {
		s.writer()
		s.writer = nil
	}
}

// SendText queues a Text message for the client. The server's filter is
// applied when it is written. While the session is detached only the most
// recent OutboundLimit control messages are kept. Safe to call from any
// goroutine.
func (s *Session) SendText(channel, body string) {
	if s.outbound.Push(&protocol.Text{Channel: channel, Body: body}, dispatch.PriorityControl) {
		s.srv.emit(telemetry.OutboundDropped, s, 1)
	}
}

// SetVisibility changes what the session sees. The client is resynced.
// It must be called from the session goroutine, e.g. inside a Handler or
// a Dispatch callback.
func (s *Session) SetVisibility(v statesync.Visibility) {
	s.syncer.SetVisibility(v)
}

// Baseline returns the last version the client acknowledged. It must be
// called from the session goroutine.
func (s *Session) Baseline() uint64 { return s.syncer.Baseline() }

// writeLoop drains the outbound queue onto conn and sends heartbeats until
// ctx is cancelled or conn closes.
func (s *Session) writeLoop(ctx context.Context, conn transport.Conn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if !s.flush(ctx, conn) {
			return
		}
		select {
		case <-s.outbound.Ready():
		case <-ticker.C:
			s.outbound.Push(&protocol.Heartbeat{}, dispatch.PriorityControl)
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case <-s.done:
			return
		}
	}
}

// flush writes queued items until the queue is empty. It returns false
// when the connection can no longer be written to.
func (s *Session) flush(ctx context.Context, conn transport.Conn) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		it, ok := s.outbound.Pop()
		if !ok {
			return true
		}

		msg := it.Msg
		if it.Resync {
			snap := s.resyncSnapshot()
			if snap == nil {
				return false
			}
			msg = snap
		}

		data, err := s.srv.encode(msg)
		if err != nil {
			s.logger.Error("encode failed",
				"invariant", true,
				"tag", msg.Tag(),
				"error", err)
			s.do(s.syncer.ForceResync)
			continue
		}

		if err := conn.Send(ctx, data); err != nil {
			s.outbound.Requeue(it)
			if ctx.Err() == nil {
				s.logger.Warn("send failed", "conn_id", conn.ID(), "error", err)
			}
			return false
		}
		s.srv.emitBytes(telemetry.BytesSent, s, conn, len(data))
	}
}

// resyncSnapshot builds the snapshot replacing a collapsed delta backlog.
func (s *Session) resyncSnapshot() *protocol.Snapshot {
	var snap *protocol.Snapshot
	if !s.call(func() { snap = s.syncer.Resync(time.Now()) }) {
		return nil
	}
	s.srv.emit(telemetry.ResyncTriggered, s, 1)
	return snap
}

// close destroys the session: the connection is closed and the session
// goroutine exits. Safe to call more than once.
func (s *Session) close(reason protocol.CloseReason) {
	s.once.Do(func() {
		s.call(func() {
			s.stopWriter()
			if s.conn != nil {
				if data, err := s.srv.encode(&protocol.Close{Reason: reason}); err == nil {
					ctx, cancel := context.WithTimeout(context.Background(), time.Second)
					s.conn.Send(ctx, data)
					cancel()
				}
				s.conn.Close()
				s.conn = nil
			}
		})
		close(s.done)
	})
}
