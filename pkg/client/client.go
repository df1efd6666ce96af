// Package client is a reference client for a tether server.
//
// It performs the handshake, keeps a statesync.Replica current from the
// server's deltas and snapshots, acknowledges what it applied, and answers
// the server's heartbeats. A Client survives reconnection: Attach a new
// connection and call Handshake again to resume the same session.
package client

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-dev/tether/pkg/protocol"
	"github.com/vango-dev/tether/pkg/statesync"
	"github.com/vango-dev/tether/pkg/transport"
)

var (
	// ErrNotConnected is returned when no connection is attached.
	ErrNotConnected = errors.New("client: not connected")

	// ErrSessionClosed is returned by Run when the server closes the session.
	ErrSessionClosed = errors.New("client: session closed by server")

	// ErrBusy is returned when Handshake or Run is already reading.
	ErrBusy = errors.New("client: connection already being read")
)

// RejectedError is returned by Handshake when the server refuses the
// session.
type RejectedError struct {
	Status protocol.HandshakeStatus
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("client: handshake rejected: %s", e.Status)
}

// Options configures a Client.
type Options struct {
	// Token resumes an existing session. Empty starts a new one.
	Token string

	// ReplicaDepth is the number of versions the replica keeps.
	// Default: statesync.DefaultReplicaDepth.
	ReplicaDepth int

	// HeartbeatInterval overrides the interval announced by the server.
	HeartbeatInterval time.Duration

	// OnState is called after the replica changes.
	OnState func(version uint64, state statesync.State)

	// OnText is called for every Text message.
	OnText func(t *protocol.Text)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client is a connection to a tether server.
type Client struct {
	opts   Options
	codec  protocol.Codec
	logger *slog.Logger

	mu        sync.Mutex
	link      *link
	replica   *statesync.Replica
	token     string
	heartbeat time.Duration
	hello     *protocol.ServerHello
}

// New creates a client. Attach a connection before calling Handshake.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:    opts,
		codec:   protocol.DefaultCodec,
		logger:  logger.With("component", "client"),
		replica: statesync.NewReplica(opts.ReplicaDepth),
		token:   opts.Token,
	}
}

// link is one attached connection. next may only be used by the
// goroutine that set reading.
type link struct {
	conn    transport.Conn
	next    func() ([]byte, error, bool)
	stop    func()
	reading bool
}

// Attach makes conn the client's connection, dropping the previous one.
// Connections built with a nil transport.Config accept frames up to
// transport.MaxClientFrameSize so that large snapshots fit.
func (c *Client) Attach(conn transport.Conn) {
	next, stop := iter.Pull2(conn.Receive())
	c.mu.Lock()
	old := c.link
	c.link = &link{conn: conn, next: next, stop: stop}
	c.mu.Unlock()
	c.drop(old)
}

// drop closes a detached link. Its iterator is stopped here unless a
// reader still holds it, in which case release stops it.
func (c *Client) drop(l *link) {
	if l == nil {
		return
	}
	l.conn.Close()
	c.mu.Lock()
	idle := !l.reading
	c.mu.Unlock()
	if idle {
		l.stop()
	}
}

// acquire claims the current link for reading.
func (c *Client) acquire() (*link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return nil, ErrNotConnected
	}
	if c.link.reading {
		return nil, ErrBusy
	}
	c.link.reading = true
	return c.link, nil
}

func (c *Client) release(l *link) {
	c.mu.Lock()
	l.reading = false
	detached := c.link != l
	c.mu.Unlock()
	if detached {
		l.stop()
	}
}

// Token returns the session token issued by the server.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Version returns the newest state version applied.
func (c *Client) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica.Version()
}

// State returns the newest state.
func (c *Client) State() statesync.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica.State()
}

// ServerHello returns the reply to the last successful handshake.
func (c *Client) ServerHello() *protocol.ServerHello {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// Send encodes and writes m.
func (c *Client) Send(ctx context.Context, m protocol.Message) error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	data, err := c.codec.Encode(m)
	if err != nil {
		return err
	}
	return l.conn.Send(ctx, data)
}

// SendText sends a chat-like message.
func (c *Client) SendText(ctx context.Context, channel, body string) error {
	return c.Send(ctx, &protocol.Text{Channel: channel, Body: body})
}

// Handshake sends a ClientHello carrying the client's token and current
// version and waits for the ServerHello. When the server answers with a
// different token the session was not resumed (for instance the server
// restarted) and the replica is reset to match the new session.
func (c *Client) Handshake(ctx context.Context) (*protocol.ServerHello, error) {
	l, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer c.release(l)

	presented := c.Token()
	if err := c.Send(ctx, protocol.NewClientHello(presented, c.Version())); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { l.conn.Close() })
	defer stop()

	for {
		frame, err, ok := l.next()
		if !ok {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, transport.ErrClosed
		}
		if err != nil {
			return nil, err
		}
		m, err := c.codec.Decode(frame)
		if err != nil {
			return nil, err
		}
		hello, isHello := m.(*protocol.ServerHello)
		if !isHello {
			c.logger.Debug("ignoring message before server hello", "tag", m.Tag())
			continue
		}
		if hello.Status != protocol.HandshakeOK {
			return nil, &RejectedError{Status: hello.Status}
		}

		c.mu.Lock()
		if hello.Token != presented && c.replica.Version() > 0 {
			c.logger.Info("session not resumed, discarding replica",
				"version", c.replica.Version())
			c.replica.Reset()
		}
		c.token = hello.Token
		c.hello = hello
		c.heartbeat = time.Duration(hello.HeartbeatMillis) * time.Millisecond
		if c.opts.HeartbeatInterval > 0 {
			c.heartbeat = c.opts.HeartbeatInterval
		}
		c.mu.Unlock()
		return hello, nil
	}
}

// Run processes server messages until the connection ends, the server
// closes the session or ctx is cancelled. It returns nil when the
// connection ends cleanly or ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	l, err := c.acquire()
	if err != nil {
		return err
	}
	defer c.release(l)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { l.conn.Close() })
	defer stop()

	c.mu.Lock()
	interval := c.heartbeat
	c.mu.Unlock()
	if interval > 0 {
		go c.heartbeatLoop(ctx, interval)
	}

	for {
		frame, err, ok := l.next()
		if !ok {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		m, err := c.codec.Decode(frame)
		if err != nil {
			var de *protocol.DecodingError
			if errors.As(err, &de) && de.Fatal() {
				return err
			}
			c.logger.Debug("dropping undecodable message", "error", err)
			continue
		}
		if err := c.handle(ctx, m); err != nil {
			return err
		}
	}
}

func (c *Client) handle(ctx context.Context, m protocol.Message) error {
	switch msg := m.(type) {
	case *protocol.Delta, *protocol.Snapshot:
		return c.apply(ctx, m)
	case *protocol.Text:
		if c.opts.OnText != nil {
			c.opts.OnText(msg)
		}
	case *protocol.Close:
		c.logger.Info("session closed by server", "reason", msg.Reason)
		return ErrSessionClosed
	case *protocol.ErrorMessage:
		if msg.Fatal {
			return fmt.Errorf("client: server error %s: %s", msg.Code, msg.Message)
		}
		c.logger.Warn("server error", "code", msg.Code, "message", msg.Message)
	}
	return nil
}

// apply feeds a Delta or Snapshot to the replica and tells the server
// where the replica stands: an Ack of the current version, or a
// ResyncRequest when a delta cannot be applied.
func (c *Client) apply(ctx context.Context, m protocol.Message) error {
	c.mu.Lock()
	changed, err := c.replica.Apply(m)
	version := c.replica.Version()
	var state statesync.State
	if changed && c.opts.OnState != nil {
		state = c.replica.State()
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug("cannot apply, requesting resync", "error", err, "version", version)
		return c.Send(ctx, &protocol.ResyncRequest{Version: version})
	}
	if changed && c.opts.OnState != nil {
		c.opts.OnState(version, state)
	}

	var seq uint64
	switch msg := m.(type) {
	case *protocol.Delta:
		seq = msg.Seq
	case *protocol.Snapshot:
		seq = msg.Seq
	}
	if err := c.Send(ctx, &protocol.Ack{Version: version, Seq: seq}); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// heartbeatLoop sends a heartbeat and a repeated acknowledgment every
// interval, so a lost Ack is eventually recovered.
func (c *Client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Send(ctx, &protocol.Heartbeat{}); err != nil {
				return
			}
			if v := c.Version(); v > 0 {
				c.Send(ctx, &protocol.Ack{Version: v})
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close closes the current connection. The session stays resumable on
// the server for its grace period.
func (c *Client) Close() error {
	c.mu.Lock()
	l := c.link
	c.link = nil
	c.mu.Unlock()
	c.drop(l)
	return nil
}

// Leave asks the server to destroy the session, then closes the
// connection.
func (c *Client) Leave(ctx context.Context) error {
	err := c.Send(ctx, &protocol.Close{Reason: protocol.CloseNormal})
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	return err
}
