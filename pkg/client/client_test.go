package client

import (
	"context"
	"iter"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/tether/pkg/protocol"
	"github.com/vango-dev/tether/pkg/statesync"
	"github.com/vango-dev/tether/pkg/transport"
)

// peer is the server end of a piped connection driven by the test.
type peer struct {
	t    *testing.T
	conn transport.Conn
	next func() ([]byte, error, bool)
}

func pipe(t *testing.T) (transport.Conn, *peer) {
	t.Helper()
	a, b := net.Pipe()
	client := transport.NewNetConn(a, nil)
	server := transport.NewNetConn(b, nil)
	next, stop := iter.Pull2(server.Receive())
	t.Cleanup(func() {
		client.Close()
		server.Close()
		stop()
	})
	return client, &peer{t: t, conn: server, next: next}
}

func (p *peer) send(m protocol.Message) {
	p.t.Helper()
	data, err := protocol.Encode(m)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.Send(context.Background(), data))
}

func (p *peer) recv() protocol.Message {
	p.t.Helper()
	frame, err, ok := p.next()
	require.True(p.t, ok, "connection ended")
	require.NoError(p.t, err)
	m, err := protocol.Decode(frame)
	require.NoError(p.t, err)
	return m
}

// recvNonHeartbeat skips heartbeats and returns the next message.
func (p *peer) recvNonHeartbeat() protocol.Message {
	p.t.Helper()
	for {
		m := p.recv()
		if _, ok := m.(*protocol.Heartbeat); !ok {
			return m
		}
	}
}

func handshake(t *testing.T, c *Client, p *peer, token string) *protocol.ServerHello {
	t.Helper()
	type result struct {
		hello *protocol.ServerHello
		err   error
	}
	done := make(chan result, 1)
	go func() {
		hello, err := c.Handshake(context.Background())
		done <- result{hello, err}
	}()

	_, ok := p.recv().(*protocol.ClientHello)
	require.True(t, ok)
	p.send(&protocol.ServerHello{Status: protocol.HandshakeOK, Token: token})

	r := <-done
	require.NoError(t, r.err)
	return r.hello
}

func TestHandshakeStoresToken(t *testing.T) {
	conn, p := pipe(t)
	c := New(Options{})
	c.Attach(conn)

	handshake(t, c, p, "0123456789abcdef0123456789abcdef")
	assert.Equal(t, "0123456789abcdef0123456789abcdef", c.Token())
	assert.NotNil(t, c.ServerHello())
}

func TestHandshakeSendsTokenAndVersion(t *testing.T) {
	conn, p := pipe(t)
	c := New(Options{Token: "feedfeedfeedfeedfeedfeedfeedfeed"})
	c.Attach(conn)

	go c.Handshake(context.Background())
	hello, ok := p.recv().(*protocol.ClientHello)
	require.True(t, ok)
	assert.Equal(t, "feedfeedfeedfeedfeedfeedfeedfeed", hello.Token)
	assert.Equal(t, uint64(0), hello.LastVersion)
	assert.Equal(t, protocol.CurrentVersion, hello.Version)
}

func TestHandshakeRejected(t *testing.T) {
	conn, p := pipe(t)
	c := New(Options{})
	c.Attach(conn)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Handshake(context.Background())
		errc <- err
	}()
	p.recv()
	p.send(protocol.NewHandshakeError(protocol.HandshakeServerBusy))

	err := <-errc
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, protocol.HandshakeServerBusy, rejected.Status)
}

func TestHandshakeWithoutConnection(t *testing.T) {
	c := New(Options{})
	_, err := c.Handshake(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Run(context.Background()), ErrNotConnected)
}

func TestRunAppliesAndAcks(t *testing.T) {
	conn, p := pipe(t)

	var mu sync.Mutex
	var versions []uint64
	c := New(Options{OnState: func(v uint64, _ statesync.State) {
		mu.Lock()
		versions = append(versions, v)
		mu.Unlock()
	}})
	c.Attach(conn)
	handshake(t, c, p, "0123456789abcdef0123456789abcdef")

	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()

	p.send(&protocol.Delta{Seq: 1, Base: 0, Target: 5, Ops: []protocol.EntityOp{
		{Kind: protocol.OpCreate, ID: 1, Data: []byte("a")},
	}})
	ack, ok := p.recvNonHeartbeat().(*protocol.Ack)
	require.True(t, ok)
	assert.Equal(t, protocol.Ack{Version: 5, Seq: 1}, *ack)

	p.send(&protocol.Snapshot{Seq: 2, Version: 9, Entities: []protocol.Entity{{ID: 2, Data: []byte("b")}}})
	ack, ok = p.recvNonHeartbeat().(*protocol.Ack)
	require.True(t, ok)
	assert.Equal(t, protocol.Ack{Version: 9, Seq: 2}, *ack)

	assert.Equal(t, uint64(9), c.Version())
	assert.Equal(t, map[protocol.EntityID][]byte{2: []byte("b")}, c.State().Entities)

	p.send(&protocol.Close{Reason: protocol.CloseServerShutdown})
	assert.ErrorIs(t, <-errc, ErrSessionClosed)

	mu.Lock()
	assert.Equal(t, []uint64{5, 9}, versions)
	mu.Unlock()
}

func TestRunRequestsResyncOnMissingBase(t *testing.T) {
	conn, p := pipe(t)
	c := New(Options{})
	c.Attach(conn)
	handshake(t, c, p, "0123456789abcdef0123456789abcdef")

	go c.Run(context.Background())

	p.send(&protocol.Delta{Seq: 1, Base: 4, Target: 6})
	req, ok := p.recvNonHeartbeat().(*protocol.ResyncRequest)
	require.True(t, ok)
	assert.Equal(t, uint64(0), req.Version)
}

func TestRunDeliversText(t *testing.T) {
	conn, p := pipe(t)
	texts := make(chan *protocol.Text, 1)
	c := New(Options{OnText: func(m *protocol.Text) { texts <- m }})
	c.Attach(conn)
	handshake(t, c, p, "0123456789abcdef0123456789abcdef")

	go c.Run(context.Background())
	p.send(&protocol.Text{Channel: "lobby", Body: "hi"})

	select {
	case m := <-texts:
		assert.Equal(t, "lobby", m.Channel)
		assert.Equal(t, "hi", m.Body)
	case <-time.After(time.Second):
		t.Fatal("text not delivered")
	}
}

func TestRunStopsOnFatalError(t *testing.T) {
	conn, p := pipe(t)
	c := New(Options{})
	c.Attach(conn)
	handshake(t, c, p, "0123456789abcdef0123456789abcdef")

	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()
	p.send(protocol.NewFatalError(protocol.ErrSessionExpired, "gone"))

	select {
	case err := <-errc:
		assert.ErrorContains(t, err, "gone")
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestHeartbeatReacks(t *testing.T) {
	conn, p := pipe(t)
	c := New(Options{HeartbeatInterval: 10 * time.Millisecond})
	c.Attach(conn)
	handshake(t, c, p, "0123456789abcdef0123456789abcdef")

	go c.Run(context.Background())
	p.send(&protocol.Delta{Seq: 1, Base: 0, Target: 3})
	_, ok := p.recvNonHeartbeat().(*protocol.Ack)
	require.True(t, ok)

	sawHeartbeat := false
	for range 2 {
		switch m := p.recv().(type) {
		case *protocol.Heartbeat:
			sawHeartbeat = true
		case *protocol.Ack:
			assert.Equal(t, uint64(3), m.Version)
		}
	}
	assert.True(t, sawHeartbeat)
}

func TestAttachKeepsReplica(t *testing.T) {
	conn, p := pipe(t)
	c := New(Options{})
	c.Attach(conn)
	handshake(t, c, p, "0123456789abcdef0123456789abcdef")

	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()
	p.send(&protocol.Delta{Seq: 1, Base: 0, Target: 7, Ops: []protocol.EntityOp{
		{Kind: protocol.OpCreate, ID: 1, Data: []byte("x")},
	}})
	p.recvNonHeartbeat()
	require.NoError(t, c.Close())
	<-errc

	conn2, p2 := pipe(t)
	c.Attach(conn2)
	go c.Handshake(context.Background())
	hello, ok := p2.recv().(*protocol.ClientHello)
	require.True(t, ok)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", hello.Token)
	assert.Equal(t, uint64(7), hello.LastVersion)
}

func TestLeaveSendsClose(t *testing.T) {
	conn, p := pipe(t)
	c := New(Options{})
	c.Attach(conn)
	handshake(t, c, p, "0123456789abcdef0123456789abcdef")

	errc := make(chan error, 1)
	go func() { errc <- c.Leave(context.Background()) }()

	msg, ok := p.recv().(*protocol.Close)
	require.True(t, ok)
	assert.Equal(t, protocol.CloseNormal, msg.Reason)
	require.NoError(t, <-errc)

	assert.ErrorIs(t, c.Send(context.Background(), &protocol.Heartbeat{}), ErrNotConnected)
}

func TestRunAcceptsLargeSnapshot(t *testing.T) {
	conn, p := pipe(t)
	c := New(Options{})
	c.Attach(conn)
	handshake(t, c, p, "0123456789abcdef0123456789abcdef")

	go c.Run(context.Background())

	entities := make([]protocol.Entity, 800)
	for i := range entities {
		entities[i] = protocol.Entity{ID: protocol.EntityID(i + 1), Data: make([]byte, 24)}
	}
	snap := &protocol.Snapshot{Seq: 1, Version: 4, Entities: entities}
	data, err := protocol.Encode(snap)
	require.NoError(t, err)
	require.Greater(t, len(data), transport.MaxFrameSize)

	p.send(snap)
	ack, ok := p.recvNonHeartbeat().(*protocol.Ack)
	require.True(t, ok)
	assert.Equal(t, uint64(4), ack.Version)
	assert.Len(t, c.State().Entities, 800)
}

func TestHandshakeNewTokenDiscardsReplica(t *testing.T) {
	conn, p := pipe(t)
	c := New(Options{})
	c.Attach(conn)
	handshake(t, c, p, "0123456789abcdef0123456789abcdef")

	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()
	p.send(&protocol.Delta{Seq: 1, Base: 0, Target: 10, Ops: []protocol.EntityOp{
		{Kind: protocol.OpCreate, ID: 1, Data: []byte("old")},
	}})
	p.recvNonHeartbeat()
	require.NoError(t, c.Close())
	<-errc

	// A restarted server does not know the token and issues a new one.
	conn2, p2 := pipe(t)
	c.Attach(conn2)
	handshake(t, c, p2, "fedcba9876543210fedcba9876543210")
	assert.Equal(t, uint64(0), c.Version())
	assert.Empty(t, c.State().Entities)

	go c.Run(context.Background())
	p2.send(&protocol.Snapshot{Seq: 1, Version: 2, Entities: []protocol.Entity{{ID: 7, Data: []byte("new")}}})
	ack, ok := p2.recvNonHeartbeat().(*protocol.Ack)
	require.True(t, ok)
	assert.Equal(t, uint64(2), ack.Version)
	assert.Equal(t, map[protocol.EntityID][]byte{7: []byte("new")}, c.State().Entities)
}
