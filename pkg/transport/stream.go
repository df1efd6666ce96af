package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"net"
	"sync"
	"time"
)

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// streamConn frames messages over a byte stream with a length prefix.
type streamConn struct {
	state
	rwc      io.ReadWriteCloser
	r        *bufio.Reader
	maxFrame int
	timeout  time.Duration

	writeMu sync.Mutex
}

// NewStreamConn wraps a byte stream, such as a *net.TCPConn or a QUIC
// stream, as a length-prefixed Conn. The Conn owns rwc and closes it.
func NewStreamConn(rwc io.ReadWriteCloser, remote string, cfg *Config) Conn {
	c := &streamConn{
		rwc:      rwc,
		r:        bufio.NewReader(rwc),
		maxFrame: cfg.maxFrame(),
		timeout:  cfg.writeTimeout(),
	}
	c.init(KindStream, remote)
	return c
}

// NewNetConn wraps a net.Conn as a length-prefixed Conn.
func NewNetConn(nc net.Conn, cfg *Config) Conn {
	return NewStreamConn(nc, remoteAddr(nc.RemoteAddr()), cfg)
}

func remoteAddr(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func (c *streamConn) Send(ctx context.Context, frame []byte) error {
	if c.closed() {
		return ErrClosed
	}
	if len(frame) > int(^uint32(0)) {
		return ErrFrameTooLarge
	}
	buf := AppendFrame(make([]byte, 0, FrameHeaderSize+len(frame)), frame)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	wd, canDeadline := c.rwc.(writeDeadliner)
	if canDeadline {
		wd.SetWriteDeadline(writeDeadline(ctx, c.timeout))
		stop := context.AfterFunc(ctx, func() {
			wd.SetWriteDeadline(time.Now())
		})
		defer stop()
	}

	if _, err := c.rwc.Write(buf); err != nil {
		// A partial frame leaves the stream unusable.
		c.Close()
		return c.sendError(ctx, err)
	}
	return nil
}

func (c *streamConn) Receive() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if !c.receiving.CompareAndSwap(false, true) {
			yield(nil, ErrReceiveStarted)
			return
		}
		for {
			frame, err := ReadFrame(c.r, c.maxFrame)
			if err != nil {
				if c.closed() || errors.Is(err, io.EOF) {
					return
				}
				yield(nil, err)
				return
			}
			c.Touch()
			if !yield(frame, nil) {
				return
			}
		}
	}
}

func (c *streamConn) Close() error {
	return c.shutdown(c.rwc.Close)
}
