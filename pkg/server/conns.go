package server

import (
	"sync"

	"github.com/vango-dev/tether/pkg/transport"
)

// connSet holds the connections that completed a handshake, for the
// liveness sweep.
type connSet struct {
	mu    sync.Mutex
	conns map[uint64]transport.Conn
}

func newConnSet() *connSet {
	return &connSet{conns: make(map[uint64]transport.Conn)}
}

func (cs *connSet) add(c transport.Conn) {
	cs.mu.Lock()
	cs.conns[c.ID()] = c
	cs.mu.Unlock()
}

func (cs *connSet) remove(id uint64) {
	cs.mu.Lock()
	delete(cs.conns, id)
	cs.mu.Unlock()
}

func (cs *connSet) list() []transport.Conn {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]transport.Conn, 0, len(cs.conns))
	for _, c := range cs.conns {
		out = append(out, c)
	}
	return out
}
