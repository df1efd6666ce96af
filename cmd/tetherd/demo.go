package main

import (
	"context"
	"encoding/binary"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/vango-dev/tether/pkg/protocol"
	"github.com/vango-dev/tether/pkg/server"
	"github.com/vango-dev/tether/pkg/statesync"
)

const demoGrid = 1000

// demo moves a fixed set of entities around a grid, relays chat and lets
// clients nudge entities with Request messages.
type demo struct {
	world *statesync.World
	srv   *server.Server

	mu  sync.Mutex
	pos [][2]int16
	rng *rand.Rand
}

func newDemo(world *statesync.World, size int) *demo {
	if size <= 0 {
		size = 1
	}
	d := &demo{
		world: world,
		pos:   make([][2]int16, size),
		rng:   rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x7e7e)),
	}
	muts := make([]statesync.Mutation, 0, size)
	for i := range d.pos {
		d.pos[i] = [2]int16{int16(d.rng.IntN(demoGrid)), int16(d.rng.IntN(demoGrid))}
		muts = append(muts, d.set(i))
	}
	world.Publish(muts...)
	return d
}

// encodePosition is the demo entity payload: x and y as big-endian int16.
func encodePosition(p [2]int16) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:], uint16(p[0]))
	binary.BigEndian.PutUint16(b[2:], uint16(p[1]))
	return b
}

func (d *demo) set(i int) statesync.Mutation {
	return statesync.Set(protocol.EntityID(i+1), encodePosition(d.pos[i]))
}

// step moves a few random entities one cell.
func (d *demo) step() {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 1 + len(d.pos)/8
	muts := make([]statesync.Mutation, 0, n)
	for range n {
		i := d.rng.IntN(len(d.pos))
		for axis := range 2 {
			v := int(d.pos[i][axis]) + d.rng.IntN(3) - 1
			d.pos[i][axis] = int16(min(max(v, 0), demoGrid-1))
		}
		muts = append(muts, d.set(i))
	}
	d.world.Publish(muts...)
}

func (d *demo) run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.step()
		case <-ctx.Done():
			return
		}
	}
}

// handle relays Text to every session. A one-byte Request moves the
// entity with that ID back to the center of the grid.
func (d *demo) handle(s *server.Session, m protocol.Message) {
	switch msg := m.(type) {
	case *protocol.Text:
		if d.srv != nil {
			d.srv.Broadcast(msg.Channel, msg.Body)
		}
	case *protocol.Request:
		if len(msg.Data) != 1 || int(msg.Data[0]) < 1 || int(msg.Data[0]) > len(d.pos) {
			s.Logger().Debug("demo: ignoring request", "bytes", len(msg.Data))
			return
		}
		d.center(int(msg.Data[0]) - 1)
	}
}

func (d *demo) center(i int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pos[i] = [2]int16{demoGrid / 2, demoGrid / 2}
	d.world.Publish(d.set(i))
}
