package statesync

import (
	"errors"
	"maps"
	"slices"

	"github.com/vango-dev/tether/pkg/protocol"
)

// ErrMissingBase is returned when a delta refers to a version the replica
// does not hold. The receiver should request a resync.
var ErrMissingBase = errors.New("statesync: delta base version not held")

// DefaultReplicaDepth is the number of versions a Replica keeps by default.
const DefaultReplicaDepth = 32

// Replica is the receiving side of synchronization. It keeps the last few
// versions it reached so that a delta built against any of them (the
// server's acknowledged baseline may lag behind) can still be applied.
//
// A Replica is not safe for concurrent use.
type Replica struct {
	states  map[uint64]State
	current uint64
	depth   int
}

// NewReplica creates a replica holding the empty state at version 0.
func NewReplica(depth int) *Replica {
	if depth <= 0 {
		depth = DefaultReplicaDepth
	}
	return &Replica{
		states: map[uint64]State{0: {Entities: map[protocol.EntityID][]byte{}}},
		depth:  depth,
	}
}

// Version returns the newest version applied.
func (r *Replica) Version() uint64 {
	return r.current
}

// State returns the newest state.
func (r *Replica) State() State {
	return r.states[r.current]
}

// Versions returns the versions currently held, ascending.
func (r *Replica) Versions() []uint64 {
	return slices.Sorted(maps.Keys(r.states))
}

// ApplyDelta applies d onto the held state at d.Base. Deltas whose target
// is not newer than the current version are ignored and report false.
func (r *Replica) ApplyDelta(d *protocol.Delta) (bool, error) {
	if d.Target <= r.current {
		return false, nil
	}
	base, ok := r.states[d.Base]
	if !ok {
		return false, ErrMissingBase
	}
	next, err := Apply(base, d)
	if err != nil {
		return false, err
	}

	r.states[d.Target] = next
	r.current = d.Target
	// The server built d from its baseline, so it will never again send a
	// delta based on anything older.
	for v := range r.states {
		if v < d.Base {
			delete(r.states, v)
		}
	}
	r.trim()
	return true, nil
}

// ApplySnapshot replaces the current state with snap unless snap is older
// than the current version.
func (r *Replica) ApplySnapshot(snap *protocol.Snapshot) bool {
	if snap.Version < r.current {
		return false
	}
	r.states[snap.Version] = StateFromSnapshot(snap)
	r.current = snap.Version
	r.trim()
	return true
}

// Apply dispatches a Delta or Snapshot. Other messages are ignored.
func (r *Replica) Apply(m protocol.Message) (bool, error) {
	switch msg := m.(type) {
	case *protocol.Delta:
		return r.ApplyDelta(msg)
	case *protocol.Snapshot:
		return r.ApplySnapshot(msg), nil
	default:
		return false, nil
	}
}

// Reset drops every held version and returns to the empty state at 0.
func (r *Replica) Reset() {
	r.states = map[uint64]State{0: {Entities: map[protocol.EntityID][]byte{}}}
	r.current = 0
}

func (r *Replica) trim() {
	for len(r.states) > r.depth {
		oldest := slices.Min(slices.Collect(maps.Keys(r.states)))
		if oldest == r.current {
			return
		}
		delete(r.states, oldest)
	}
}
