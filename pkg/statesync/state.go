package statesync

import (
	"bytes"
	"errors"
	"maps"
	"slices"

	"github.com/vango-dev/tether/pkg/protocol"
)

// Errors returned when applying deltas.
var (
	ErrBaseMismatch      = errors.New("statesync: delta base does not match state version")
	ErrInconsistentDelta = errors.New("statesync: delta does not fit state")
)

// Visibility decides whether a session can see an entity with the given
// payload. A nil Visibility sees everything.
type Visibility func(id protocol.EntityID, data []byte) bool

func (v Visibility) sees(id protocol.EntityID, data []byte) bool {
	return v == nil || v(id, data)
}

// State is an entity set at one version. States handed out by this package
// are never modified; treat Entities as read-only.
type State struct {
	Version  uint64
	Entities map[protocol.EntityID][]byte
}

// Equal reports whether two states hold the same version and entities.
func (s State) Equal(o State) bool {
	return s.Version == o.Version && maps.EqualFunc(s.Entities, o.Entities, bytes.Equal)
}

// Filter returns the entities of s visible through v.
func (s State) Filter(v Visibility) State {
	if v == nil {
		return s
	}
	out := State{Version: s.Version, Entities: make(map[protocol.EntityID][]byte)}
	for id, data := range s.Entities {
		if v(id, data) {
			out.Entities[id] = data
		}
	}
	return out
}

// Message converts s into a Snapshot message with sorted entities.
func (s State) Message(seq uint64) *protocol.Snapshot {
	snap := &protocol.Snapshot{Seq: seq, Version: s.Version}
	for _, id := range slices.Sorted(maps.Keys(s.Entities)) {
		snap.Entities = append(snap.Entities, protocol.Entity{ID: id, Data: s.Entities[id]})
	}
	return snap
}

// StateFromSnapshot converts a received Snapshot into a State.
func StateFromSnapshot(snap *protocol.Snapshot) State {
	s := State{Version: snap.Version, Entities: make(map[protocol.EntityID][]byte, len(snap.Entities))}
	for _, e := range snap.Entities {
		s.Entities[e.ID] = e.Data
	}
	return s
}

// Diff returns the ops that turn a into b, sorted by entity ID.
func Diff(a, b State) []protocol.EntityOp {
	var ops []protocol.EntityOp
	for id, data := range b.Entities {
		old, ok := a.Entities[id]
		switch {
		case !ok:
			ops = append(ops, protocol.EntityOp{Kind: protocol.OpCreate, ID: id, Data: data})
		case !bytes.Equal(old, data):
			ops = append(ops, protocol.EntityOp{Kind: protocol.OpUpdate, ID: id, Data: data})
		}
	}
	for id := range a.Entities {
		if _, ok := b.Entities[id]; !ok {
			ops = append(ops, protocol.EntityOp{Kind: protocol.OpRemove, ID: id})
		}
	}
	sortOps(ops)
	return ops
}

// Apply returns the state obtained by applying d to s. s must be the state
// at d.Base; s itself is left untouched.
func Apply(s State, d *protocol.Delta) (State, error) {
	if s.Version != d.Base {
		return State{}, ErrBaseMismatch
	}
	next := State{Version: d.Target, Entities: maps.Clone(s.Entities)}
	if next.Entities == nil {
		next.Entities = make(map[protocol.EntityID][]byte)
	}
	for _, op := range d.Ops {
		_, exists := next.Entities[op.ID]
		switch op.Kind {
		case protocol.OpCreate:
			if exists {
				return State{}, ErrInconsistentDelta
			}
			next.Entities[op.ID] = op.Data
		case protocol.OpUpdate:
			if !exists {
				return State{}, ErrInconsistentDelta
			}
			next.Entities[op.ID] = op.Data
		case protocol.OpRemove:
			if !exists {
				return State{}, ErrInconsistentDelta
			}
			delete(next.Entities, op.ID)
		default:
			return State{}, ErrInconsistentDelta
		}
	}
	return next, nil
}

func sortOps(ops []protocol.EntityOp) {
	slices.SortFunc(ops, func(a, b protocol.EntityOp) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
}
