package statesync

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/vango-dev/tether/pkg/protocol"
)

// DefaultRetention is the number of versions of history kept by default.
const DefaultRetention = 64

// ErrEntityIDRange is returned for a mutation whose ID cannot be encoded.
var ErrEntityIDRange = errors.New("statesync: entity id exceeds protocol.MaxEntityID")

// Mutation is one requested change to the world.
type Mutation struct {
	ID     protocol.EntityID
	Data   []byte
	Remove bool
}

// Set returns a mutation creating or updating id.
func Set(id protocol.EntityID, data []byte) Mutation {
	return Mutation{ID: id, Data: data}
}

// Remove returns a mutation deleting id.
func Remove(id protocol.EntityID) Mutation {
	return Mutation{ID: id, Remove: true}
}

type version struct {
	number   uint64
	entities map[protocol.EntityID][]byte
}

// World is the authoritative entity state. Writers are serialized;
// readers load the current version without locking and never observe a
// partially applied publish.
type World struct {
	mu      sync.Mutex
	current atomic.Pointer[version]
	history *History
}

// NewWorld creates an empty world at version 0 that retains the last
// retention versions of history.
func NewWorld(retention int) *World {
	w := &World{history: NewHistory(retention)}
	w.current.Store(&version{entities: map[protocol.EntityID][]byte{}})
	return w
}

// Version returns the current version number.
func (w *World) Version() uint64 {
	return w.current.Load().number
}

// History returns the world's change history.
func (w *World) History() *History {
	return w.history
}

// State returns the full current state.
func (w *World) State() State {
	cur := w.current.Load()
	return State{Version: cur.number, Entities: cur.entities}
}

// Publish applies muts atomically as a new version and returns its number.
// Payloads are copied. A publish always creates a version, even if nothing
// changed, so that versions track server ticks.
//
// Publish panics if a mutation's ID is above protocol.MaxEntityID. Use
// TryPublish when IDs come from untrusted input.
func (w *World) Publish(muts ...Mutation) uint64 {
	v, err := w.TryPublish(muts...)
	if err != nil {
		panic(err)
	}
	return v
}

// TryPublish is Publish for mutations that may carry an out of range ID.
// Nothing is applied if any ID is invalid.
func (w *World) TryPublish(muts ...Mutation) (uint64, error) {
	for _, m := range muts {
		if m.ID > protocol.MaxEntityID {
			return 0, fmt.Errorf("%w: %d", ErrEntityIDRange, m.ID)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	cur := w.current.Load()
	next := &version{number: cur.number + 1, entities: maps.Clone(cur.entities)}

	index := make(map[protocol.EntityID]int, len(muts))
	var changes []Change
	for _, m := range muts {
		old, existed := next.entities[m.ID]
		var ch Change
		if m.Remove {
			if !existed {
				continue
			}
			delete(next.entities, m.ID)
			ch = Change{ID: m.ID, Existed: true, Old: old}
		} else {
			if existed && bytes.Equal(old, m.Data) {
				continue
			}
			data := bytes.Clone(m.Data)
			if data == nil {
				data = []byte{}
			}
			next.entities[m.ID] = data
			ch = Change{ID: m.ID, Existed: existed, Old: old, Exists: true, New: data}
		}

		// Several mutations of one entity collapse into a single change
		// from its state before the publish to its state after.
		if i, ok := index[m.ID]; ok {
			changes[i].Exists, changes[i].New = ch.Exists, ch.New
			continue
		}
		index[m.ID] = len(changes)
		changes = append(changes, ch)
	}
	slices.SortFunc(changes, func(a, b Change) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})

	w.history.Put(next.number, changes)
	w.current.Store(next)
	return next.number, nil
}

func (w *World) load() *version {
	return w.current.Load()
}

func (v *version) state() State {
	return State{Version: v.number, Entities: v.entities}
}

// delta builds the ops taking a session from base to v, filtered through
// vis. It reports false when base is outside the history window.
func (w *World) delta(v *version, base uint64, vis Visibility) ([]protocol.EntityOp, bool) {
	if base > v.number {
		return nil, false
	}
	sets, ok := w.history.Span(base, v.number)
	if !ok {
		return nil, false
	}

	type span struct {
		existed, exists bool
		old, new        []byte
	}
	merged := make(map[protocol.EntityID]*span)
	var order []protocol.EntityID
	for _, set := range sets {
		for _, ch := range set {
			if s, ok := merged[ch.ID]; ok {
				s.exists, s.new = ch.Exists, ch.New
				continue
			}
			merged[ch.ID] = &span{existed: ch.Existed, old: ch.Old, exists: ch.Exists, new: ch.New}
			order = append(order, ch.ID)
		}
	}

	var ops []protocol.EntityOp
	for _, id := range order {
		s := merged[id]
		had := s.existed && vis.sees(id, s.old)
		has := s.exists && vis.sees(id, s.new)
		switch {
		case !had && has:
			ops = append(ops, protocol.EntityOp{Kind: protocol.OpCreate, ID: id, Data: s.new})
		case had && !has:
			ops = append(ops, protocol.EntityOp{Kind: protocol.OpRemove, ID: id})
		case had && has && !bytes.Equal(s.old, s.new):
			ops = append(ops, protocol.EntityOp{Kind: protocol.OpUpdate, ID: id, Data: s.new})
		}
	}
	sortOps(ops)
	return ops, true
}
