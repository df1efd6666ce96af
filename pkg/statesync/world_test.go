package statesync

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/tether/pkg/protocol"
)

func TestWorldPublish(t *testing.T) {
	w := NewWorld(8)
	assert.Equal(t, uint64(0), w.Version())
	assert.Empty(t, w.State().Entities)

	v := w.Publish(Set(1, []byte("a")), Set(2, []byte("b")))
	assert.Equal(t, uint64(1), v)

	v = w.Publish(Remove(1), Set(2, []byte("c")), Remove(99))
	assert.Equal(t, uint64(2), v)

	st := w.State()
	assert.Equal(t, uint64(2), st.Version)
	assert.Equal(t, map[protocol.EntityID][]byte{2: []byte("c")}, st.Entities)

	// An empty publish still advances the version.
	assert.Equal(t, uint64(3), w.Publish())
}

func TestWorldPublishCopiesPayload(t *testing.T) {
	w := NewWorld(8)
	data := []byte("abc")
	w.Publish(Set(1, data))
	data[0] = 'z'
	assert.Equal(t, []byte("abc"), w.State().Entities[1])
}

func TestWorldOldVersionsAreImmutable(t *testing.T) {
	w := NewWorld(8)
	w.Publish(Set(1, []byte("a")))
	before := w.State()

	w.Publish(Set(1, []byte("b")), Set(2, []byte("c")))
	assert.Equal(t, map[protocol.EntityID][]byte{1: []byte("a")}, before.Entities)
}

func TestWorldCollapsesRepeatedMutations(t *testing.T) {
	w := NewWorld(8)
	w.Publish(Set(1, []byte("a")))
	w.Publish(Set(1, []byte("b")), Set(1, []byte("c")), Set(2, []byte("x")), Remove(2))

	sets, ok := w.History().Span(1, 2)
	require.True(t, ok)
	require.Len(t, sets[0], 2)
	assert.Equal(t, Change{ID: 1, Existed: true, Old: []byte("a"), Exists: true, New: []byte("c")}, sets[0][0])
	assert.False(t, sets[0][1].Existed)
	assert.False(t, sets[0][1].Exists)
}

func TestWorldDeltaCumulative(t *testing.T) {
	w := NewWorld(8)
	w.Publish(Set(1, []byte("a")), Set(2, []byte("b")))
	w.Publish(Set(1, []byte("a2")))
	w.Publish(Remove(2), Set(3, []byte("c")))
	w.Publish(Set(3, []byte("c2")), Set(4, []byte("d")))
	w.Publish(Remove(4))

	ops, ok := w.delta(w.load(), 0, nil)
	require.True(t, ok)
	assert.Equal(t, []protocol.EntityOp{
		{Kind: protocol.OpCreate, ID: 1, Data: []byte("a2")},
		{Kind: protocol.OpCreate, ID: 3, Data: []byte("c2")},
	}, ops)

	ops, ok = w.delta(w.load(), 2, nil)
	require.True(t, ok)
	assert.Equal(t, []protocol.EntityOp{
		{Kind: protocol.OpRemove, ID: 2},
		{Kind: protocol.OpCreate, ID: 3, Data: []byte("c2")},
	}, ops)
}

func TestWorldDeltaVisibility(t *testing.T) {
	// Entities are visible while their payload starts with "v".
	vis := Visibility(func(_ protocol.EntityID, data []byte) bool {
		return len(data) > 0 && data[0] == 'v'
	})

	w := NewWorld(8)
	w.Publish(Set(1, []byte("v1")), Set(2, []byte("h2")), Set(3, []byte("v3")))
	base := w.Version()
	w.Publish(Set(1, []byte("h1")), Set(2, []byte("v2")), Set(3, []byte("v3b")))

	ops, ok := w.delta(w.load(), base, vis)
	require.True(t, ok)
	assert.Equal(t, []protocol.EntityOp{
		{Kind: protocol.OpRemove, ID: 1},
		{Kind: protocol.OpCreate, ID: 2, Data: []byte("v2")},
		{Kind: protocol.OpUpdate, ID: 3, Data: []byte("v3b")},
	}, ops)
}

func TestWorldDeltaOutsideWindow(t *testing.T) {
	w := NewWorld(3)
	for i := 0; i < 10; i++ {
		w.Publish(Set(1, []byte{byte(i)}))
	}
	_, ok := w.delta(w.load(), 1, nil)
	assert.False(t, ok)
	_, ok = w.delta(w.load(), 7, nil)
	assert.True(t, ok)
}

// Applying the delta between consecutive versions to the earlier state
// yields the later one, for random workloads.
func TestDeltaApplyProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	w := NewWorld(16)
	states := []State{w.State()}

	for step := 0; step < 200; step++ {
		var muts []Mutation
		for i := 0; i < rng.Intn(6); i++ {
			id := protocol.EntityID(rng.Intn(20))
			if rng.Intn(4) == 0 {
				muts = append(muts, Remove(id))
			} else {
				muts = append(muts, Set(id, []byte(fmt.Sprintf("p%d", rng.Intn(5)))))
			}
		}
		w.Publish(muts...)
		states = append(states, w.State())

		v := w.Version()
		for _, base := range []uint64{v - 1, v - min(v, 5)} {
			ops, ok := w.delta(w.load(), base, nil)
			require.True(t, ok)
			got, err := Apply(states[base], &protocol.Delta{Base: base, Target: v, Ops: ops})
			require.NoError(t, err)
			require.True(t, got.Equal(states[v]), "step %d base %d", step, base)
			require.Equal(t, Diff(states[base], states[v]), ops)
		}
	}
}

func TestWorldConcurrentReaders(t *testing.T) {
	w := NewWorld(4)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			// Two entities always carry the same payload within a version.
			p := []byte{byte(i)}
			w.Publish(Set(1, p), Set(2, p))
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				st := w.State()
				if string(st.Entities[1]) != string(st.Entities[2]) {
					t.Errorf("version %d torn: %v vs %v", st.Version, st.Entities[1], st.Entities[2])
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestApplyRejectsInconsistentDelta(t *testing.T) {
	s := State{Version: 3, Entities: map[protocol.EntityID][]byte{1: []byte("a")}}

	tests := []struct {
		name string
		d    *protocol.Delta
		want error
	}{
		{"wrong_base", &protocol.Delta{Base: 2, Target: 4}, ErrBaseMismatch},
		{"create_existing", &protocol.Delta{Base: 3, Target: 4, Ops: []protocol.EntityOp{{Kind: protocol.OpCreate, ID: 1}}}, ErrInconsistentDelta},
		{"update_missing", &protocol.Delta{Base: 3, Target: 4, Ops: []protocol.EntityOp{{Kind: protocol.OpUpdate, ID: 2}}}, ErrInconsistentDelta},
		{"remove_missing", &protocol.Delta{Base: 3, Target: 4, Ops: []protocol.EntityOp{{Kind: protocol.OpRemove, ID: 2}}}, ErrInconsistentDelta},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Apply(s, tc.d)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, []byte("a"), s.Entities[1], "input state untouched")
		})
	}
}

func TestStateMessageRoundTrip(t *testing.T) {
	s := State{Version: 9, Entities: map[protocol.EntityID][]byte{7: []byte("x"), 2: []byte("y")}}
	snap := s.Message(4)
	assert.Equal(t, uint64(4), snap.Seq)
	assert.Equal(t, []protocol.Entity{{ID: 2, Data: []byte("y")}, {ID: 7, Data: []byte("x")}}, snap.Entities)
	assert.True(t, StateFromSnapshot(snap).Equal(s))
}

func TestWorldEntityIDRange(t *testing.T) {
	w := NewWorld(8)
	w.Publish(Set(1, []byte("a")), Set(protocol.MaxEntityID, []byte("z")))

	ops, ok := w.delta(w.load(), 0, nil)
	require.True(t, ok)
	_, err := protocol.Encode(&protocol.Delta{Seq: 1, Target: w.Version(), Ops: ops})
	require.NoError(t, err)

	_, err = w.TryPublish(Set(2, []byte("b")), Set(protocol.MaxEntityID+1, []byte("x")))
	require.ErrorIs(t, err, ErrEntityIDRange)
	assert.Equal(t, uint64(1), w.Version())
	assert.NotContains(t, w.State().Entities, protocol.EntityID(2))

	assert.Panics(t, func() { w.Publish(Set(protocol.MaxEntityID+1, nil)) })
	assert.Equal(t, uint64(1), w.Version())
}

func TestEmptyPayloadSurvivesEncoding(t *testing.T) {
	w := NewWorld(8)
	w.Publish(Set(1, nil), Set(2, []byte("b")))

	ops, ok := w.delta(w.load(), 0, nil)
	require.True(t, ok)
	data, err := protocol.Encode(&protocol.Delta{Seq: 1, Target: w.Version(), Ops: ops})
	require.NoError(t, err)
	m, err := protocol.Decode(data)
	require.NoError(t, err)

	r := NewReplica(0)
	applied, err := r.Apply(m)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, w.State().Entities, r.State().Entities)

	data, err = protocol.Encode(w.State().Message(2))
	require.NoError(t, err)
	m, err = protocol.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, w.State().Entities, StateFromSnapshot(m.(*protocol.Snapshot)).Entities)
}
