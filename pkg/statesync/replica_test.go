package statesync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/tether/pkg/protocol"
)

func create(id protocol.EntityID, data string) protocol.EntityOp {
	return protocol.EntityOp{Kind: protocol.OpCreate, ID: id, Data: []byte(data)}
}

func TestReplicaAppliesDeltaOntoBase(t *testing.T) {
	r := NewReplica(8)
	assert.Equal(t, uint64(0), r.Version())

	applied, err := r.ApplyDelta(&protocol.Delta{Base: 0, Target: 3, Ops: []protocol.EntityOp{create(1, "a")}})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, uint64(3), r.Version())

	// The server has not seen our ack yet, so it builds from 0 again.
	applied, err = r.ApplyDelta(&protocol.Delta{Base: 0, Target: 5, Ops: []protocol.EntityOp{create(1, "b"), create(2, "c")}})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, map[protocol.EntityID][]byte{1: []byte("b"), 2: []byte("c")}, r.State().Entities)
}

func TestReplicaIgnoresStaleDelta(t *testing.T) {
	r := NewReplica(8)
	_, err := r.ApplyDelta(&protocol.Delta{Base: 0, Target: 4, Ops: []protocol.EntityOp{create(1, "a")}})
	require.NoError(t, err)

	for _, target := range []uint64{2, 4} {
		applied, err := r.ApplyDelta(&protocol.Delta{Base: 0, Target: target, Ops: []protocol.EntityOp{create(9, "z")}})
		assert.NoError(t, err)
		assert.False(t, applied)
	}
	assert.Equal(t, uint64(4), r.Version())
	assert.NotContains(t, r.State().Entities, protocol.EntityID(9))
}

func TestReplicaMissingBase(t *testing.T) {
	r := NewReplica(8)
	_, err := r.ApplyDelta(&protocol.Delta{Base: 7, Target: 9})
	assert.ErrorIs(t, err, ErrMissingBase)
	assert.Equal(t, uint64(0), r.Version())
}

func TestReplicaPrunesBelowDeltaBase(t *testing.T) {
	r := NewReplica(8)
	for v := uint64(1); v <= 4; v++ {
		_, err := r.ApplyDelta(&protocol.Delta{Base: v - 1, Target: v})
		require.NoError(t, err)
	}
	assert.Equal(t, []uint64{3, 4}, r.Versions())
}

func TestReplicaDepthLimit(t *testing.T) {
	r := NewReplica(3)
	for v := uint64(1); v <= 6; v++ {
		_, err := r.ApplyDelta(&protocol.Delta{Base: 0, Target: v})
		if v > 3 {
			// Version 0 fell out once the replica held three newer ones.
			assert.ErrorIs(t, err, ErrMissingBase)
			continue
		}
		require.NoError(t, err)
	}
	assert.Equal(t, []uint64{1, 2, 3}, r.Versions())
}

func TestReplicaSnapshot(t *testing.T) {
	r := NewReplica(8)
	_, err := r.ApplyDelta(&protocol.Delta{Base: 0, Target: 5, Ops: []protocol.EntityOp{create(1, "a")}})
	require.NoError(t, err)

	assert.False(t, r.ApplySnapshot(&protocol.Snapshot{Version: 4}), "older snapshot ignored")

	snap := &protocol.Snapshot{Version: 9, Entities: []protocol.Entity{{ID: 2, Data: []byte("b")}}}
	applied, err := r.Apply(snap)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, uint64(9), r.Version())
	assert.Equal(t, map[protocol.EntityID][]byte{2: []byte("b")}, r.State().Entities)

	_, err = r.ApplyDelta(&protocol.Delta{Base: 9, Target: 10, Ops: []protocol.EntityOp{{Kind: protocol.OpRemove, ID: 2}}})
	require.NoError(t, err)
	assert.Empty(t, r.State().Entities)
}

func TestReplicaReset(t *testing.T) {
	r := NewReplica(8)
	r.ApplySnapshot(&protocol.Snapshot{Version: 3})
	r.Reset()
	assert.Equal(t, uint64(0), r.Version())
	assert.Equal(t, []uint64{0}, r.Versions())
}
