package statesync

import (
	"sync"

	"github.com/vango-dev/tether/pkg/protocol"
)

// Change records one entity's transition inside a single version.
// Old and New are both kept so that visibility can be evaluated against
// either side of the transition.
type Change struct {
	ID      protocol.EntityID
	Existed bool   // Entity existed before this version
	Old     []byte // Payload before, if Existed
	Exists  bool   // Entity exists after this version
	New     []byte // Payload after, if Exists
}

type changeSet struct {
	version uint64
	changes []Change
}

// History is a thread-safe ring buffer of per-version change sets.
// It keeps the last capacity versions; a version v lives in slot
// v % capacity until v+capacity overwrites it.
//
// The world writes to it under its own lock; synchronizers read from it
// concurrently to build deltas.
type History struct {
	mu         sync.RWMutex
	sets       []*changeSet
	capacity   int
	count      int
	minVersion uint64 // Oldest version still held
	maxVersion uint64 // Newest version held
}

// NewHistory creates a new history ring buffer with the given capacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultRetention
	}
	return &History{
		sets:     make([]*changeSet, capacity),
		capacity: capacity,
	}
}

// Put stores the change set that produced version. Versions must be put in
// increasing order; the slice is retained and must not be modified.
func (h *History) Put(version uint64, changes []Change) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sets[version%uint64(h.capacity)] = &changeSet{version: version, changes: changes}
	if h.count < h.capacity {
		h.count++
	}

	h.maxVersion = version
	if h.count == 1 {
		h.minVersion = version
	} else if version-h.minVersion >= uint64(h.capacity) {
		h.minVersion = version - uint64(h.capacity) + 1
	}
}

// Span returns the change sets for versions (after, upTo], oldest first.
// It reports false if any version in the range is no longer held.
func (h *History) Span(after, upTo uint64) ([][]Change, bool) {
	if upTo <= after {
		return nil, true
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 || after+1 < h.minVersion || upTo > h.maxVersion {
		return nil, false
	}

	out := make([][]Change, 0, upTo-after)
	for v := after + 1; v <= upTo; v++ {
		set := h.sets[v%uint64(h.capacity)]
		if set == nil || set.version != v {
			return nil, false
		}
		out = append(out, set.changes)
	}
	return out, true
}

// Covers reports whether a delta can be built from version base to the
// newest version held.
func (h *History) Covers(base uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 {
		return false
	}
	return base+1 >= h.minVersion && base <= h.maxVersion
}

// MinVersion returns the oldest version held.
func (h *History) MinVersion() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.minVersion
}

// MaxVersion returns the newest version held.
func (h *History) MaxVersion() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.maxVersion
}

// Count returns the number of versions held.
func (h *History) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Capacity returns the retention window.
func (h *History) Capacity() int {
	return h.capacity
}
