package statesync

import (
	"slices"
	"time"

	"github.com/vango-dev/tether/pkg/protocol"
)

// SyncOptions configures a Synchronizer.
type SyncOptions struct {
	// Visibility filters the entities this session sees.
	// Default: nil (everything visible).
	Visibility Visibility

	// RetransmitAfter is how long unacknowledged output waits before it is
	// sent again.
	// Default: 1 second.
	RetransmitAfter time.Duration

	// MaxInFlight bounds the number of sent-but-unacknowledged versions
	// remembered. Acks for versions forgotten beyond it are ignored.
	// Default: 256.
	MaxInFlight int
}

// Synchronizer decides what one session needs to receive next.
//
// It is not safe for concurrent use; the owning session calls it from a
// single goroutine. The World it reads from may be published to
// concurrently.
type Synchronizer struct {
	world   *World
	visible Visibility
	retry   time.Duration
	limit   int

	baseline uint64   // Last version the client acknowledged
	seq      uint64   // Sequence number of the last message produced
	inFlight []uint64 // Versions sent and not yet acknowledged, ascending
	last     uint64   // Newest version sent
	lastSent time.Time

	forced    bool     // Next output must be a snapshot
	resyncing bool     // A snapshot is outstanding; deltas are paused
	snapshots []uint64 // Snapshot versions sent while resyncing
}

// NewSynchronizer creates a synchronizer for a new session with baseline 0.
func NewSynchronizer(world *World, opts SyncOptions) *Synchronizer {
	if opts.RetransmitAfter <= 0 {
		opts.RetransmitAfter = time.Second
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 256
	}
	return &Synchronizer{
		world:   world,
		visible: opts.Visibility,
		retry:   opts.RetransmitAfter,
		limit:   opts.MaxInFlight,
	}
}

// Baseline returns the last acknowledged version.
func (s *Synchronizer) Baseline() uint64 {
	return s.baseline
}

// Resyncing reports whether a snapshot is waiting for acknowledgment.
func (s *Synchronizer) Resyncing() bool {
	return s.resyncing || s.forced
}

// Next returns the message the session should send now, or nil.
//
// While a snapshot is outstanding no deltas are produced; if it stays
// unacknowledged for RetransmitAfter it is replaced by a snapshot of the
// current version. Otherwise a Delta from the baseline to the current
// version is produced when the world has moved past what was last sent, or
// when the last send has gone unacknowledged for RetransmitAfter.
func (s *Synchronizer) Next(now time.Time) protocol.Message {
	v := s.world.load()

	if s.forced {
		return s.snapshot(v, now)
	}
	if s.resyncing {
		if now.Sub(s.lastSent) < s.retry {
			return nil
		}
		return s.snapshot(v, now)
	}
	if v.number <= s.baseline {
		return nil
	}
	if v.number == s.last && now.Sub(s.lastSent) < s.retry {
		return nil
	}

	ops, ok := s.world.delta(v, s.baseline, s.visible)
	if !ok {
		return s.snapshot(v, now)
	}
	s.seq++
	s.sent(v.number, now)
	return &protocol.Delta{Seq: s.seq, Base: s.baseline, Target: v.number, Ops: ops}
}

// Resync returns a snapshot of the current version immediately,
// superseding any outstanding one.
func (s *Synchronizer) Resync(now time.Time) *protocol.Snapshot {
	return s.snapshot(s.world.load(), now)
}

// ForceResync makes the next output a snapshot, e.g. when the client
// reports it cannot apply deltas or queued output had to be discarded.
func (s *Synchronizer) ForceResync() {
	s.forced = true
}

// SetVisibility replaces the visibility filter. Deltas cannot express a
// change of filter, so the session is resynced.
func (s *Synchronizer) SetVisibility(v Visibility) {
	s.visible = v
	s.forced = true
}

// Ack records that the client has fully applied version. It returns false
// and changes nothing if version was never sent or is behind the baseline,
// so the baseline only ever moves forward to versions the client has
// actually received. Acknowledging any snapshot of the current resync ends
// the resync, including one that was superseded.
func (s *Synchronizer) Ack(version uint64) bool {
	if s.resyncing && slices.Contains(s.snapshots, version) && version >= s.baseline {
		s.resyncing = false
		s.snapshots = s.snapshots[:0]
		s.advance(version)
		return true
	}
	if version <= s.baseline {
		return false
	}
	if _, found := slices.BinarySearch(s.inFlight, version); !found {
		return false
	}
	s.advance(version)
	return true
}

func (s *Synchronizer) advance(version uint64) {
	s.baseline = version
	i, found := slices.BinarySearch(s.inFlight, version)
	if found {
		i++
	}
	s.inFlight = slices.Delete(s.inFlight, 0, i)
}

func (s *Synchronizer) snapshot(v *version, now time.Time) *protocol.Snapshot {
	s.forced = false
	s.resyncing = true
	if !slices.Contains(s.snapshots, v.number) {
		s.snapshots = append(s.snapshots, v.number)
	}
	s.seq++
	s.sent(v.number, now)
	return v.state().Filter(s.visible).Message(s.seq)
}

func (s *Synchronizer) sent(version uint64, now time.Time) {
	s.last = version
	s.lastSent = now
	if n := len(s.inFlight); n == 0 || s.inFlight[n-1] < version {
		s.inFlight = append(s.inFlight, version)
	}
	if len(s.inFlight) > s.limit {
		s.inFlight = slices.Delete(s.inFlight, 0, len(s.inFlight)-s.limit)
	}
	if len(s.snapshots) > s.limit {
		s.snapshots = slices.Delete(s.snapshots, 0, len(s.snapshots)-s.limit)
	}
}
