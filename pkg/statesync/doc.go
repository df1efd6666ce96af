// Package statesync keeps the authoritative world state and turns it into
// per-session deltas and snapshots.
//
// The World publishes immutable versions and records what changed in each
// one in a fixed-size History. A Synchronizer, owned by one session, tracks
// the last version that session acknowledged and emits either a Delta from
// that baseline to the current version or, when the baseline has fallen out
// of the history window, a full Snapshot. The receiving side keeps a Replica
// that applies deltas only onto the exact version they were built from.
package statesync
