// Package dispatch moves decoded messages between connections and the
// sessions that own them.
//
// Each session owns an InboundQueue and an OutboundQueue. The Dispatcher
// maps connection IDs and session IDs to those queues and never blocks:
// inbound overflow drops the oldest message, outbound overflow of the delta
// class collapses into a single resync marker.
//
// # Priorities
//
// Outbound messages are served by class, highest first:
//
//	PriorityControl  handshake replies, heartbeats, control messages
//	PriorityAck      acknowledgments
//	PriorityDelta    deltas and snapshots
//
// Within a class delivery is strictly FIFO.
package dispatch
