// Package transport hides the difference between the two supported
// transports behind one Conn interface.
//
// WebSocket connections carry one binary message per frame natively.
// Byte streams (TCP, or a QUIC bidirectional stream) have no message
// boundaries of their own, so each frame is prefixed with its length:
//
//	┌───────────────────────────────┬─────────────────────┐
//	│ Length (4 bytes, big-endian)  │ Frame (Length bytes)│
//	└───────────────────────────────┴─────────────────────┘
//
// Either way, callers see the same sequence of whole frames from
// Receive and hand whole frames to Send.
package transport
