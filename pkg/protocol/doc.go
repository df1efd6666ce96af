// Package protocol implements the binary wire format spoken between the
// state-sync server and its clients.
//
// The format is optimized for small messages and fast encoding: no
// reflection, varints for counters, versions and entity IDs, and
// length-prefixed byte strings for opaque entity payloads.
//
// # Envelope
//
// Every message is wrapped in an envelope that names its kind and the
// protocol version of the sender:
//
//	┌──────┬───────┬───────┬──────────────────────┬─────────────┐
//	│ Tag  │ Major │ Minor │ Payload length       │ Payload     │
//	│ (1)  │ (1)   │ (1)   │ (uvarint)            │ (variable)  │
//	└──────┴───────┴───────┴──────────────────────┴─────────────┘
//
// A different major version is fatal. A newer minor version may append
// fields to a payload (they are skipped) or introduce new tags and control
// kinds (those messages are dropped without closing the connection).
//
// # Messages
//
//   - ClientHello / ServerHello: handshake, session token, baseline
//   - Delta: changes from a base version to a target version
//   - Snapshot: the full visible state at one version
//   - Ack: highest version the client has fully applied
//   - Heartbeat: empty keep-alive, both directions
//   - Control: Close, ResyncRequest, Text, Request, ErrorMessage
//
// # Handshake
//
//	Client                          Server
//	  │                                │
//	  │──── ClientHello ─────────────>│
//	  │     (version, token, last)    │
//	  │                                │
//	  │<──── ServerHello ─────────────│
//	  │     (status, token, baseline) │
//	  │                                │
//
// # Errors
//
// Decode returns *DecodingError; its Fatal method tells the caller whether
// to drop the message or close the connection. Encode only fails with
// *EncodingError when a message breaks an invariant such as sorted entity
// IDs.
package protocol
