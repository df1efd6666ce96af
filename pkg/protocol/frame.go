package protocol

import (
	"errors"
	"fmt"
	"io"
)

// EnvelopeHeaderSize is the fixed part of every encoded message:
// tag, major version and minor version.
const EnvelopeHeaderSize = 3

// Tag identifies the kind of message carried by an envelope.
type Tag uint8

const (
	TagClientHello Tag = 0x00 // Client → Server handshake
	TagServerHello Tag = 0x01 // Server → Client handshake reply
	TagDelta       Tag = 0x02 // Server → Client incremental state
	TagSnapshot    Tag = 0x03 // Server → Client full state
	TagAck         Tag = 0x04 // Client → Server applied version
	TagHeartbeat   Tag = 0x05 // Both directions, empty payload
	TagControl     Tag = 0x06 // Close, resync, text, request, error
)

// String returns the string representation of the tag.
func (t Tag) String() string {
	switch t {
	case TagClientHello:
		return "ClientHello"
	case TagServerHello:
		return "ServerHello"
	case TagDelta:
		return "Delta"
	case TagSnapshot:
		return "Snapshot"
	case TagAck:
		return "Ack"
	case TagHeartbeat:
		return "Heartbeat"
	case TagControl:
		return "Control"
	default:
		return fmt.Sprintf("Tag(0x%02x)", uint8(t))
	}
}

// Version is a protocol version as major.minor. Peers with different majors
// cannot talk; a newer minor may only append fields or add message kinds.
type Version struct {
	Major uint8
	Minor uint8
}

// CurrentVersion is the protocol version spoken by this package.
var CurrentVersion = Version{Major: 1, Minor: 0}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Message is one of the wire messages defined in this package.
// The set is closed: only types in this package implement it.
type Message interface {
	Tag() Tag
	encodePayload(e *Encoder) error
}

// Codec encodes and decodes envelopes for a given local protocol version.
//
// Envelope layout:
//
//	┌──────┬───────┬───────┬──────────────────────┬─────────────┐
//	│ Tag  │ Major │ Minor │ Payload length       │ Payload     │
//	│ (1)  │ (1)   │ (1)   │ (uvarint)            │ (variable)  │
//	└──────┴───────┴───────┴──────────────────────┴─────────────┘
//
// Payload bytes left over after the known fields are skipped, so a peer
// on a newer minor version can append fields without breaking us.
type Codec struct {
	// Version is written into every envelope and used to judge peers.
	Version Version

	// MaxPayload bounds the payload length of a single message.
	// Zero means DefaultMaxAllocation.
	MaxPayload int
}

// DefaultCodec speaks CurrentVersion with the default payload limit.
var DefaultCodec = Codec{Version: CurrentVersion}

// Encode encodes m with DefaultCodec.
func Encode(m Message) ([]byte, error) {
	return DefaultCodec.Encode(m)
}

// Decode decodes data with DefaultCodec.
func Decode(data []byte) (Message, error) {
	return DefaultCodec.Decode(data)
}

func (c Codec) maxPayload() int {
	if c.MaxPayload <= 0 {
		return DefaultMaxAllocation
	}
	return c.MaxPayload
}

// Encode serializes m into a self-contained envelope.
// The only possible error is *EncodingError, returned when m violates an
// invariant the caller was supposed to uphold.
func (c Codec) Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, &EncodingError{Reason: "nil message"}
	}
	e := NewEncoder()
	if err := m.encodePayload(e); err != nil {
		return nil, err
	}
	payload := e.Bytes()
	if len(payload) > c.maxPayload() {
		return nil, &EncodingError{
			Tag:    m.Tag(),
			Reason: fmt.Sprintf("payload of %d bytes exceeds limit %d", len(payload), c.maxPayload()),
		}
	}

	out := make([]byte, 0, EnvelopeHeaderSize+UvarintLen(uint64(len(payload)))+len(payload))
	out = append(out, byte(m.Tag()), c.Version.Major, c.Version.Minor)
	out = AppendUvarint(out, uint64(len(payload)))
	return append(out, payload...), nil
}

// Decode parses one envelope. Errors are always *DecodingError; use
// (*DecodingError).Fatal to decide whether the connection must be closed.
func (c Codec) Decode(data []byte) (Message, error) {
	if len(data) < EnvelopeHeaderSize {
		return nil, &DecodingError{Kind: Truncated, Err: io.ErrUnexpectedEOF}
	}
	tag := Tag(data[0])
	peer := Version{Major: data[1], Minor: data[2]}
	if peer.Major != c.Version.Major {
		return nil, &DecodingError{Kind: VersionMismatch, Tag: tag, Peer: peer, Local: c.Version}
	}

	length, n := DecodeUvarint(data[EnvelopeHeaderSize:])
	switch {
	case n == -1:
		return nil, &DecodingError{Kind: Truncated, Tag: tag, Peer: peer, Local: c.Version, Err: io.ErrUnexpectedEOF}
	case n < 0:
		return nil, &DecodingError{Kind: MalformedField, Tag: tag, Peer: peer, Local: c.Version, Field: "length", Err: ErrVarintOverflow}
	}
	if length > uint64(c.maxPayload()) {
		return nil, &DecodingError{Kind: MalformedField, Tag: tag, Peer: peer, Local: c.Version, Field: "length", Err: ErrAllocationTooLarge}
	}
	start := EnvelopeHeaderSize + n
	rest := uint64(len(data) - start)
	if length > rest {
		return nil, &DecodingError{Kind: Truncated, Tag: tag, Peer: peer, Local: c.Version, Err: io.ErrUnexpectedEOF}
	}
	if length < rest {
		return nil, &DecodingError{Kind: MalformedField, Tag: tag, Peer: peer, Local: c.Version, Field: "envelope", Err: ErrTrailingData}
	}

	d := NewDecoder(data[start:])
	m, field, err := decodePayload(tag, d)
	if err != nil {
		return nil, classify(err, tag, field, peer, c.Version)
	}
	// Anything left belongs to fields added by a newer minor version.
	return m, nil
}

// ErrTrailingData is reported when bytes follow the declared payload.
var ErrTrailingData = errors.New("protocol: data after payload")

// errUnknownKind is returned by payload decoders for an unrecognised tag or
// control kind. classify turns it into an UnknownTag DecodingError.
var errUnknownKind = errors.New("protocol: unknown message kind")

func decodePayload(tag Tag, d *Decoder) (Message, string, error) {
	switch tag {
	case TagClientHello:
		return decodeClientHello(d)
	case TagServerHello:
		return decodeServerHello(d)
	case TagDelta:
		return decodeDelta(d)
	case TagSnapshot:
		return decodeSnapshot(d)
	case TagAck:
		return decodeAck(d)
	case TagHeartbeat:
		return &Heartbeat{}, "", nil
	case TagControl:
		return decodeControl(d)
	default:
		return nil, "tag", errUnknownKind
	}
}

func classify(err error, tag Tag, field string, peer, local Version) *DecodingError {
	de := &DecodingError{Tag: tag, Peer: peer, Local: local, Field: field, Err: err}
	switch {
	case errors.Is(err, errUnknownKind):
		de.Kind = UnknownTag
	case errors.Is(err, io.ErrUnexpectedEOF):
		de.Kind = Truncated
	default:
		de.Kind = MalformedField
	}
	return de
}
