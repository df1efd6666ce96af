package protocol

import "fmt"

// DecodeErrorKind classifies a decoding failure.
type DecodeErrorKind uint8

const (
	Truncated       DecodeErrorKind = iota + 1 // Fewer bytes than the fields require
	UnknownTag                                 // Tag or control kind we do not know
	VersionMismatch                            // Peer speaks a different major version
	MalformedField                             // A field holds an impossible value
)

// String returns the string representation of the kind.
func (k DecodeErrorKind) String() string {
	switch k {
	case Truncated:
		return "Truncated"
	case UnknownTag:
		return "UnknownTag"
	case VersionMismatch:
		return "VersionMismatch"
	case MalformedField:
		return "MalformedField"
	default:
		return "Unknown"
	}
}

// DecodingError describes why an inbound message could not be decoded.
type DecodingError struct {
	Kind  DecodeErrorKind
	Tag   Tag
	Field string  // Offending field, if known
	Peer  Version // Version found in the envelope
	Local Version // Version of the decoding codec
	Err   error
}

func (e *DecodingError) Error() string {
	msg := fmt.Sprintf("protocol: decode %s: %s", e.Tag, e.Kind)
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Kind == VersionMismatch {
		msg += fmt.Sprintf(" (peer %s, local %s)", e.Peer, e.Local)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodingError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the connection that produced the message must be
// closed. A truncated or malformed message is dropped on its own. An unknown
// kind is tolerated only from a peer on a newer minor version.
func (e *DecodingError) Fatal() bool {
	switch e.Kind {
	case VersionMismatch:
		return true
	case UnknownTag:
		return e.Peer.Minor <= e.Local.Minor
	default:
		return false
	}
}

// EncodingError reports a message that violates an encoding invariant,
// such as unsorted entity ops or an oversized payload. Well-formed messages
// never produce it.
type EncodingError struct {
	Tag    Tag
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("protocol: encode %s: %s", e.Tag, e.Reason)
}
