package server

import (
	"errors"
	"fmt"

	"github.com/vango-dev/tether/pkg/protocol"
)

// Sentinel errors for common session and server error conditions.
var (
	// ErrSessionClosed is returned when an operation is attempted on a closed session.
	ErrSessionClosed = errors.New("server: session closed")

	// ErrMaxSessionsReached is returned when the maximum number of sessions is reached.
	ErrMaxSessionsReached = errors.New("server: max sessions reached")

	// ErrTooManySessionsFromIP is returned when an IP already holds its share of sessions.
	ErrTooManySessionsFromIP = errors.New("server: too many sessions from ip")

	// ErrInvalidHandshake is returned when the first message is not a valid ClientHello.
	ErrInvalidHandshake = errors.New("server: invalid handshake")

	// ErrHandshakeTimeout is returned when no ClientHello arrives in time.
	ErrHandshakeTimeout = errors.New("server: handshake timeout")
)

// HandshakeError rejects a ClientHello.
type HandshakeError struct {
	Reason protocol.HandshakeStatus
}

// Error returns the error message.
func (e *HandshakeError) Error() string {
	return fmt.Sprintf("server: handshake rejected: %s", e.Reason)
}

// handshakeStatus maps a BeginSession error to the status sent back.
func handshakeStatus(err error) protocol.HandshakeStatus {
	var he *HandshakeError
	switch {
	case errors.As(err, &he):
		return he.Reason
	case errors.Is(err, ErrMaxSessionsReached):
		return protocol.HandshakeServerBusy
	case errors.Is(err, ErrTooManySessionsFromIP):
		return protocol.HandshakeRateLimited
	default:
		return protocol.HandshakeInvalidFormat
	}
}
