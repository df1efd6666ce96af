package protocol

// HandshakeStatus represents the result of a handshake.
type HandshakeStatus uint8

const (
	HandshakeOK                         HandshakeStatus = 0x00
	HandshakeInvalidToken               HandshakeStatus = 0x01 // Token expired or malformed
	HandshakeProtocolVersionUnsupported HandshakeStatus = 0x02
	HandshakeServerBusy                 HandshakeStatus = 0x03 // Session limit reached
	HandshakeRateLimited                HandshakeStatus = 0x04 // Too many attempts from this address
	HandshakeInvalidFormat              HandshakeStatus = 0x05 // First message was not a ClientHello
)

// String returns the string representation of the handshake status.
func (hs HandshakeStatus) String() string {
	switch hs {
	case HandshakeOK:
		return "OK"
	case HandshakeInvalidToken:
		return "InvalidToken"
	case HandshakeProtocolVersionUnsupported:
		return "ProtocolVersionUnsupported"
	case HandshakeServerBusy:
		return "ServerBusy"
	case HandshakeRateLimited:
		return "RateLimited"
	case HandshakeInvalidFormat:
		return "InvalidFormat"
	default:
		return "Unknown"
	}
}

// ClientHello is the first message on every connection.
type ClientHello struct {
	Version     Version // Protocol version the client speaks
	Token       string  // Session token to resume; empty for a new session
	LastVersion uint64  // Latest state version the client holds
}

// Tag implements Message.
func (*ClientHello) Tag() Tag { return TagClientHello }

func (ch *ClientHello) encodePayload(e *Encoder) error {
	e.WriteByte(ch.Version.Major)
	e.WriteByte(ch.Version.Minor)
	e.WriteString(ch.Token)
	e.WriteUvarint(ch.LastVersion)
	return nil
}

func decodeClientHello(d *Decoder) (Message, string, error) {
	ch := &ClientHello{}
	var err error

	if ch.Version.Major, err = d.ReadByte(); err != nil {
		return nil, "version", err
	}
	if ch.Version.Minor, err = d.ReadByte(); err != nil {
		return nil, "version", err
	}
	if ch.Token, err = d.ReadString(); err != nil {
		return nil, "token", err
	}
	if ch.LastVersion, err = d.ReadUvarint(); err != nil {
		return nil, "last_version", err
	}
	return ch, "", nil
}

// ServerHello is the server's response to ClientHello.
type ServerHello struct {
	Status          HandshakeStatus // Handshake result
	Token           string          // Session token (new or resumed)
	Baseline        uint64          // Last version acknowledged for this session
	ServerTime      uint64          // Server time in Unix milliseconds
	HeartbeatMillis uint64          // Interval the client should send heartbeats at
}

// Tag implements Message.
func (*ServerHello) Tag() Tag { return TagServerHello }

func (sh *ServerHello) encodePayload(e *Encoder) error {
	e.WriteByte(byte(sh.Status))
	e.WriteString(sh.Token)
	e.WriteUvarint(sh.Baseline)
	e.WriteUvarint(sh.ServerTime)
	e.WriteUvarint(sh.HeartbeatMillis)
	return nil
}

func decodeServerHello(d *Decoder) (Message, string, error) {
	sh := &ServerHello{}

	status, err := d.ReadByte()
	if err != nil {
		return nil, "status", err
	}
	sh.Status = HandshakeStatus(status)

	if sh.Token, err = d.ReadString(); err != nil {
		return nil, "token", err
	}
	if sh.Baseline, err = d.ReadUvarint(); err != nil {
		return nil, "baseline", err
	}
	if sh.ServerTime, err = d.ReadUvarint(); err != nil {
		return nil, "server_time", err
	}
	if sh.HeartbeatMillis, err = d.ReadUvarint(); err != nil {
		return nil, "heartbeat", err
	}
	return sh, "", nil
}

// NewClientHello creates a ClientHello for the current protocol version.
func NewClientHello(token string, lastVersion uint64) *ClientHello {
	return &ClientHello{
		Version:     CurrentVersion,
		Token:       token,
		LastVersion: lastVersion,
	}
}

// NewHandshakeError creates a ServerHello rejecting the handshake.
func NewHandshakeError(status HandshakeStatus) *ServerHello {
	return &ServerHello{Status: status}
}
