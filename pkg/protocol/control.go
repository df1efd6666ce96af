package protocol

import "fmt"

// ControlType identifies the type of control message.
type ControlType uint8

const (
	ControlClose         ControlType = 0x01 // Orderly close of the session
	ControlResyncRequest ControlType = 0x02 // Client asks for a full snapshot
	ControlText          ControlType = 0x03 // Chat-like text on a named channel
	ControlRequest       ControlType = 0x04 // Opaque application request
	ControlError         ControlType = 0x05 // Error report
)

// String returns the string representation of the control type.
func (ct ControlType) String() string {
	switch ct {
	case ControlClose:
		return "Close"
	case ControlResyncRequest:
		return "ResyncRequest"
	case ControlText:
		return "Text"
	case ControlRequest:
		return "Request"
	case ControlError:
		return "Error"
	default:
		return fmt.Sprintf("Control(0x%02x)", uint8(ct))
	}
}

// Control is implemented by every message carried under TagControl.
type Control interface {
	Message
	ControlType() ControlType
}

// CloseReason indicates why a session is being closed.
type CloseReason uint8

const (
	CloseNormal         CloseReason = 0x00 // Normal closure
	CloseGoingAway      CloseReason = 0x01 // Client/server going away
	CloseSessionExpired CloseReason = 0x02 // Session expired
	CloseServerShutdown CloseReason = 0x03 // Server shutting down
	CloseError          CloseReason = 0x04 // Error occurred
)

// String returns the string representation of the close reason.
func (cr CloseReason) String() string {
	switch cr {
	case CloseNormal:
		return "Normal"
	case CloseGoingAway:
		return "GoingAway"
	case CloseSessionExpired:
		return "SessionExpired"
	case CloseServerShutdown:
		return "ServerShutdown"
	case CloseError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Close ends the session without a grace period.
type Close struct {
	Reason  CloseReason
	Message string
}

// ResyncRequest asks the server for a full snapshot, e.g. after the client
// failed to apply a delta.
type ResyncRequest struct {
	Version uint64 // Version the client currently holds
}

// Text is a chat-like payload. Outbound text passes the moderation filter.
type Text struct {
	Channel string
	Body    string
}

// Request is an opaque application payload handed to the server's handler.
type Request struct {
	Data []byte
}

func (*Close) Tag() Tag         { return TagControl }
func (*ResyncRequest) Tag() Tag { return TagControl }
func (*Text) Tag() Tag          { return TagControl }
func (*Request) Tag() Tag       { return TagControl }
func (*ErrorMessage) Tag() Tag  { return TagControl }

func (*Close) ControlType() ControlType         { return ControlClose }
func (*ResyncRequest) ControlType() ControlType { return ControlResyncRequest }
func (*Text) ControlType() ControlType          { return ControlText }
func (*Request) ControlType() ControlType       { return ControlRequest }
func (*ErrorMessage) ControlType() ControlType  { return ControlError }

func (c *Close) encodePayload(e *Encoder) error {
	e.WriteByte(byte(ControlClose))
	e.WriteByte(byte(c.Reason))
	e.WriteString(c.Message)
	return nil
}

func (r *ResyncRequest) encodePayload(e *Encoder) error {
	e.WriteByte(byte(ControlResyncRequest))
	e.WriteUvarint(r.Version)
	return nil
}

func (t *Text) encodePayload(e *Encoder) error {
	e.WriteByte(byte(ControlText))
	e.WriteString(t.Channel)
	e.WriteString(t.Body)
	return nil
}

func (r *Request) encodePayload(e *Encoder) error {
	e.WriteByte(byte(ControlRequest))
	e.WriteLenBytes(r.Data)
	return nil
}

func (em *ErrorMessage) encodePayload(e *Encoder) error {
	e.WriteByte(byte(ControlError))
	e.WriteUvarint(uint64(em.Code))
	e.WriteString(em.Message)
	e.WriteBool(em.Fatal)
	return nil
}

func decodeControl(d *Decoder) (Message, string, error) {
	b, err := d.ReadByte()
	if err != nil {
		return nil, "control", err
	}

	switch ControlType(b) {
	case ControlClose:
		reason, err := d.ReadByte()
		if err != nil {
			return nil, "reason", err
		}
		msg, err := d.ReadString()
		if err != nil {
			return nil, "message", err
		}
		return &Close{Reason: CloseReason(reason), Message: msg}, "", nil

	case ControlResyncRequest:
		v, err := d.ReadUvarint()
		if err != nil {
			return nil, "version", err
		}
		return &ResyncRequest{Version: v}, "", nil

	case ControlText:
		channel, err := d.ReadString()
		if err != nil {
			return nil, "channel", err
		}
		body, err := d.ReadString()
		if err != nil {
			return nil, "body", err
		}
		return &Text{Channel: channel, Body: body}, "", nil

	case ControlRequest:
		data, err := d.ReadLenBytes()
		if err != nil {
			return nil, "data", err
		}
		return &Request{Data: data}, "", nil

	case ControlError:
		code, err := d.ReadUvarint()
		if err != nil {
			return nil, "code", err
		}
		if code > 0xFFFF {
			return nil, "code", fmt.Errorf("protocol: error code %d out of range", code)
		}
		msg, err := d.ReadString()
		if err != nil {
			return nil, "message", err
		}
		fatal, err := d.ReadBool()
		if err != nil {
			return nil, "fatal", err
		}
		return &ErrorMessage{Code: ErrorCode(code), Message: msg, Fatal: fatal}, "", nil

	default:
		return nil, "control", errUnknownKind
	}
}
