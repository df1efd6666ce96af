package protocol

// Ack is sent by the client after it has fully applied a Delta or Snapshot.
// It lets the server advance the session baseline and drop history the
// client no longer needs.
type Ack struct {
	Version uint64 // Highest version fully applied
	Seq     uint64 // Sequence number of the message that produced it
}

// Tag implements Message.
func (*Ack) Tag() Tag { return TagAck }

func (a *Ack) encodePayload(e *Encoder) error {
	e.WriteUvarint(a.Version)
	e.WriteUvarint(a.Seq)
	return nil
}

func decodeAck(d *Decoder) (Message, string, error) {
	version, err := d.ReadUvarint()
	if err != nil {
		return nil, "version", err
	}
	seq, err := d.ReadUvarint()
	if err != nil {
		return nil, "seq", err
	}
	return &Ack{Version: version, Seq: seq}, "", nil
}

// Heartbeat keeps a connection alive. It has an empty payload and is sent in
// both directions.
type Heartbeat struct{}

// Tag implements Message.
func (*Heartbeat) Tag() Tag { return TagHeartbeat }

func (*Heartbeat) encodePayload(*Encoder) error { return nil }
