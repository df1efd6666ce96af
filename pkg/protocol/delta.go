package protocol

import (
	"errors"
	"fmt"
)

// EntityID identifies an entity in the authoritative world.
// IDs are bounded by MaxEntityID so that ID gaps can share a varint with
// the op kind.
type EntityID uint64

// MaxEntityID is the largest EntityID that can be put on the wire.
const MaxEntityID EntityID = 1<<62 - 1

// OpKind is the kind of change applied to one entity.
type OpKind uint8

const (
	OpCreate OpKind = 0x01 // Entity becomes visible with Data
	OpUpdate OpKind = 0x02 // Visible entity changes to Data
	OpRemove OpKind = 0x03 // Entity stops being visible
)

// String returns the string representation of the op kind.
func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "Create"
	case OpUpdate:
		return "Update"
	case OpRemove:
		return "Remove"
	default:
		return "Unknown"
	}
}

// EntityOp is one change inside a Delta.
type EntityOp struct {
	Kind OpKind
	ID   EntityID
	Data []byte // Empty for OpRemove
}

// Delta carries the changes that turn the state at Base into the state at
// Target. Ops are sorted by strictly increasing ID.
//
// Wire format:
//
//	[Seq: varint][Base: varint][Target-Base: varint][Count: varint]
//	Count × [(IDGap<<2 | Kind): varint][Data: len-prefixed, Create/Update only]
//
// IDGap is the distance from the previous op's ID (the first op is relative
// to zero), which keeps dense ID ranges at one byte per header.
type Delta struct {
	Seq    uint64
	Base   uint64
	Target uint64
	Ops    []EntityOp
}

// Tag implements Message.
func (*Delta) Tag() Tag { return TagDelta }

var errBadOpKind = errors.New("protocol: invalid op kind")
var errUnsortedIDs = errors.New("protocol: entity ids not strictly increasing")

func (dl *Delta) encodePayload(e *Encoder) error {
	if dl.Target < dl.Base {
		return &EncodingError{Tag: TagDelta, Reason: fmt.Sprintf("target %d before base %d", dl.Target, dl.Base)}
	}
	e.WriteUvarint(dl.Seq)
	e.WriteUvarint(dl.Base)
	e.WriteUvarint(dl.Target - dl.Base)
	e.WriteUvarint(uint64(len(dl.Ops)))

	var prev EntityID
	for i, op := range dl.Ops {
		if i > 0 && op.ID <= prev {
			return &EncodingError{Tag: TagDelta, Reason: errUnsortedIDs.Error()}
		}
		gap := uint64(op.ID - prev)
		if gap > uint64(MaxEntityID) {
			return &EncodingError{Tag: TagDelta, Reason: fmt.Sprintf("entity id gap %d too large", gap)}
		}
		switch op.Kind {
		case OpCreate, OpUpdate:
			e.WriteUvarint(gap<<2 | uint64(op.Kind))
			e.WriteLenBytes(op.Data)
		case OpRemove:
			e.WriteUvarint(gap<<2 | uint64(op.Kind))
		default:
			return &EncodingError{Tag: TagDelta, Reason: fmt.Sprintf("op kind %d", op.Kind)}
		}
		prev = op.ID
	}
	return nil
}

func decodeDelta(d *Decoder) (Message, string, error) {
	dl := &Delta{}
	var err error

	if dl.Seq, err = d.ReadUvarint(); err != nil {
		return nil, "seq", err
	}
	if dl.Base, err = d.ReadUvarint(); err != nil {
		return nil, "base", err
	}
	span, err := d.ReadUvarint()
	if err != nil {
		return nil, "target", err
	}
	if dl.Base+span < dl.Base {
		return nil, "target", ErrVarintOverflow
	}
	dl.Target = dl.Base + span

	count, err := d.ReadCollectionCount()
	if err != nil {
		return nil, "ops", err
	}
	if count > 0 {
		dl.Ops = make([]EntityOp, count)
	}

	var prev EntityID
	for i := range dl.Ops {
		header, err := d.ReadUvarint()
		if err != nil {
			return nil, "ops", err
		}
		id, err := nextID(prev, header>>2, i == 0)
		if err != nil {
			return nil, "ops", err
		}
		op := EntityOp{Kind: OpKind(header & 0x03), ID: id}
		switch op.Kind {
		case OpCreate, OpUpdate:
			if op.Data, err = d.ReadLenBytes(); err != nil {
				return nil, "ops", err
			}
		case OpRemove:
		default:
			return nil, "ops", errBadOpKind
		}
		dl.Ops[i] = op
		prev = id
	}
	return dl, "", nil
}

// nextID rebuilds an ID from the previous one and a gap.
// After the first entry the gap must be positive.
func nextID(prev EntityID, gap uint64, first bool) (EntityID, error) {
	if !first && gap == 0 {
		return 0, errUnsortedIDs
	}
	id := prev + EntityID(gap)
	if id < prev {
		return 0, ErrVarintOverflow
	}
	return id, nil
}

// Entity is one entry of a Snapshot.
type Entity struct {
	ID   EntityID
	Data []byte
}

// Snapshot is the full state visible to one session at Version.
// Entities are sorted by strictly increasing ID.
//
// Wire format:
//
//	[Seq: varint][Version: varint][Count: varint]
//	Count × [IDGap: varint][Data: len-prefixed]
type Snapshot struct {
	Seq      uint64
	Version  uint64
	Entities []Entity
}

// Tag implements Message.
func (*Snapshot) Tag() Tag { return TagSnapshot }

func (s *Snapshot) encodePayload(e *Encoder) error {
	e.WriteUvarint(s.Seq)
	e.WriteUvarint(s.Version)
	e.WriteUvarint(uint64(len(s.Entities)))

	var prev EntityID
	for i, ent := range s.Entities {
		if i > 0 && ent.ID <= prev {
			return &EncodingError{Tag: TagSnapshot, Reason: errUnsortedIDs.Error()}
		}
		e.WriteUvarint(uint64(ent.ID - prev))
		e.WriteLenBytes(ent.Data)
		prev = ent.ID
	}
	return nil
}

func decodeSnapshot(d *Decoder) (Message, string, error) {
	s := &Snapshot{}
	var err error

	if s.Seq, err = d.ReadUvarint(); err != nil {
		return nil, "seq", err
	}
	if s.Version, err = d.ReadUvarint(); err != nil {
		return nil, "version", err
	}
	count, err := d.ReadCollectionCount()
	if err != nil {
		return nil, "entities", err
	}
	if count > 0 {
		s.Entities = make([]Entity, count)
	}

	var prev EntityID
	for i := range s.Entities {
		gap, err := d.ReadUvarint()
		if err != nil {
			return nil, "entities", err
		}
		id, err := nextID(prev, gap, i == 0)
		if err != nil {
			return nil, "entities", err
		}
		data, err := d.ReadLenBytes()
		if err != nil {
			return nil, "entities", err
		}
		s.Entities[i] = Entity{ID: id, Data: data}
		prev = id
	}
	return s, "", nil
}
