package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType identifies the packet kind in the first byte of every packet.
type MessageType uint8

const (
	// MessageEntities carries one entity snapshot.
	MessageEntities MessageType = 5
	// MessageEntityDestroy tells a connection to drop an entity from its view.
	MessageEntityDestroy MessageType = 6
)

// DestroyMode tells the observer how to remove an entity locally.
type DestroyMode uint8

const (
	DestroyModeNone DestroyMode = 0
	DestroyModeGib  DestroyMode = 1
)

// Packet is the decoded form of an outbound packet, used by observers and tests.
type Packet struct {
	Type     MessageType
	Sequence uint32
	Body     []byte
	EntityID uint64
	Mode     DestroyMode
}

// AppendEntities frames an entity snapshot. seq must be the connection's
// freshly incremented entity-update counter.
func AppendEntities(dst []byte, seq uint32, body []byte) []byte {
	dst = append(dst, byte(MessageEntities))
	dst = protowire.AppendVarint(dst, uint64(seq))
	return protowire.AppendBytes(dst, body)
}

// AppendEntityDestroy frames an entity-destroy notification.
func AppendEntityDestroy(dst []byte, entityID uint64, mode DestroyMode) []byte {
	dst = append(dst, byte(MessageEntityDestroy))
	dst = protowire.AppendVarint(dst, entityID)
	return append(dst, byte(mode))
}

// ParsePacket decodes a packet produced by this package.
func ParsePacket(b []byte) (Packet, error) {
	if len(b) == 0 {
		return Packet{}, fmt.Errorf("%w: empty packet", ErrMalformed)
	}
	p := Packet{Type: MessageType(b[0])}
	b = b[1:]
	switch p.Type {
	case MessageEntities:
		seq, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return Packet{}, fmt.Errorf("%w: sequence: %v", ErrMalformed, protowire.ParseError(n))
		}
		body, m := protowire.ConsumeBytes(b[n:])
		if m < 0 {
			return Packet{}, fmt.Errorf("%w: body: %v", ErrMalformed, protowire.ParseError(m))
		}
		p.Sequence = uint32(seq)
		p.Body = append([]byte(nil), body...)
	case MessageEntityDestroy:
		id, n := protowire.ConsumeVarint(b)
		if n < 0 || len(b) < n+1 {
			return Packet{}, fmt.Errorf("%w: destroy payload", ErrMalformed)
		}
		p.EntityID = id
		p.Mode = DestroyMode(b[n])
	default:
		return Packet{}, fmt.Errorf("%w: unknown packet type %d", ErrMalformed, p.Type)
	}
	return p, nil
}

// Entity decodes the body of an Entities packet.
func (p Packet) Entity() (Entity, error) {
	if p.Type != MessageEntities {
		return Entity{}, fmt.Errorf("%w: packet type %d has no entity", ErrMalformed, p.Type)
	}
	return UnmarshalEntity(p.Body)
}
