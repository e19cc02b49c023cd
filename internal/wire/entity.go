// Package wire defines the snapshot representation entities are saved into
// and the packets that carry snapshots to connections. Snapshots use the
// protobuf wire format so observers can decode them with any protobuf reader.
package wire

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"entity-scale/server/internal/geom"
)

// ErrMalformed reports a snapshot or packet that cannot be decoded.
var ErrMalformed = errors.New("wire: malformed message")

// Entity is the saved form of an entity as sent to one connection.
type Entity struct {
	ID              uint64
	Prefab          string
	Parent          *Parent
	Pos             geom.Vec3
	Rot             geom.Vec3
	Scale           *geom.Vec3
	Flags           uint32
	GlobalBroadcast bool
}

// Parent references the entity an entity is attached to.
type Parent struct {
	UID  uint64
	Bone uint32
}

const (
	fieldEntityID        protowire.Number = 1
	fieldEntityPrefab    protowire.Number = 2
	fieldEntityParent    protowire.Number = 3
	fieldEntityBase      protowire.Number = 4
	fieldEntityScale     protowire.Number = 5
	fieldEntityBroadcast protowire.Number = 6

	fieldParentUID  protowire.Number = 1
	fieldParentBone protowire.Number = 2

	fieldBasePos   protowire.Number = 1
	fieldBaseRot   protowire.Number = 2
	fieldBaseFlags protowire.Number = 3

	fieldVecX protowire.Number = 1
	fieldVecY protowire.Number = 2
	fieldVecZ protowire.Number = 3
)

// Clone returns a deep copy so patches never leak into the source.
func (e Entity) Clone() Entity {
	cloned := e
	if e.Parent != nil {
		parent := *e.Parent
		cloned.Parent = &parent
	}
	if e.Scale != nil {
		scale := *e.Scale
		cloned.Scale = &scale
	}
	return cloned
}

// AppendEntity appends the encoded snapshot to dst.
func AppendEntity(dst []byte, e Entity) []byte {
	dst = protowire.AppendTag(dst, fieldEntityID, protowire.VarintType)
	dst = protowire.AppendVarint(dst, e.ID)
	if e.Prefab != "" {
		dst = protowire.AppendTag(dst, fieldEntityPrefab, protowire.BytesType)
		dst = protowire.AppendString(dst, e.Prefab)
	}
	if e.Parent != nil {
		var parent []byte
		parent = protowire.AppendTag(parent, fieldParentUID, protowire.VarintType)
		parent = protowire.AppendVarint(parent, e.Parent.UID)
		if e.Parent.Bone != 0 {
			parent = protowire.AppendTag(parent, fieldParentBone, protowire.VarintType)
			parent = protowire.AppendVarint(parent, uint64(e.Parent.Bone))
		}
		dst = protowire.AppendTag(dst, fieldEntityParent, protowire.BytesType)
		dst = protowire.AppendBytes(dst, parent)
	}

	var base []byte
	base = protowire.AppendTag(base, fieldBasePos, protowire.BytesType)
	base = protowire.AppendBytes(base, appendVec(nil, e.Pos))
	base = protowire.AppendTag(base, fieldBaseRot, protowire.BytesType)
	base = protowire.AppendBytes(base, appendVec(nil, e.Rot))
	if e.Flags != 0 {
		base = protowire.AppendTag(base, fieldBaseFlags, protowire.VarintType)
		base = protowire.AppendVarint(base, uint64(e.Flags))
	}
	dst = protowire.AppendTag(dst, fieldEntityBase, protowire.BytesType)
	dst = protowire.AppendBytes(dst, base)

	if e.Scale != nil {
		dst = protowire.AppendTag(dst, fieldEntityScale, protowire.BytesType)
		dst = protowire.AppendBytes(dst, appendVec(nil, *e.Scale))
	}
	if e.GlobalBroadcast {
		dst = protowire.AppendTag(dst, fieldEntityBroadcast, protowire.VarintType)
		dst = protowire.AppendVarint(dst, protowire.EncodeBool(true))
	}
	return dst
}

// MarshalEntity encodes a snapshot into a fresh buffer.
func MarshalEntity(e Entity) []byte {
	return AppendEntity(make([]byte, 0, 64), e)
}

// UnmarshalEntity decodes a snapshot produced by AppendEntity.
func UnmarshalEntity(b []byte) (Entity, error) {
	var e Entity
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldEntityID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.ID = v
			return n, nil
		case num == fieldEntityPrefab && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			e.Prefab = v
			return n, nil
		case num == fieldEntityParent && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			parent, err := unmarshalParent(v)
			if err != nil {
				return 0, err
			}
			e.Parent = &parent
			return n, nil
		case num == fieldEntityBase && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			if err := unmarshalBase(v, &e); err != nil {
				return 0, err
			}
			return n, nil
		case num == fieldEntityScale && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			scale, err := unmarshalVec(v)
			if err != nil {
				return 0, err
			}
			e.Scale = &scale
			return n, nil
		case num == fieldEntityBroadcast && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.GlobalBroadcast = protowire.DecodeBool(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return Entity{}, err
	}
	return e, nil
}

func unmarshalParent(b []byte) (Parent, error) {
	var p Parent
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.VarintType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeVarint(b)
		switch num {
		case fieldParentUID:
			p.UID = v
		case fieldParentBone:
			p.Bone = uint32(v)
		}
		return n, nil
	})
	return p, err
}

func unmarshalBase(b []byte, e *Entity) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case (num == fieldBasePos || num == fieldBaseRot) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			vec, err := unmarshalVec(v)
			if err != nil {
				return 0, err
			}
			if num == fieldBasePos {
				e.Pos = vec
			} else {
				e.Rot = vec
			}
			return n, nil
		case num == fieldBaseFlags && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Flags = uint32(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func appendVec(dst []byte, v geom.Vec3) []byte {
	dst = protowire.AppendTag(dst, fieldVecX, protowire.Fixed64Type)
	dst = protowire.AppendFixed64(dst, math.Float64bits(v.X))
	dst = protowire.AppendTag(dst, fieldVecY, protowire.Fixed64Type)
	dst = protowire.AppendFixed64(dst, math.Float64bits(v.Y))
	dst = protowire.AppendTag(dst, fieldVecZ, protowire.Fixed64Type)
	dst = protowire.AppendFixed64(dst, math.Float64bits(v.Z))
	return dst
}

func unmarshalVec(b []byte) (geom.Vec3, error) {
	var v geom.Vec3
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.Fixed64Type {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		bits, n := protowire.ConsumeFixed64(b)
		switch num {
		case fieldVecX:
			v.X = math.Float64frombits(bits)
		case fieldVecY:
			v.Y = math.Float64frombits(bits)
		case fieldVecZ:
			v.Z = math.Float64frombits(bits)
		}
		return n, nil
	})
	return v, err
}

func consumeFields(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
