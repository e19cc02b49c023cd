package world

import (
	"entity-scale/server/internal/geom"
)

// EntityID is the stable handle the world assigns to an entity.
type EntityID uint64

// Entity is a networked object with a transform and an optional parent.
// Entities are only touched from the world's owning goroutine.
type Entity struct {
	id       EntityID
	prefab   string
	world    *World
	parent   *Entity
	children []*Entity
	local    geom.Transform
	group    GroupID

	enableSaving    bool
	globalBroadcast bool
	nativeScale     geom.Vec3

	spawned    bool
	destroying bool
	destroyed  bool

	revision    uint64
	netCache    []byte
	netCacheRev uint64
}

func (e *Entity) ID() EntityID {
	if e == nil {
		return 0
	}
	return e.id
}

func (e *Entity) Prefab() string { return e.prefab }

// Parent returns the entity this one is attached to, or nil at world root.
func (e *Entity) Parent() *Entity {
	if e == nil {
		return nil
	}
	return e.parent
}

// Children returns a copy of the attached children.
func (e *Entity) Children() []*Entity {
	return append([]*Entity(nil), e.children...)
}

func (e *Entity) LocalPosition() geom.Vec3 { return e.local.Pos }

func (e *Entity) LocalRotation() geom.Quat { return e.local.Rot }

func (e *Entity) LocalScale() geom.Vec3 { return e.local.Scale }

// LocalTransform returns the transform relative to the parent.
func (e *Entity) LocalTransform() geom.Transform { return e.local }

// SetLocalPosition moves the entity relative to its parent. Callers must
// follow up with a network update for observers to see it.
func (e *Entity) SetLocalPosition(p geom.Vec3) {
	e.local.Pos = p
	e.touch()
}

func (e *Entity) SetLocalRotation(q geom.Quat) {
	e.local.Rot = q
	e.touch()
}

func (e *Entity) SetLocalScale(s geom.Vec3) {
	e.local.Scale = s
	e.touch()
}

// WorldTransform composes the parent chain.
func (e *Entity) WorldTransform() geom.Transform {
	if e.parent == nil {
		return e.local
	}
	return e.parent.WorldTransform().Apply(e.local)
}

// Position is the world-space position.
func (e *Entity) Position() geom.Vec3 { return e.WorldTransform().Pos }

// Rotation is the world-space rotation.
func (e *Entity) Rotation() geom.Quat { return e.WorldTransform().Rot }

func (e *Entity) EnableSaving() bool { return e.enableSaving }

func (e *Entity) SetEnableSaving(enabled bool) {
	e.enableSaving = enabled
	e.touch()
}

func (e *Entity) GlobalBroadcast() bool { return e.globalBroadcast }

// Group is the network group observers subscribe to in order to see the entity.
func (e *Entity) Group() GroupID { return e.group }

// NativeScale is the scale carried by the native snapshot field.
func (e *Entity) NativeScale() geom.Vec3 { return e.nativeScale }

func (e *Entity) Spawned() bool { return e.spawned }

// IsDestroyed reports true once destruction has started, so callbacks fired
// during teardown already observe the entity as gone.
func (e *Entity) IsDestroyed() bool {
	return e == nil || e.destroyed || e.destroying
}

// Revision increments whenever a saved field changes.
func (e *Entity) Revision() uint64 { return e.revision }

// HasNetworkCache reports whether the host still holds a serialized copy
// that matches the current revision.
func (e *Entity) HasNetworkCache() bool {
	return e.netCache != nil && e.netCacheRev == e.revision
}

func (e *Entity) touch() {
	e.revision++
	e.netCache = nil
}

func (e *Entity) root() *Entity {
	root := e
	for root.parent != nil {
		root = root.parent
	}
	return root
}

func (e *Entity) detachChild(child *Entity) {
	for i, candidate := range e.children {
		if candidate == child {
			e.children = append(e.children[:i], e.children[i+1:]...)
			return
		}
	}
}
