package scale

import (
	"entity-scale/server/internal/geom"
	"entity-scale/server/internal/world"
)

// CarrierPrefab is the prefab spawned to carry a scale through snapshots
// that have no scale field.
const CarrierPrefab = "assets/prefabs/visualization/sphere.prefab"

// Carriers creates and removes the carrier entities parented above scaled
// entities.
type Carriers struct {
	world *world.World
	sched Scheduler
}

func NewCarriers(w *world.World, s Scheduler) *Carriers {
	return &Carriers{world: w, sched: s}
}

// IsCarrier reports whether e was spawned from the carrier prefab.
func IsCarrier(e *world.Entity) bool {
	return e != nil && !e.IsDestroyed() && e.Prefab() == CarrierPrefab
}

// CarrierOf returns the carrier directly above target, or nil.
func (c *Carriers) CarrierOf(target *world.Entity) *world.Entity {
	if target == nil || target.IsDestroyed() {
		return nil
	}
	if parent := target.Parent(); IsCarrier(parent) {
		return parent
	}
	return nil
}

// Materialize spawns a carrier where target sits and moves target under it.
func (c *Carriers) Materialize(target *world.Entity, scale geom.Vec3) *world.Entity {
	if target == nil || target.IsDestroyed() {
		return nil
	}
	carrier := c.world.Create(world.SpawnParams{
		Prefab:          CarrierPrefab,
		Pos:             target.LocalPosition(),
		Rot:             geom.IdentityQuat,
		Scale:           scale,
		Parent:          target.Parent(),
		EnableSaving:    target.EnableSaving(),
		GlobalBroadcast: target.GlobalBroadcast(),
	})
	c.world.Spawn(carrier)

	target.SetLocalPosition(geom.Zero)
	c.world.SetParent(target, carrier, world.ParentOptions{SendImmediate: true})
	return carrier
}

// Refresh copies the persistence and broadcast flags of target onto its
// carrier. Saves written before the flags were mirrored need this.
func (c *Carriers) Refresh(carrier, target *world.Entity) {
	if carrier == nil || carrier.IsDestroyed() || target == nil || target.IsDestroyed() {
		return
	}
	if carrier.EnableSaving() != target.EnableSaving() {
		carrier.SetEnableSaving(target.EnableSaving())
	}
	if carrier.GlobalBroadcast() != target.GlobalBroadcast() {
		c.world.SetGlobalBroadcast(carrier, target.GlobalBroadcast())
	}
}

// Resize reports whether the carrier's scale changed.
func (c *Carriers) Resize(carrier *world.Entity, scale geom.Vec3) bool {
	if carrier == nil || carrier.IsDestroyed() || carrier.LocalScale().Equal(scale) {
		return false
	}
	carrier.SetLocalScale(scale)
	return true
}

// Dissolve moves target up to its carrier's parent without changing its
// world position, destroys the carrier and returns the carrier's scale.
// Without a carrier it returns the identity scale and false.
func (c *Carriers) Dissolve(target *world.Entity) (geom.Vec3, bool) {
	carrier := c.CarrierOf(target)
	if carrier == nil {
		return geom.One, false
	}
	magnitude := carrier.LocalScale()
	target.SetLocalScale(target.LocalScale().Div(magnitude))
	c.world.SetParent(target, carrier.Parent(), world.ParentOptions{KeepWorld: true, SendImmediate: true})
	c.world.Destroy(carrier)
	return magnitude, true
}

// DestroyDeferred destroys carrier on the next tick. Used from inside the
// target's own teardown, where destroying the parent synchronously is unsafe.
func (c *Carriers) DestroyDeferred(carrier *world.Entity) {
	if carrier == nil || carrier.IsDestroyed() {
		return
	}
	c.sched.NextTick(func() {
		if !carrier.IsDestroyed() {
			c.world.Destroy(carrier)
		}
	})
}
