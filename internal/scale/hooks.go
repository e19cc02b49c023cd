package scale

import (
	"entity-scale/server/internal/geom"
	"entity-scale/server/internal/world"
)

// Veto is consulted before a scale is applied. Returning false blocks it.
type Veto func(entity *world.Entity, scale geom.Vec3) bool

// Notify observes a scale after it was applied.
type Notify func(entity *world.Entity, scale geom.Vec3)

// Hooks holds the extension points external code registers with the
// coordinator.
type Hooks struct {
	vetoes    []Veto
	notifiers []Notify
}

func (h *Hooks) OnBeforeScale(fn Veto) {
	if fn != nil {
		h.vetoes = append(h.vetoes, fn)
	}
}

func (h *Hooks) OnScaled(fn Notify) {
	if fn != nil {
		h.notifiers = append(h.notifiers, fn)
	}
}

func (h *Hooks) allow(entity *world.Entity, scale geom.Vec3) bool {
	for _, veto := range h.vetoes {
		if !veto(entity, scale) {
			return false
		}
	}
	return true
}

func (h *Hooks) notify(entity *world.Entity, scale geom.Vec3) {
	for _, fn := range h.notifiers {
		fn(entity, scale)
	}
}
