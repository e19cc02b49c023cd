package world

import (
	"sort"

	"entity-scale/server/internal/geom"
)

// EntityState is the on-disk form of a saved entity.
type EntityState struct {
	ID              EntityID  `json:"id"`
	Prefab          string    `json:"prefab"`
	Parent          EntityID  `json:"parent,omitempty"`
	Pos             geom.Vec3 `json:"pos"`
	Rot             geom.Quat `json:"rot"`
	Scale           geom.Vec3 `json:"scale"`
	NativeScale     geom.Vec3 `json:"nativeScale"`
	GlobalBroadcast bool      `json:"globalBroadcast,omitempty"`
}

// Export captures every entity with saving enabled, parents first.
func (w *World) Export() []EntityState {
	entities := w.Entities()
	sort.SliceStable(entities, func(i, j int) bool { return depth(entities[i]) < depth(entities[j]) })
	out := make([]EntityState, 0, len(entities))
	for _, e := range entities {
		if !e.enableSaving {
			continue
		}
		state := EntityState{
			ID:              e.id,
			Prefab:          e.prefab,
			Pos:             e.local.Pos,
			Rot:             e.local.Rot,
			Scale:           e.local.Scale,
			NativeScale:     e.nativeScale,
			GlobalBroadcast: e.globalBroadcast,
		}
		if e.parent != nil {
			state.Parent = e.parent.id
		}
		out = append(out, state)
	}
	return out
}

// Import spawns saved entities, keeping their ids. An entity whose parent
// was not saved is restored at the world root with its saved local
// transform. Entities whose id is already taken are skipped.
func (w *World) Import(states []EntityState) int {
	byID := make(map[EntityID]EntityState, len(states))
	for _, state := range states {
		if state.ID != 0 {
			byID[state.ID] = state
		}
	}
	restored := 0
	visiting := make(map[EntityID]bool)
	var restore func(id EntityID) *Entity
	restore = func(id EntityID) *Entity {
		if e, ok := w.entities[id]; ok {
			return e
		}
		state, ok := byID[id]
		if !ok || visiting[id] {
			return nil
		}
		visiting[id] = true
		var parent *Entity
		if state.Parent != 0 {
			parent = restore(state.Parent)
			if parent == nil {
				w.logger.Printf("[world] entity %d restored without missing parent %d", id, state.Parent)
			}
		}
		e := w.Create(SpawnParams{
			ID:              state.ID,
			Prefab:          state.Prefab,
			Pos:             state.Pos,
			Rot:             state.Rot,
			Scale:           state.Scale,
			Parent:          parent,
			EnableSaving:    true,
			GlobalBroadcast: state.GlobalBroadcast,
		})
		if state.NativeScale.Valid() && state.NativeScale != (geom.Vec3{}) {
			e.nativeScale = state.NativeScale
		}
		w.Spawn(e)
		restored++
		return e
	}

	ids := make([]EntityID, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if _, taken := w.entities[id]; taken {
			continue
		}
		restore(id)
	}
	return restored
}

// Reset destroys every entity. Connections stay subscribed.
func (w *World) Reset() {
	for _, e := range w.Entities() {
		if e.parent == nil {
			w.Destroy(e)
		}
	}
	for _, e := range w.Entities() {
		w.Destroy(e)
	}
	w.pending = make(map[EntityID]struct{})
}
