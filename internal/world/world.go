// Package world is the host side of the scale engine: the entity graph,
// network groups, connected observers and the stock snapshot send path.
// Everything here runs on the loop goroutine.
package world

import (
	"log"
	"math"
	"sort"

	"entity-scale/server/internal/geom"
	"entity-scale/server/internal/telemetry"
)

const (
	metricKeySnapshotsSent = "world_snapshots_sent_total"
	metricKeyDestroysSent  = "world_destroys_sent_total"
	metricKeySendFailures  = "world_send_failures_total"
)

// SnapshotInterceptor may take over sending an entity snapshot to one
// connection. Returning true suppresses the stock send.
type SnapshotInterceptor func(entity *Entity, conn Connection) bool

// World owns all entities, groups and connections.
type World struct {
	cfg         Config
	logger      telemetry.Logger
	metrics     telemetry.Metrics
	entities    map[EntityID]*Entity
	nextID      EntityID
	groups      map[GroupID]*Group
	cellGroups  map[[2]int64]GroupID
	nextGroup   GroupID
	connections map[ConnectionID]Connection
	pending     map[EntityID]struct{}

	interceptors        []SnapshotInterceptor
	destroyListeners    []func(*Entity)
	groupLeftListeners  []func(Connection, []*Entity)
	disconnectListeners []func(ConnectionID)
}

// New constructs an empty world with the global group in place.
func New(cfg Config) *World {
	cfg = cfg.normalized()
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	w := &World{
		cfg:         cfg,
		logger:      logger,
		metrics:     cfg.Metrics,
		entities:    make(map[EntityID]*Entity),
		groups:      make(map[GroupID]*Group),
		cellGroups:  make(map[[2]int64]GroupID),
		nextGroup:   GlobalGroup + 1,
		connections: make(map[ConnectionID]Connection),
		pending:     make(map[EntityID]struct{}),
	}
	w.groups[GlobalGroup] = newGroup(GlobalGroup)
	return w
}

// SupportsNativeScale reports whether snapshots carry a scale field.
func (w *World) SupportsNativeScale() bool { return w.cfg.NativeScale }

// AddSnapshotInterceptor installs a hook on the stock snapshot send path.
func (w *World) AddSnapshotInterceptor(fn SnapshotInterceptor) {
	if fn != nil {
		w.interceptors = append(w.interceptors, fn)
	}
}

// OnDestroy registers a listener fired before an entity is torn down.
func (w *World) OnDestroy(fn func(*Entity)) {
	if fn != nil {
		w.destroyListeners = append(w.destroyListeners, fn)
	}
}

// OnGroupLeft registers a listener fired after a connection leaves a group,
// with the entities it has dropped locally as a result.
func (w *World) OnGroupLeft(fn func(Connection, []*Entity)) {
	if fn != nil {
		w.groupLeftListeners = append(w.groupLeftListeners, fn)
	}
}

// OnDisconnect registers a listener fired when a connection goes away.
func (w *World) OnDisconnect(fn func(ConnectionID)) {
	if fn != nil {
		w.disconnectListeners = append(w.disconnectListeners, fn)
	}
}

// Entity looks up a live entity.
func (w *World) Entity(id EntityID) (*Entity, bool) {
	e, ok := w.entities[id]
	if !ok || e.IsDestroyed() {
		return nil, false
	}
	return e, true
}

// Entities returns every live entity ordered by id.
func (w *World) Entities() []*Entity {
	out := make([]*Entity, 0, len(w.entities))
	for _, e := range w.entities {
		if !e.IsDestroyed() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len reports the number of live entities.
func (w *World) Len() int { return len(w.entities) }

// SpawnParams describes a new entity.
type SpawnParams struct {
	// ID pins the entity id, used when restoring a save. Zero assigns one.
	ID              EntityID
	Prefab          string
	Pos             geom.Vec3
	Rot             geom.Quat
	Scale           geom.Vec3
	Parent          *Entity
	EnableSaving    bool
	GlobalBroadcast bool
}

// Create allocates an entity that is not yet visible to observers. The
// caller configures it and then calls Spawn.
func (w *World) Create(params SpawnParams) *Entity {
	id := params.ID
	if id == 0 {
		w.nextID++
		id = w.nextID
	} else if id > w.nextID {
		w.nextID = id
	}
	rot := params.Rot
	if rot == (geom.Quat{}) {
		rot = geom.IdentityQuat
	}
	scale := params.Scale
	if scale == (geom.Vec3{}) {
		scale = geom.One
	}
	e := &Entity{
		id:              id,
		prefab:          params.Prefab,
		world:           w,
		local:           geom.Transform{Pos: params.Pos, Rot: rot, Scale: scale},
		enableSaving:    params.EnableSaving,
		globalBroadcast: params.GlobalBroadcast,
		nativeScale:     geom.One,
	}
	if params.Parent != nil && !params.Parent.IsDestroyed() {
		e.parent = params.Parent
		params.Parent.children = append(params.Parent.children, e)
	}
	return e
}

// Spawn registers the entity and sends it to every subscriber of its group.
func (w *World) Spawn(e *Entity) {
	if e == nil || e.spawned {
		return
	}
	e.spawned = true
	w.entities[e.id] = e
	w.assignGroup(e)
	w.SendNetworkUpdateImmediate(e)
}

// SpawnEntity is Create followed by Spawn.
func (w *World) SpawnEntity(params SpawnParams) *Entity {
	e := w.Create(params)
	w.Spawn(e)
	return e
}

// ParentOptions controls SetParent.
type ParentOptions struct {
	// KeepWorld recomputes the local transform so the world transform is unchanged.
	KeepWorld bool
	// SendImmediate replicates the change now instead of on the next flush.
	SendImmediate bool
}

// SetParent attaches child under parent. A nil parent moves child to the world root.
func (w *World) SetParent(child, parent *Entity, opts ParentOptions) {
	if child == nil || child.IsDestroyed() {
		return
	}
	if parent != nil && parent.IsDestroyed() {
		parent = nil
	}
	if child.parent == parent {
		return
	}
	if opts.KeepWorld {
		worldTransform := child.WorldTransform()
		if parent == nil {
			child.local = worldTransform
		} else {
			child.local = parent.WorldTransform().Relative(worldTransform)
		}
	}
	if child.parent != nil {
		child.parent.detachChild(child)
	}
	child.parent = parent
	if parent != nil {
		parent.children = append(parent.children, child)
	}
	child.touch()
	if child.spawned {
		w.assignGroup(child)
	}
	if opts.SendImmediate {
		w.SendNetworkUpdateImmediate(child)
	} else {
		w.SendNetworkUpdate(child)
	}
}

// SetGlobalBroadcast toggles global visibility. Turning it off moves the
// entity out of the global group into the group covering its position.
func (w *World) SetGlobalBroadcast(e *Entity, wants bool) {
	if e == nil || e.IsDestroyed() {
		return
	}
	e.globalBroadcast = wants
	e.touch()
	if e.spawned {
		w.assignGroup(e)
		w.SendNetworkUpdate(e)
	}
}

// SetNativeScale writes the native scale attribute.
func (w *World) SetNativeScale(e *Entity, scale geom.Vec3) bool {
	if e == nil || e.IsDestroyed() || e.nativeScale.Equal(scale) {
		return false
	}
	e.nativeScale = scale
	e.touch()
	return true
}

// Destroy tears down an entity and its children. Destroy listeners run
// first and may destroy other entities, including this one again.
func (w *World) Destroy(e *Entity) {
	if e == nil || e.destroyed || e.destroying {
		return
	}
	e.destroying = true
	for _, fn := range w.destroyListeners {
		fn(e)
	}
	for _, child := range e.Children() {
		w.Destroy(child)
	}
	if e.spawned {
		w.broadcastDestroy(e)
	}
	if e.parent != nil {
		e.parent.detachChild(e)
		e.parent = nil
	}
	if group, ok := w.groups[e.group]; ok {
		delete(group.entities, e.id)
	}
	delete(w.entities, e.id)
	delete(w.pending, e.id)
	e.destroyed = true
	e.destroying = false
	e.netCache = nil
}

func (w *World) assignGroup(e *Entity) {
	target := w.groupFor(e)
	if target != e.group || w.groups[target].entities[e.id] == nil {
		if old, ok := w.groups[e.group]; ok {
			delete(old.entities, e.id)
		}
		e.group = target
		w.groups[target].entities[e.id] = e
	}
	for _, child := range e.children {
		if child.spawned {
			w.assignGroup(child)
		}
	}
}

func (w *World) groupFor(e *Entity) GroupID {
	if e.globalBroadcast {
		return GlobalGroup
	}
	if e.parent != nil {
		return e.parent.group
	}
	pos := e.Position()
	cell := [2]int64{
		int64(math.Floor(pos.X / w.cfg.GroupCellSize)),
		int64(math.Floor(pos.Z / w.cfg.GroupCellSize)),
	}
	id, ok := w.cellGroups[cell]
	if !ok {
		id = w.nextGroup
		w.nextGroup++
		w.cellGroups[cell] = id
		w.groups[id] = newGroup(id)
	}
	return id
}
