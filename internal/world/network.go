package world

import (
	"sort"

	"entity-scale/server/internal/wire"
)

// ConnectionID identifies a connected observer.
type ConnectionID uint64

// Connection is a remote observer session.
type Connection interface {
	ID() ConnectionID
	// NextEntityUpdate increments and returns the per-connection sequence
	// number stamped on every entity snapshot packet.
	NextEntityUpdate() uint32
	Send(packet []byte) error
}

// GroupID identifies a network group. Group zero is global.
type GroupID uint32

// GlobalGroup holds globally broadcast entities; every connection subscribes to it.
const GlobalGroup GroupID = 0

// Group is a partition of entities visible to the connections subscribed to it.
type Group struct {
	ID          GroupID
	entities    map[EntityID]*Entity
	subscribers map[ConnectionID]Connection
}

func newGroup(id GroupID) *Group {
	return &Group{
		ID:          id,
		entities:    make(map[EntityID]*Entity),
		subscribers: make(map[ConnectionID]Connection),
	}
}

// Entities returns the group's live entities ordered so parents precede children.
func (g *Group) Entities() []*Entity {
	out := make([]*Entity, 0, len(g.entities))
	for _, e := range g.entities {
		if !e.IsDestroyed() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := depth(out[i]), depth(out[j])
		if di != dj {
			return di < dj
		}
		return out[i].id < out[j].id
	})
	return out
}

// Subscribers returns the group's connections ordered by id.
func (g *Group) Subscribers() []Connection {
	out := make([]Connection, 0, len(g.subscribers))
	for _, conn := range g.subscribers {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func depth(e *Entity) int {
	d := 0
	for p := e.parent; p != nil; p = p.parent {
		d++
	}
	return d
}

// Group returns a group by id.
func (w *World) Group(id GroupID) (*Group, bool) {
	g, ok := w.groups[id]
	return g, ok
}

// Subscribers returns the connections that can currently see e.
func (w *World) Subscribers(e *Entity) []Connection {
	if e == nil {
		return nil
	}
	g, ok := w.groups[e.group]
	if !ok {
		return nil
	}
	return g.Subscribers()
}

// Connect registers a connection and subscribes it to the global group.
func (w *World) Connect(conn Connection) {
	if conn == nil {
		return
	}
	w.connections[conn.ID()] = conn
	w.Subscribe(conn, GlobalGroup)
}

// Connection looks up a registered connection.
func (w *World) Connection(id ConnectionID) (Connection, bool) {
	conn, ok := w.connections[id]
	return conn, ok
}

// Subscribe adds conn to a group and sends it every entity in the group.
func (w *World) Subscribe(conn Connection, id GroupID) bool {
	if conn == nil {
		return false
	}
	if _, ok := w.connections[conn.ID()]; !ok {
		w.connections[conn.ID()] = conn
	}
	g, ok := w.groups[id]
	if !ok {
		g = newGroup(id)
		w.groups[id] = g
	}
	if _, already := g.subscribers[conn.ID()]; already {
		return false
	}
	g.subscribers[conn.ID()] = conn
	for _, e := range g.Entities() {
		w.SendSnapshot(e, conn)
	}
	return true
}

// Unsubscribe removes conn from a group. The observer drops every entity
// of that group locally, so group-left listeners are told which ones.
func (w *World) Unsubscribe(conn Connection, id GroupID) bool {
	if conn == nil {
		return false
	}
	g, ok := w.groups[id]
	if !ok {
		return false
	}
	if _, subscribed := g.subscribers[conn.ID()]; !subscribed {
		return false
	}
	delete(g.subscribers, conn.ID())
	entities := g.Entities()
	for _, fn := range w.groupLeftListeners {
		fn(conn, entities)
	}
	return true
}

// Disconnect drops the connection from every group.
func (w *World) Disconnect(id ConnectionID) {
	if _, ok := w.connections[id]; !ok {
		return
	}
	delete(w.connections, id)
	for _, g := range w.groups {
		delete(g.subscribers, id)
	}
	for _, fn := range w.disconnectListeners {
		fn(id)
	}
}

// Save builds the snapshot of e as the host serializes it for a connection.
func (w *World) Save(e *Entity, forConn Connection) wire.Entity {
	snapshot := wire.Entity{
		ID:              uint64(e.id),
		Prefab:          e.prefab,
		Pos:             e.local.Pos,
		Rot:             e.local.Rot.Euler(),
		GlobalBroadcast: e.globalBroadcast,
	}
	if e.parent != nil {
		snapshot.Parent = &wire.Parent{UID: uint64(e.parent.id)}
	}
	if e.enableSaving {
		snapshot.Flags |= FlagEnableSaving
	}
	if w.cfg.NativeScale && !e.nativeScale.IsIdentityScale() {
		scale := e.nativeScale
		snapshot.Scale = &scale
	}
	return snapshot
}

// FlagEnableSaving marks entities persisted by the host.
const FlagEnableSaving uint32 = 1 << 0

// SendSnapshot delivers e to one connection through the interceptors and,
// if none claims it, the stock cached serialization.
func (w *World) SendSnapshot(e *Entity, conn Connection) {
	if e == nil || e.IsDestroyed() || conn == nil {
		return
	}
	for _, intercept := range w.interceptors {
		if intercept(e, conn) {
			return
		}
	}
	if !e.HasNetworkCache() {
		e.netCache = wire.MarshalEntity(w.Save(e, conn))
		e.netCacheRev = e.revision
	}
	packet := wire.AppendEntities(nil, conn.NextEntityUpdate(), e.netCache)
	w.send(conn, packet, metricKeySnapshotsSent)
}

// SendNetworkUpdate queues e for the next Flush.
func (w *World) SendNetworkUpdate(e *Entity) {
	if e == nil || e.IsDestroyed() || !e.spawned {
		return
	}
	w.pending[e.id] = struct{}{}
}

// SendNetworkUpdateImmediate replicates e to its subscribers now.
func (w *World) SendNetworkUpdateImmediate(e *Entity) {
	if e == nil || e.IsDestroyed() || !e.spawned {
		return
	}
	delete(w.pending, e.id)
	for _, conn := range w.Subscribers(e) {
		w.SendSnapshot(e, conn)
	}
}

// SendUpdateImmediateRecursive replicates e and its whole subtree.
func (w *World) SendUpdateImmediateRecursive(e *Entity) {
	if e == nil || e.IsDestroyed() {
		return
	}
	w.SendNetworkUpdateImmediate(e)
	for _, child := range e.children {
		w.SendUpdateImmediateRecursive(child)
	}
}

// Flush replicates every queued update. The loop calls it once per tick.
func (w *World) Flush() int {
	if len(w.pending) == 0 {
		return 0
	}
	ids := make([]EntityID, 0, len(w.pending))
	for id := range w.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	sent := 0
	for _, id := range ids {
		if e, ok := w.entities[id]; ok {
			w.SendNetworkUpdateImmediate(e)
			sent++
		}
	}
	return sent
}

// TerminateOnClient tells one connection, or every subscriber of e when
// conn is nil, to drop e from its local view.
func (w *World) TerminateOnClient(e *Entity, conn Connection) {
	if e == nil {
		return
	}
	packet := wire.AppendEntityDestroy(nil, uint64(e.id), wire.DestroyModeNone)
	if conn != nil {
		w.send(conn, packet, metricKeyDestroysSent)
		return
	}
	for _, subscriber := range w.Subscribers(e) {
		w.send(subscriber, packet, metricKeyDestroysSent)
	}
}

func (w *World) broadcastDestroy(e *Entity) {
	w.TerminateOnClient(e, nil)
}

func (w *World) send(conn Connection, packet []byte, metric string) {
	if err := conn.Send(packet); err != nil {
		w.logger.Printf("[world] send to connection %d failed: %v", conn.ID(), err)
		if w.metrics != nil {
			w.metrics.Add(metricKeySendFailures, 1)
		}
		return
	}
	if w.metrics != nil {
		w.metrics.Add(metric, 1)
	}
}
