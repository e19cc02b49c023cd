package scale

import (
	"fmt"
	"io"

	"entity-scale/server/internal/telemetry"
	"entity-scale/server/internal/wire"
	"entity-scale/server/internal/world"
)

const (
	metricKeyCacheHits         = "scale_snapshot_cache_hits_total"
	metricKeyCacheMisses       = "scale_snapshot_cache_misses_total"
	metricKeyModifiedSent      = "scale_modified_snapshots_sent_total"
	metricKeyModifiedSendFails = "scale_modified_snapshot_failures_total"
)

type cacheEntry struct {
	data            []byte
	revision        uint64
	carrier         world.EntityID
	carrierRevision uint64
}

// SnapshotCache memoizes entity snapshots rewritten so observers never see
// the carrier: the entity is reported where the carrier sits in the tree.
//
// An entry is reused only while the entity and its carrier are at the
// revision it was built from. A revision change is the same signal that
// clears the host's own network cache.
type SnapshotCache struct {
	world    *world.World
	carriers *Carriers
	metrics  telemetry.Metrics
	entries  map[world.EntityID]cacheEntry
	hits     uint64
	misses   uint64
}

func NewSnapshotCache(w *world.World, carriers *Carriers, metrics telemetry.Metrics) *SnapshotCache {
	return &SnapshotCache{
		world:    w,
		carriers: carriers,
		metrics:  metrics,
		entries:  make(map[world.EntityID]cacheEntry),
	}
}

// Get returns the rewritten snapshot of entity, building and caching it on
// a miss. When out is non-nil the bytes are also written to it.
func (c *SnapshotCache) Get(entity *world.Entity, out io.Writer) ([]byte, error) {
	if entity == nil || entity.IsDestroyed() {
		return nil, ErrEntityNotFound
	}
	carrier := c.carriers.CarrierOf(entity)
	entry, ok := c.entries[entity.ID()]
	if ok && c.fresh(entry, entity, carrier) {
		c.hits++
		c.count(metricKeyCacheHits)
	} else {
		c.misses++
		c.count(metricKeyCacheMisses)
		entry = c.build(entity, carrier)
		c.entries[entity.ID()] = entry
	}
	if out != nil {
		if _, err := out.Write(entry.data); err != nil {
			return nil, fmt.Errorf("write snapshot of entity %d: %w", entity.ID(), err)
		}
	}
	return entry.data, nil
}

func (c *SnapshotCache) fresh(entry cacheEntry, entity, carrier *world.Entity) bool {
	if entry.revision != entity.Revision() {
		return false
	}
	if carrier == nil {
		return entry.carrier == 0
	}
	return entry.carrier == carrier.ID() && entry.carrierRevision == carrier.Revision()
}

func (c *SnapshotCache) build(entity, carrier *world.Entity) cacheEntry {
	snapshot := c.world.Save(entity, nil)
	entry := cacheEntry{revision: entity.Revision()}
	if carrier != nil {
		entry.carrier = carrier.ID()
		entry.carrierRevision = carrier.Revision()
		if grandparent := carrier.Parent(); grandparent == nil {
			snapshot.Parent = nil
			snapshot.Pos = entity.Position()
			snapshot.Rot = entity.Rotation().Euler()
		} else {
			snapshot.Parent = &wire.Parent{UID: uint64(grandparent.ID())}
			snapshot.Pos = carrier.LocalPosition()
		}
	}
	entry.data = wire.MarshalEntity(snapshot)
	return entry
}

// SendModified writes the rewritten snapshot to one connection, consuming
// one entity update sequence number.
func (c *SnapshotCache) SendModified(entity *world.Entity, conn world.Connection) error {
	if conn == nil {
		return nil
	}
	body, err := c.Get(entity, nil)
	if err != nil {
		return err
	}
	packet := wire.AppendEntities(nil, conn.NextEntityUpdate(), body)
	if err := conn.Send(packet); err != nil {
		c.count(metricKeyModifiedSendFails)
		return fmt.Errorf("send snapshot of entity %d to connection %d: %w", entity.ID(), conn.ID(), err)
	}
	c.count(metricKeyModifiedSent)
	return nil
}

func (c *SnapshotCache) Invalidate(id world.EntityID) {
	delete(c.entries, id)
}

func (c *SnapshotCache) Clear() {
	c.entries = make(map[world.EntityID]cacheEntry)
}

func (c *SnapshotCache) Len() int { return len(c.entries) }

// Stats reports lifetime hits and misses.
func (c *SnapshotCache) Stats() (hits, misses uint64) { return c.hits, c.misses }

func (c *SnapshotCache) count(key string) {
	if c.metrics != nil {
		c.metrics.Add(key, 1)
	}
}
