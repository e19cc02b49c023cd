package scale

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"entity-scale/server/internal/geom"
	"entity-scale/server/internal/persist"
	"entity-scale/server/internal/world"
)

// StoreKey is the key the scale document is saved under.
const StoreKey = "entity-scale-manager"

// document is the persisted form. ScaledEntities is the legacy id set of
// entities scaled through a carrier with no recorded vector; it is read
// but never written back.
type document struct {
	EntityScale    map[string][3]float64 `json:"EntityScale,omitempty"`
	ScaledEntities []uint64              `json:"ScaledEntities,omitempty"`
}

// Store maps entity ids to their non-identity scale.
type Store struct {
	backend persist.Backend
	key     string

	records  map[world.EntityID]geom.Vec3
	legacy   []world.EntityID
	migrated bool
	dirty    bool
}

// NewStore returns an empty store writing through backend. A nil backend
// keeps the store in memory only.
func NewStore(backend persist.Backend) *Store {
	return &Store{
		backend: backend,
		key:     StoreKey,
		records: make(map[world.EntityID]geom.Vec3),
	}
}

// Load replaces the contents with the saved document. A missing document
// leaves the store empty.
func (s *Store) Load(ctx context.Context) error {
	s.records = make(map[world.EntityID]geom.Vec3)
	s.legacy = nil
	s.dirty = false
	if s.backend == nil {
		return nil
	}
	data, err := s.backend.Load(ctx, s.key)
	if errors.Is(err, persist.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", s.key, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", s.key, err)
	}
	for rawID, components := range doc.EntityScale {
		id, err := strconv.ParseUint(rawID, 10, 64)
		if err != nil || id == 0 {
			continue
		}
		v := geom.FromArray(components)
		if v.IsIdentityScale() || !v.ValidScale() {
			continue
		}
		s.records[world.EntityID(id)] = v
	}
	for _, id := range doc.ScaledEntities {
		if _, recorded := s.records[world.EntityID(id)]; recorded || id == 0 {
			continue
		}
		s.legacy = append(s.legacy, world.EntityID(id))
	}
	return nil
}

func (s *Store) Get(id world.EntityID) (geom.Vec3, bool) {
	v, ok := s.records[id]
	return v, ok
}

// Set records v for id. The identity scale removes the record instead.
func (s *Store) Set(id world.EntityID, v geom.Vec3) {
	if v.IsIdentityScale() {
		s.Remove(id)
		return
	}
	if prev, ok := s.records[id]; ok && prev.Equal(v) {
		return
	}
	s.records[id] = v
	s.dirty = true
}

// Remove reports whether a record existed.
func (s *Store) Remove(id world.EntityID) bool {
	if _, ok := s.records[id]; !ok {
		return false
	}
	delete(s.records, id)
	s.dirty = true
	return true
}

func (s *Store) Len() int { return len(s.records) }

// IDs returns the recorded ids in ascending order.
func (s *Store) IDs() []world.EntityID {
	ids := make([]world.EntityID, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) Dirty() bool { return s.dirty }

// Legacy returns the legacy ids still waiting for migration.
func (s *Store) Legacy() []world.EntityID {
	return append([]world.EntityID(nil), s.legacy...)
}

// Clear drops every record and marks the store dirty so the next save
// persists the empty document.
func (s *Store) Clear() {
	s.records = make(map[world.EntityID]geom.Vec3)
	s.legacy = nil
	s.dirty = true
}

// SaveIfDirty persists the document when something changed since the last
// save. It reports the encoded size, zero when nothing was written.
func (s *Store) SaveIfDirty(ctx context.Context) (int, error) {
	if !s.dirty {
		return 0, nil
	}
	return s.Save(ctx)
}

// Save persists the document unconditionally.
func (s *Store) Save(ctx context.Context) (int, error) {
	doc := document{EntityScale: make(map[string][3]float64, len(s.records))}
	for id, v := range s.records {
		doc.EntityScale[strconv.FormatUint(uint64(id), 10)] = v.Array()
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", s.key, err)
	}
	if s.backend != nil {
		if err := s.backend.Save(ctx, s.key, data); err != nil {
			return 0, fmt.Errorf("save %s: %w", s.key, err)
		}
	}
	s.dirty = false
	return len(data), nil
}

// LocateFunc resolves a legacy id to the magnitude of its carrier, removing
// the carrier as a side effect. It reports false when no carrier is left.
type LocateFunc func(id world.EntityID) (geom.Vec3, bool)

// MigrateLegacy converts the legacy id set into records. It runs at most
// once per store; later calls return zero counts.
func (s *Store) MigrateLegacy(locate LocateFunc) (migrated, skipped int) {
	if s.migrated {
		return 0, 0
	}
	s.migrated = true
	if len(s.legacy) == 0 {
		return 0, 0
	}
	for _, id := range s.legacy {
		if locate == nil {
			skipped++
			continue
		}
		v, ok := locate(id)
		if !ok {
			skipped++
			continue
		}
		s.Set(id, v)
		migrated++
	}
	s.legacy = nil
	s.dirty = true
	return migrated, skipped
}

// Migrated reports whether MigrateLegacy has already run.
func (s *Store) Migrated() bool { return s.migrated }
