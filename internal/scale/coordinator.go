package scale

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"entity-scale/server/internal/geom"
	"entity-scale/server/internal/telemetry"
	"entity-scale/server/internal/world"
	"entity-scale/server/logging"
	loggingScaling "entity-scale/server/logging/scaling"
)

const (
	metricKeyEntitiesScaled       = "scale_entities_scaled_total"
	metricKeyVetoes               = "scale_vetoes_total"
	metricKeyTransitionsCompleted = "scale_transitions_completed_total"
	metricKeyStaleCallbacks       = "scale_stale_callbacks_total"
	metricKeyLegacyMigrated       = "scale_legacy_migrated_total"
	metricKeyLegacySkipped        = "scale_legacy_skipped_total"
	metricKeyNativeMigrated       = "scale_native_migrated_total"
	metricKeyStoreRecords         = "scale_store_records"
	metricKeyVisibilityPairs      = "scale_visibility_pairs"
)

const (
	TechniqueCarrier = "carrier"
	TechniqueNative  = "native"
)

// Config tunes the coordinator.
type Config struct {
	// TransitionDuration is how long a connection keeps receiving the
	// carrier before it is switched to rewritten snapshots.
	TransitionDuration time.Duration
	// HideCarriersAfterTransition enables the rewritten snapshot path. When
	// off, observers keep seeing carriers for as long as they exist.
	HideCarriersAfterTransition bool

	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
}

func (cfg Config) normalized() Config {
	normalized := cfg
	if normalized.TransitionDuration <= 0 {
		normalized.TransitionDuration = DefaultTransitionDuration
	}
	if normalized.Logger == nil {
		normalized.Logger = telemetry.WrapLogger(log.Default())
	}
	if normalized.Publisher == nil {
		normalized.Publisher = logging.NopPublisher()
	}
	return normalized
}

// Coordinator applies scale requests and keeps the store, carriers,
// visibility table and snapshot cache consistent with world events.
type Coordinator struct {
	cfg        Config
	world      *world.World
	sched      Scheduler
	store      *Store
	carriers   *Carriers
	visibility *Visibility
	cache      *SnapshotCache
	hooks      Hooks
	logger     telemetry.Logger
	metrics    telemetry.Metrics
	publisher  logging.Publisher
}

// NewCoordinator builds the engine around w and registers its world
// listeners. store should already be loaded.
func NewCoordinator(w *world.World, s Scheduler, store *Store, cfg Config) *Coordinator {
	cfg = cfg.normalized()
	if store == nil {
		store = NewStore(nil)
	}
	c := &Coordinator{
		cfg:       cfg,
		world:     w,
		sched:     s,
		store:     store,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		publisher: cfg.Publisher,
	}
	c.carriers = NewCarriers(w, s)
	c.visibility = NewVisibility(s, cfg.TransitionDuration, c.onTransitionDue)
	c.cache = NewSnapshotCache(w, c.carriers, cfg.Metrics)

	w.OnDestroy(c.OnEntityDestroyed)
	if cfg.HideCarriersAfterTransition {
		w.AddSnapshotInterceptor(c.OnEntitySnapshot)
		w.OnDisconnect(c.OnConnectionDisconnected)
		w.OnGroupLeft(c.OnConnectionLeftGroup)
	}
	return c
}

// Hooks exposes the veto and notification registration points.
func (c *Coordinator) Hooks() *Hooks { return &c.hooks }

func (c *Coordinator) Store() *Store { return c.store }

func (c *Coordinator) Carriers() *Carriers { return c.carriers }

func (c *Coordinator) Visibility() *Visibility { return c.visibility }

func (c *Coordinator) SnapshotCache() *SnapshotCache { return c.cache }

// Technique names how scale reaches observers in this process.
func (c *Coordinator) Technique() string {
	if c.world.SupportsNativeScale() {
		return TechniqueNative
	}
	return TechniqueCarrier
}

// GetScale returns the recorded scale, identity when untracked.
func (c *Coordinator) GetScale(entity *world.Entity) geom.Vec3 {
	if entity == nil {
		return geom.One
	}
	if v, ok := c.store.Get(entity.ID()); ok {
		return v
	}
	return geom.One
}

// ScaleByID resolves id and scales it.
func (c *Coordinator) ScaleByID(id world.EntityID, v geom.Vec3) (bool, error) {
	entity, ok := c.world.Entity(id)
	if !ok {
		return false, fmt.Errorf("scale entity %d: %w", id, ErrEntityNotFound)
	}
	return c.Scale(entity, v), nil
}

// Scale applies v to entity. It returns false when the entity is gone, a
// component is not finite or not positive, or a veto hook blocked it.
// Requesting the current value succeeds without doing anything.
func (c *Coordinator) Scale(entity *world.Entity, v geom.Vec3) bool {
	if entity == nil || entity.IsDestroyed() || !v.ValidScale() {
		return false
	}
	if !c.hooks.allow(entity, v) {
		c.count(metricKeyVetoes)
		loggingScaling.ScaleVetoed(context.Background(), c.publisher, c.tick(), entityRef(entity), loggingScaling.ScaleVetoedPayload{
			Requested: vector(v),
		}, nil)
		return false
	}
	previous := c.GetScale(entity)

	var changed bool
	if c.world.SupportsNativeScale() {
		changed = c.scaleNative(entity, v)
	} else {
		changed = c.scaleCarrier(entity, v)
	}
	if !changed {
		return true
	}

	c.count(metricKeyEntitiesScaled)
	c.storeGauges()
	loggingScaling.EntityScaled(context.Background(), c.publisher, c.tick(), entityRef(entity), loggingScaling.EntityScaledPayload{
		Previous:  vector(previous),
		Scale:     vector(v),
		Technique: c.Technique(),
	}, nil)
	c.hooks.notify(entity, v)
	return true
}

func (c *Coordinator) scaleNative(entity *world.Entity, v geom.Vec3) bool {
	id := entity.ID()
	_, registered := c.store.Get(id)
	if registered && c.carriers.CarrierOf(entity) != nil {
		c.carriers.Dissolve(entity)
		c.visibility.ForgetEntity(id)
	}
	if !c.world.SetNativeScale(entity, v) {
		return false
	}
	c.store.Set(id, v)
	c.cache.Invalidate(id)
	c.world.SendNetworkUpdateImmediate(entity)
	return true
}

func (c *Coordinator) scaleCarrier(entity *world.Entity, v geom.Vec3) bool {
	id := entity.ID()
	carrier := c.carriers.CarrierOf(entity)
	_, registered := c.store.Get(id)

	// Carriers that were not registered belong to other code and are left
	// alone; a new carrier is stacked under them instead.
	if carrier != nil && registered {
		if carrier.LocalScale().Equal(v) {
			return false
		}
		c.world.TerminateOnClient(entity, nil)
		c.world.TerminateOnClient(carrier, nil)
		c.visibility.ForgetEntity(id)
		c.cache.Invalidate(id)

		if v.IsIdentityScale() {
			c.carriers.Dissolve(entity)
			c.store.Remove(id)
			return true
		}
		c.carriers.Resize(carrier, v)
		c.store.Set(id, v)
		c.world.SendUpdateImmediateRecursive(carrier)
		return true
	}

	if v.IsIdentityScale() {
		// A record without a carrier is stale; identity clears it.
		return c.store.Remove(id)
	}
	c.visibility.ForgetEntity(id)
	c.cache.Invalidate(id)
	// Record first so the snapshots sent while materializing already go
	// through the visibility table.
	c.store.Set(id, v)
	if c.carriers.Materialize(entity, v) == nil {
		c.store.Remove(id)
		return false
	}
	return true
}

// RegisterScaledEntity adopts a carrier that other code parented above
// entity, recording the carrier's scale. It reports false when entity has
// no carrier or the carrier is unscaled.
func (c *Coordinator) RegisterScaledEntity(entity *world.Entity) bool {
	carrier := c.carriers.CarrierOf(entity)
	if carrier == nil {
		return false
	}
	magnitude := carrier.LocalScale()
	if magnitude.IsIdentityScale() || !magnitude.ValidScale() {
		return false
	}
	c.store.Set(entity.ID(), magnitude)
	c.cache.Invalidate(entity.ID())
	c.storeGauges()
	return true
}

// OnEntityDestroyed runs inside the world's destroy path.
func (c *Coordinator) OnEntityDestroyed(entity *world.Entity) {
	if entity == nil {
		return
	}
	id := entity.ID()
	c.visibility.ForgetEntity(id)
	c.cache.Invalidate(id)
	if !c.store.Remove(id) {
		return
	}
	c.storeGauges()
	// The target is already being torn down, so its parent is still the
	// carrier if it had one.
	if parent := entity.Parent(); IsCarrier(parent) {
		c.carriers.DestroyDeferred(parent)
	}
}

func (c *Coordinator) OnConnectionDisconnected(conn world.ConnectionID) {
	c.visibility.ForgetConnection(conn)
}

// OnConnectionLeftGroup resets the pairs of the entities conn dropped.
func (c *Coordinator) OnConnectionLeftGroup(conn world.Connection, entities []*world.Entity) {
	if conn == nil {
		return
	}
	for _, entity := range entities {
		if entity != nil {
			c.visibility.Forget(entity.ID(), conn.ID())
		}
	}
}

// OnEntitySnapshot replaces the stock snapshot of a carrier-scaled entity
// with the rewritten one once the connection has finished its transition.
func (c *Coordinator) OnEntitySnapshot(entity *world.Entity, conn world.Connection) bool {
	if entity == nil || conn == nil {
		return false
	}
	id := entity.ID()
	if _, tracked := c.store.Get(id); !tracked {
		return false
	}
	if c.carriers.CarrierOf(entity) == nil {
		return false
	}
	transitioned, _ := c.visibility.Resolve(id, conn.ID())
	if !transitioned {
		return false
	}
	if err := c.cache.SendModified(entity, conn); err != nil {
		c.logger.Printf("[scale] rewritten snapshot of entity %d: %v", id, err)
	}
	return true
}

func (c *Coordinator) onTransitionDue(id world.EntityID, connID world.ConnectionID, generation uint64) {
	entity, ok := c.world.Entity(id)
	var conn world.Connection
	if ok {
		conn, ok = c.world.Connection(connID)
	}
	var carrier *world.Entity
	if ok {
		carrier = c.carriers.CarrierOf(entity)
	}
	if carrier == nil {
		c.count(metricKeyStaleCallbacks)
		return
	}
	if !c.visibility.CompleteGeneration(id, connID, generation) {
		c.count(metricKeyStaleCallbacks)
		return
	}
	if err := c.cache.SendModified(entity, conn); err != nil {
		c.logger.Printf("[scale] corrective snapshot of entity %d: %v", id, err)
	}
	c.world.TerminateOnClient(carrier, conn)
	c.count(metricKeyTransitionsCompleted)
	loggingScaling.TransitionCompleted(context.Background(), c.publisher, c.tick(), entityRef(entity), carrierRef(carrier), loggingScaling.TransitionCompletedPayload{
		Connection: uint64(connID),
	}, nil)
}

// OnRestore runs once after the world was loaded. It converts the legacy
// id set, drops records of entities that no longer exist and re-applies
// every remaining record with the technique this process uses.
func (c *Coordinator) OnRestore(ctx context.Context) {
	pending := len(c.store.Legacy())
	migrated, skipped := c.store.MigrateLegacy(func(id world.EntityID) (geom.Vec3, bool) {
		entity, ok := c.world.Entity(id)
		if !ok {
			return geom.One, false
		}
		return c.carriers.Dissolve(entity)
	})
	if pending > 0 {
		c.add(metricKeyLegacyMigrated, uint64(migrated))
		c.add(metricKeyLegacySkipped, uint64(skipped))
		c.logger.Printf("[scale] migrated %d legacy entities, %d without a carrier", migrated, skipped)
		loggingScaling.LegacyMigrated(ctx, c.publisher, c.tick(), loggingScaling.LegacyMigratedPayload{
			Migrated: migrated,
			Skipped:  skipped,
		}, nil)
	}

	native := c.world.SupportsNativeScale()
	nativeMigrated := 0
	for _, id := range c.store.IDs() {
		entity, ok := c.world.Entity(id)
		if !ok {
			c.store.Remove(id)
			continue
		}
		v, _ := c.store.Get(id)
		carrier := c.carriers.CarrierOf(entity)

		if native {
			if carrier != nil {
				c.carriers.Dissolve(entity)
				nativeMigrated++
			}
			c.world.SetNativeScale(entity, v)
			c.world.SendNetworkUpdate(entity)
			continue
		}

		if carrier == nil {
			c.carriers.Materialize(entity, v)
			continue
		}
		c.carriers.Refresh(carrier, entity)
		if c.carriers.Resize(carrier, v) {
			c.world.SendNetworkUpdate(carrier)
		}
		if c.cfg.HideCarriersAfterTransition {
			for _, conn := range c.world.Subscribers(entity) {
				c.visibility.InitTransitioned(id, conn.ID())
			}
		}
	}
	if nativeMigrated > 0 {
		c.add(metricKeyNativeMigrated, uint64(nativeMigrated))
		loggingScaling.NativeMigrated(ctx, c.publisher, c.tick(), loggingScaling.NativeMigratedPayload{
			Migrated: nativeMigrated,
		}, nil)
	}
	c.storeGauges()
}

// OnServerSave is the periodic checkpoint.
func (c *Coordinator) OnServerSave(ctx context.Context) error {
	return c.save(ctx, "checkpoint", false)
}

// OnNewSave forgets everything after a world wipe and persists the empty
// document.
func (c *Coordinator) OnNewSave(ctx context.Context) error {
	c.store.Clear()
	c.visibility.Clear()
	c.cache.Clear()
	c.storeGauges()
	return c.save(ctx, "wipe", true)
}

// Shutdown saves pending changes and clears the transient tables.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	err := c.save(ctx, "shutdown", false)
	c.visibility.Clear()
	c.cache.Clear()
	return err
}

func (c *Coordinator) save(ctx context.Context, reason string, force bool) error {
	var (
		size int
		err  error
	)
	if force {
		size, err = c.store.Save(ctx)
	} else {
		size, err = c.store.SaveIfDirty(ctx)
	}
	if err != nil {
		return err
	}
	if size > 0 {
		loggingScaling.StoreSaved(ctx, c.publisher, c.tick(), loggingScaling.StoreSavedPayload{
			Records: c.store.Len(),
			Bytes:   size,
			Reason:  reason,
		}, nil)
	}
	return nil
}

// Diagnostics summarizes engine state for the HTTP diagnostics endpoint.
type Diagnostics struct {
	Technique       string `json:"technique"`
	StoreRecords    int    `json:"storeRecords"`
	StoreDirty      bool   `json:"storeDirty"`
	LegacyPending   int    `json:"legacyPending"`
	VisibilityPairs int    `json:"visibilityPairs"`
	CacheEntries    int    `json:"cacheEntries"`
	CacheHits       uint64 `json:"cacheHits"`
	CacheMisses     uint64 `json:"cacheMisses"`
}

func (c *Coordinator) Diagnostics() Diagnostics {
	hits, misses := c.cache.Stats()
	return Diagnostics{
		Technique:       c.Technique(),
		StoreRecords:    c.store.Len(),
		StoreDirty:      c.store.Dirty(),
		LegacyPending:   len(c.store.Legacy()),
		VisibilityPairs: c.visibility.Len(),
		CacheEntries:    c.cache.Len(),
		CacheHits:       hits,
		CacheMisses:     misses,
	}
}

func (c *Coordinator) tick() uint64 {
	if c.sched == nil {
		return 0
	}
	return c.sched.Tick()
}

func (c *Coordinator) count(key string) { c.add(key, 1) }

func (c *Coordinator) add(key string, delta uint64) {
	if c.metrics != nil {
		c.metrics.Add(key, delta)
	}
}

func (c *Coordinator) storeGauges() {
	if c.metrics == nil {
		return
	}
	c.metrics.Store(metricKeyStoreRecords, uint64(c.store.Len()))
	c.metrics.Store(metricKeyVisibilityPairs, uint64(c.visibility.Len()))
}

func entityRef(entity *world.Entity) logging.EntityRef {
	return logging.EntityRef{ID: strconv.FormatUint(uint64(entity.ID()), 10), Kind: logging.EntityKindEntity}
}

func carrierRef(carrier *world.Entity) logging.EntityRef {
	return logging.EntityRef{ID: strconv.FormatUint(uint64(carrier.ID()), 10), Kind: logging.EntityKindCarrier}
}

func vector(v geom.Vec3) loggingScaling.Vector {
	return loggingScaling.Vector{X: v.X, Y: v.Y, Z: v.Z}
}
