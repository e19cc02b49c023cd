package scale

import (
	"context"
	"math"
	"strconv"
	"testing"
	"time"

	"entity-scale/server/internal/geom"
	"entity-scale/server/internal/world"
	"entity-scale/server/logging"
	loggingScaling "entity-scale/server/logging/scaling"
)

func TestScaleMaterializesCarrier(t *testing.T) {
	h := newHarness(t, harnessOptions{hide: true})
	entity := h.spawnGlobal(world.SpawnParams{ID: 7, Pos: geom.Vec3{X: 3, Y: 0, Z: 4}})

	if !h.coord.Scale(entity, geom.Uniform(2)) {
		t.Fatalf("scale was rejected")
	}
	if v, ok := h.store.Get(7); !ok || !v.Equal(geom.Uniform(2)) {
		t.Fatalf("expected store record {7:(2,2,2)}, got %+v (%v)", v, ok)
	}
	carrier := h.coord.Carriers().CarrierOf(entity)
	if carrier == nil {
		t.Fatalf("expected carrier above entity")
	}
	if carrier.Parent() != nil {
		t.Fatalf("carrier should sit at world root")
	}
	if !carrier.GlobalBroadcast() {
		t.Fatalf("carrier must mirror the broadcast scope of its target")
	}
	if !entity.LocalPosition().Equal(geom.Zero) {
		t.Fatalf("entity should sit on the carrier, got %+v", entity.LocalPosition())
	}
	if !entity.Position().ApproxEqual(geom.Vec3{X: 3, Z: 4}, 1e-9) {
		t.Fatalf("world position must not move, got %+v", entity.Position())
	}
	if got := h.coord.GetScale(entity); !got.Equal(geom.Uniform(2)) {
		t.Fatalf("unexpected GetScale %+v", got)
	}
}

func TestGetScaleIsIdentityWithoutRecord(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	entity := h.spawnGlobal(world.SpawnParams{})
	if got := h.coord.GetScale(entity); !got.Equal(geom.One) {
		t.Fatalf("untracked entity should report identity, got %+v", got)
	}
	if got := h.coord.GetScale(nil); !got.Equal(geom.One) {
		t.Fatalf("nil entity should report identity, got %+v", got)
	}
	h.coord.Scale(entity, geom.Vec3{X: 1, Y: 2, Z: 1})
	if _, ok := h.store.Get(entity.ID()); !ok {
		t.Fatalf("expected record after non-identity scale")
	}
	h.coord.Scale(entity, geom.One)
	if _, ok := h.store.Get(entity.ID()); ok {
		t.Fatalf("identity scale must drop the record")
	}
	if got := h.coord.GetScale(entity); !got.Equal(geom.One) {
		t.Fatalf("expected identity after reset, got %+v", got)
	}
}

func TestRescaleToSameValueIsNoop(t *testing.T) {
	h := newHarness(t, harnessOptions{hide: true})
	conn := h.connect(1)
	entity := h.spawnGlobal(world.SpawnParams{})
	h.coord.Scale(entity, geom.Uniform(2))
	if _, err := h.store.SaveIfDirty(context.Background()); err != nil {
		t.Fatalf("save: %v", err)
	}
	h.coord.SnapshotCache().Get(entity, nil)
	carrier := h.coord.Carriers().CarrierOf(entity)
	revision := carrier.Revision()
	pairs := h.coord.Visibility().Len()
	conn.Reset()

	notified := 0
	h.coord.Hooks().OnScaled(func(*world.Entity, geom.Vec3) { notified++ })
	if !h.coord.Scale(entity, geom.Uniform(2)) {
		t.Fatalf("same-value scale should still report success")
	}
	if carrier.Revision() != revision {
		t.Fatalf("carrier must not be resized")
	}
	if h.coord.SnapshotCache().Len() != 1 {
		t.Fatalf("cache entry must survive a no-op")
	}
	if h.coord.Visibility().Len() != pairs {
		t.Fatalf("visibility must not be reset")
	}
	if h.store.Dirty() {
		t.Fatalf("store must stay clean")
	}
	if len(conn.Raw()) != 0 {
		t.Fatalf("no packets expected, got %d", len(conn.Raw()))
	}
	if notified != 0 {
		t.Fatalf("no notification expected for a no-op")
	}
}

func TestScaleThenUnscaleRestoresTransform(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	parent := h.spawnGlobal(world.SpawnParams{Prefab: "base", Pos: geom.Vec3{X: 10, Y: 2}, Rot: geom.FromEuler(geom.Vec3{Y: 45})})
	entity := h.world.SpawnEntity(world.SpawnParams{
		Prefab: "lamp",
		Parent: parent,
		Pos:    geom.Vec3{X: 1.5, Y: 0.25, Z: -3},
		Rot:    geom.FromEuler(geom.Vec3{X: 10, Y: 20, Z: 30}),
		Scale:  geom.Vec3{X: 1, Y: 2, Z: 1},
	})
	original := entity.LocalTransform()

	h.coord.Scale(entity, geom.Vec3{X: 2, Y: 3, Z: 4})
	h.coord.Scale(entity, geom.One)

	if entity.Parent() != parent {
		t.Fatalf("entity should be back under its original parent")
	}
	restored := entity.LocalTransform()
	if !restored.Pos.ApproxEqual(original.Pos, 1e-9) || !restored.Scale.ApproxEqual(original.Scale, 1e-9) {
		t.Fatalf("transform not restored: %+v vs %+v", restored, original)
	}
	if !restored.Rot.Euler().ApproxEqual(original.Rot.Euler(), 1e-6) {
		t.Fatalf("rotation not restored: %+v vs %+v", restored.Rot.Euler(), original.Rot.Euler())
	}
	if h.store.Len() != 0 {
		t.Fatalf("no record should remain")
	}
	for _, e := range h.world.Entities() {
		if IsCarrier(e) {
			t.Fatalf("carrier %d left behind", e.ID())
		}
	}
}

func TestSnapshotBeforeTimerSendsCarrierView(t *testing.T) {
	h := newHarness(t, harnessOptions{hide: true})
	entity := h.spawnGlobal(world.SpawnParams{ID: 7})
	h.coord.Scale(entity, geom.Uniform(2))
	carrier := h.coord.Carriers().CarrierOf(entity)

	conn := h.connect(1)
	if got := h.coord.Visibility().State(7, 1); got != Transitioning {
		t.Fatalf("expected Transitioning after the first snapshot, got %s", got)
	}
	snapshots := conn.Snapshots(7)
	if len(snapshots) != 1 {
		t.Fatalf("expected one snapshot of entity, got %d", len(snapshots))
	}
	if snapshots[0].Parent == nil || snapshots[0].Parent.UID != uint64(carrier.ID()) {
		t.Fatalf("raw snapshot should name the carrier as parent, got %+v", snapshots[0].Parent)
	}
	if len(conn.Snapshots(uint64(carrier.ID()))) != 1 {
		t.Fatalf("connection should receive the carrier")
	}
}

func TestTimerCompletesTransition(t *testing.T) {
	h := newHarness(t, harnessOptions{hide: true})
	entity := h.spawnGlobal(world.SpawnParams{ID: 7, Pos: geom.Vec3{X: 5}})
	h.coord.Scale(entity, geom.Uniform(2))
	carrier := h.coord.Carriers().CarrierOf(entity)
	conn := h.connect(1)
	conn.Reset()

	h.advance(DefaultTransitionDuration - 1)
	if got := h.coord.Visibility().State(7, 1); got != Transitioning {
		t.Fatalf("timer fired early, state %s", got)
	}
	h.advance(1)
	if got := h.coord.Visibility().State(7, 1); got != Transitioned {
		t.Fatalf("expected Transitioned, got %s", got)
	}

	snapshots := conn.Snapshots(7)
	if len(snapshots) != 1 {
		t.Fatalf("expected one corrective snapshot, got %d", len(snapshots))
	}
	if snapshots[0].Parent != nil || !snapshots[0].Pos.ApproxEqual(geom.Vec3{X: 5}, 1e-9) {
		t.Fatalf("corrective snapshot should hide the carrier, got %+v", snapshots[0])
	}
	destroys := conn.Destroys()
	if len(destroys) != 1 || destroys[0] != uint64(carrier.ID()) {
		t.Fatalf("expected carrier drop notice, got %v", destroys)
	}

	completed := h.eventsOf(loggingScaling.EventTransitionCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected one transition event, got %d", len(completed))
	}
	if targets := completed[0].Targets; len(targets) != 1 || targets[0].Kind != logging.EntityKindCarrier || targets[0].ID != strconv.FormatUint(uint64(carrier.ID()), 10) {
		t.Fatalf("expected the carrier as event target, got %+v", completed[0].Targets)
	}

	// Later replication goes through the rewritten path.
	conn.Reset()
	entity.SetLocalRotation(geom.FromEuler(geom.Vec3{Y: 90}))
	h.world.SendNetworkUpdateImmediate(entity)
	later := conn.Snapshots(7)
	if len(later) != 1 || later[0].Parent != nil {
		t.Fatalf("expected rewritten update, got %+v", later)
	}
}

func TestTimerSkipsDestroyedEntity(t *testing.T) {
	h := newHarness(t, harnessOptions{hide: true})
	entity := h.spawnGlobal(world.SpawnParams{ID: 7})
	h.coord.Scale(entity, geom.Uniform(2))
	conn := h.connect(1)
	conn.Reset()

	h.world.Destroy(entity)
	h.advance(DefaultTransitionDuration)

	if len(conn.Snapshots(7)) != 0 {
		t.Fatalf("stale timer must not send snapshots")
	}
	if got := h.metrics.Snapshot()[metricKeyStaleCallbacks]; got != 1 {
		t.Fatalf("expected one stale callback, got %d", got)
	}
}

func TestDestroyDefersCarrierTeardown(t *testing.T) {
	h := newHarness(t, harnessOptions{hide: true})
	entity := h.spawnGlobal(world.SpawnParams{ID: 7})
	h.coord.Scale(entity, geom.Uniform(2))
	carrier := h.coord.Carriers().CarrierOf(entity)
	h.connect(1)
	h.connect(2)
	if h.coord.Visibility().Len() != 2 {
		t.Fatalf("expected two pairs, got %d", h.coord.Visibility().Len())
	}

	h.world.Destroy(entity)
	if carrier.IsDestroyed() {
		t.Fatalf("carrier must survive until the next tick")
	}
	if _, ok := h.store.Get(7); ok {
		t.Fatalf("record for 7 should be removed")
	}
	if h.coord.Visibility().Len() != 0 {
		t.Fatalf("pairs for 7 should be cleared")
	}

	h.advance(0)
	if !carrier.IsDestroyed() {
		t.Fatalf("carrier should be destroyed on the next tick")
	}
}

func TestDestroyingCarrierFirstIsTolerated(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	entity := h.spawnGlobal(world.SpawnParams{})
	h.coord.Scale(entity, geom.Uniform(2))
	carrier := h.coord.Carriers().CarrierOf(entity)

	h.world.Destroy(carrier)
	if !entity.IsDestroyed() {
		t.Fatalf("child should go down with the carrier")
	}
	if h.store.Len() != 0 {
		t.Fatalf("record should be removed")
	}
	h.advance(0)
	if h.world.Len() != 0 {
		t.Fatalf("expected empty world, got %d", h.world.Len())
	}
}

func TestRescaleRestartsTransition(t *testing.T) {
	h := newHarness(t, harnessOptions{hide: true})
	entity := h.spawnGlobal(world.SpawnParams{ID: 7})
	h.coord.Scale(entity, geom.Uniform(2))
	carrier := h.coord.Carriers().CarrierOf(entity)
	conn := h.connect(1)
	h.advance(DefaultTransitionDuration)
	if h.coord.Visibility().State(7, 1) != Transitioned {
		t.Fatalf("expected finished transition")
	}
	conn.Reset()

	if !h.coord.Scale(entity, geom.Uniform(4)) {
		t.Fatalf("rescale failed")
	}
	if !carrier.LocalScale().Equal(geom.Uniform(4)) {
		t.Fatalf("carrier should be resized in place, got %+v", carrier.LocalScale())
	}
	destroys := conn.Destroys()
	if len(destroys) != 2 || destroys[0] != 7 || destroys[1] != uint64(carrier.ID()) {
		t.Fatalf("expected entity and carrier to be terminated on the client, got %v", destroys)
	}
	if got := h.coord.Visibility().State(7, 1); got != Transitioning {
		t.Fatalf("rescale must restart the transition, got %s", got)
	}
	if len(conn.Snapshots(uint64(carrier.ID()))) != 1 || len(conn.Snapshots(7)) != 1 {
		t.Fatalf("carrier subtree should be re-sent")
	}
}

func TestStaleTimerDoesNotShortenRescaledTransition(t *testing.T) {
	h := newHarness(t, harnessOptions{hide: true})
	entity := h.spawnGlobal(world.SpawnParams{ID: 7})
	h.coord.Scale(entity, geom.Uniform(2))
	h.connect(1)

	h.advance(6 * time.Second)
	if !h.coord.Scale(entity, geom.Uniform(3)) {
		t.Fatalf("rescale failed")
	}
	if got := h.coord.Visibility().State(7, 1); got != Transitioning {
		t.Fatalf("rescale must restart the transition, got %s", got)
	}

	// The timer of the first transition fires here.
	h.advance(time.Second)
	if got := h.coord.Visibility().State(7, 1); got != Transitioning {
		t.Fatalf("old timer completed the restarted transition, got %s", got)
	}
	if got := h.metrics.Snapshot()[metricKeyStaleCallbacks]; got != 1 {
		t.Fatalf("expected the old timer to count as stale, got %d", got)
	}

	h.advance(DefaultTransitionDuration - time.Second)
	if got := h.coord.Visibility().State(7, 1); got != Transitioned {
		t.Fatalf("expected the restarted transition to finish after its full duration, got %s", got)
	}
	if got := h.metrics.Snapshot()[metricKeyTransitionsCompleted]; got != 1 {
		t.Fatalf("expected exactly one completed transition, got %d", got)
	}
}

func TestScaleRejectsDegenerateVectors(t *testing.T) {
	cases := []struct {
		name string
		v    geom.Vec3
	}{
		{name: "zero axis", v: geom.Vec3{X: 0, Y: 1, Z: 1}},
		{name: "all zero", v: geom.Vec3{}},
		{name: "negative axis", v: geom.Vec3{X: 2, Y: -1, Z: 2}},
		{name: "nan", v: geom.Vec3{X: math.NaN(), Y: 1, Z: 1}},
		{name: "inf", v: geom.Vec3{X: 1, Y: math.Inf(1), Z: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{hide: true})
			entity := h.spawnGlobal(world.SpawnParams{ID: 7, Pos: geom.Vec3{X: 1, Z: 2}})
			before := entity.LocalTransform()
			notified := 0
			h.coord.Hooks().OnScaled(func(*world.Entity, geom.Vec3) { notified++ })

			if h.coord.Scale(entity, tc.v) {
				t.Fatalf("scale %+v should be rejected", tc.v)
			}
			if ok, err := h.coord.ScaleByID(7, tc.v); ok || err != nil {
				t.Fatalf("ScaleByID %+v: expected (false, nil), got (%v, %v)", tc.v, ok, err)
			}
			if h.store.Len() != 0 || h.coord.Carriers().CarrierOf(entity) != nil {
				t.Fatalf("rejected scale must not record or materialize")
			}
			if notified != 0 {
				t.Fatalf("rejected scale must not notify")
			}

			h.coord.Scale(entity, geom.Uniform(2))
			h.coord.Scale(entity, geom.One)
			after := entity.LocalTransform()
			if !after.Pos.ApproxEqual(before.Pos, 1e-9) || !after.Scale.ApproxEqual(before.Scale, 1e-9) {
				t.Fatalf("transform changed: %+v vs %+v", after, before)
			}
		})
	}
}

func TestVetoBlocksScale(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	entity := h.spawnGlobal(world.SpawnParams{})
	h.coord.Hooks().OnBeforeScale(func(e *world.Entity, v geom.Vec3) bool { return v.X <= 5 })
	var notified []geom.Vec3
	h.coord.Hooks().OnScaled(func(e *world.Entity, v geom.Vec3) { notified = append(notified, v) })

	if h.coord.Scale(entity, geom.Uniform(10)) {
		t.Fatalf("veto should block the scale")
	}
	if h.store.Len() != 0 || h.coord.Carriers().CarrierOf(entity) != nil {
		t.Fatalf("vetoed scale must not mutate state")
	}
	if !h.coord.Scale(entity, geom.Uniform(3)) {
		t.Fatalf("allowed scale failed")
	}
	if len(notified) != 1 || !notified[0].Equal(geom.Uniform(3)) {
		t.Fatalf("expected one notification, got %v", notified)
	}
	if got := h.metrics.Snapshot()[metricKeyVetoes]; got != 1 {
		t.Fatalf("expected one veto counted, got %d", got)
	}
}

func TestScaleRejectsMissingEntity(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	if _, err := h.coord.ScaleByID(404, geom.Uniform(2)); err == nil {
		t.Fatalf("expected ErrEntityNotFound")
	}
	if h.coord.Scale(nil, geom.Uniform(2)) {
		t.Fatalf("nil entity must be rejected")
	}
}

func TestGroupLeaveAndDisconnectResetPairs(t *testing.T) {
	h := newHarness(t, harnessOptions{hide: true})
	entity := h.world.SpawnEntity(world.SpawnParams{ID: 7, Prefab: "crate"})
	h.coord.Scale(entity, geom.Uniform(2))
	conn := h.connect(1)
	h.world.Subscribe(conn, entity.Group())
	if h.coord.Visibility().State(7, 1) != Transitioning {
		t.Fatalf("expected transition to start on subscribe")
	}

	h.world.Unsubscribe(conn, entity.Group())
	if h.coord.Visibility().State(7, 1) != NeedsTransition {
		t.Fatalf("leaving the group must reset the pair")
	}

	h.world.Subscribe(conn, entity.Group())
	h.world.Disconnect(conn.ID())
	if h.coord.Visibility().Len() != 0 {
		t.Fatalf("disconnect must clear the connection's pairs")
	}
}

func TestHideDisabledKeepsStockSnapshots(t *testing.T) {
	h := newHarness(t, harnessOptions{hide: false})
	entity := h.spawnGlobal(world.SpawnParams{ID: 7})
	h.coord.Scale(entity, geom.Uniform(2))
	conn := h.connect(1)
	h.advance(DefaultTransitionDuration)

	if h.coord.Visibility().Len() != 0 {
		t.Fatalf("visibility table must stay unused")
	}
	if len(conn.Destroys()) != 0 {
		t.Fatalf("carrier must stay visible")
	}
}

func TestOnRestoreMigratesLegacyEntity(t *testing.T) {
	h := newHarness(t, harnessOptions{hide: true})
	ctx := context.Background()
	if err := h.backend.Save(ctx, StoreKey, []byte(`{"ScaledEntities":[9,11]}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	carrier := h.spawnGlobal(world.SpawnParams{ID: 20, Prefab: CarrierPrefab, Pos: geom.Vec3{X: 6, Y: 3}, Scale: geom.Uniform(3)})
	entity := h.world.SpawnEntity(world.SpawnParams{ID: 9, Prefab: "statue", Parent: carrier, Pos: geom.Vec3{X: 1}})
	want := entity.Position()
	if err := h.store.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	h.coord.OnRestore(ctx)

	if v, ok := h.store.Get(9); !ok || !v.Equal(geom.Uniform(3)) {
		t.Fatalf("expected record {9:(3,3,3)}, got %+v (%v)", v, ok)
	}
	if !carrier.IsDestroyed() {
		t.Fatalf("legacy carrier should be removed")
	}
	if !entity.Position().ApproxEqual(want, 1e-9) {
		t.Fatalf("world position must be preserved, got %+v want %+v", entity.Position(), want)
	}
	fresh := h.coord.Carriers().CarrierOf(entity)
	if fresh == nil || !fresh.LocalScale().Equal(geom.Uniform(3)) {
		t.Fatalf("record should be re-applied with a new carrier")
	}
	if got := h.metrics.Snapshot()[metricKeyLegacySkipped]; got != 1 {
		t.Fatalf("expected entity 11 to be skipped, got %d", got)
	}
	if len(h.store.Legacy()) != 0 {
		t.Fatalf("legacy set should be consumed")
	}
}

func TestOnRestoreSeedsTransitionedSubscribers(t *testing.T) {
	h := newHarness(t, harnessOptions{hide: true})
	ctx := context.Background()
	conn := h.connect(1)
	carrier := h.spawnGlobal(world.SpawnParams{Prefab: CarrierPrefab, Scale: geom.Uniform(2), EnableSaving: false})
	entity := h.world.SpawnEntity(world.SpawnParams{ID: 7, Prefab: "crate", Parent: carrier, EnableSaving: true, GlobalBroadcast: true})
	h.store.Set(7, geom.Uniform(2))

	h.coord.OnRestore(ctx)

	if got := h.coord.Visibility().State(7, conn.ID()); got != Transitioned {
		t.Fatalf("existing subscribers should start transitioned, got %s", got)
	}
	if !carrier.EnableSaving() {
		t.Fatalf("carrier should mirror the saving flag of its target")
	}
	if h.coord.Carriers().CarrierOf(entity) != carrier {
		t.Fatalf("existing carrier should be kept")
	}
}

func TestOnRestorePrunesMissingEntities(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.store.Set(99, geom.Uniform(2))
	h.coord.OnRestore(context.Background())
	if h.store.Len() != 0 {
		t.Fatalf("record for a missing entity should be pruned")
	}
}

func TestNativeTechniqueSkipsCarriers(t *testing.T) {
	h := newHarness(t, harnessOptions{native: true, hide: true})
	conn := h.connect(1)
	entity := h.spawnGlobal(world.SpawnParams{ID: 7})
	conn.Reset()

	if !h.coord.Scale(entity, geom.Vec3{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("native scale failed")
	}
	if h.coord.Carriers().CarrierOf(entity) != nil {
		t.Fatalf("native technique must not create a carrier")
	}
	snapshots := conn.Snapshots(7)
	if len(snapshots) != 1 || snapshots[0].Scale == nil || !snapshots[0].Scale.Equal(geom.Vec3{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("expected native scale in snapshot, got %+v", snapshots)
	}
	if h.coord.Technique() != TechniqueNative {
		t.Fatalf("unexpected technique %s", h.coord.Technique())
	}

	h.coord.Scale(entity, geom.One)
	if h.store.Len() != 0 || !entity.NativeScale().Equal(geom.One) {
		t.Fatalf("identity should clear native scale and record")
	}
}

func TestOnRestoreMigratesCarriersToNative(t *testing.T) {
	h := newHarness(t, harnessOptions{native: true})
	carrier := h.spawnGlobal(world.SpawnParams{Prefab: CarrierPrefab, Pos: geom.Vec3{Z: 8}, Scale: geom.Uniform(2)})
	entity := h.world.SpawnEntity(world.SpawnParams{ID: 7, Prefab: "crate", Parent: carrier})
	h.store.Set(7, geom.Uniform(2))

	h.coord.OnRestore(context.Background())

	if !carrier.IsDestroyed() {
		t.Fatalf("carrier should be dissolved")
	}
	if entity.Parent() != nil {
		t.Fatalf("entity should be back at world root")
	}
	if !entity.NativeScale().Equal(geom.Uniform(2)) {
		t.Fatalf("expected native scale, got %+v", entity.NativeScale())
	}
	if v, ok := h.store.Get(7); !ok || !v.Equal(geom.Uniform(2)) {
		t.Fatalf("record must be kept, got %+v (%v)", v, ok)
	}
	if got := h.metrics.Snapshot()[metricKeyNativeMigrated]; got != 1 {
		t.Fatalf("expected one native migration, got %d", got)
	}
}

func TestRegisterScaledEntityAdoptsCarrier(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	carrier := h.spawnGlobal(world.SpawnParams{Prefab: CarrierPrefab, Scale: geom.Uniform(1.5)})
	entity := h.world.SpawnEntity(world.SpawnParams{Prefab: "crate", Parent: carrier})
	loose := h.spawnGlobal(world.SpawnParams{})

	if h.coord.RegisterScaledEntity(loose) {
		t.Fatalf("entity without carrier cannot be registered")
	}
	if !h.coord.RegisterScaledEntity(entity) {
		t.Fatalf("expected registration")
	}
	if got := h.coord.GetScale(entity); !got.Equal(geom.Uniform(1.5)) {
		t.Fatalf("unexpected scale %+v", got)
	}
	// Registered carriers are resized in place.
	h.coord.Scale(entity, geom.Uniform(2.5))
	if h.coord.Carriers().CarrierOf(entity) != carrier || !carrier.LocalScale().Equal(geom.Uniform(2.5)) {
		t.Fatalf("registered carrier should be resized")
	}
}

func TestUnregisteredCarrierIsLeftAlone(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	foreign := h.spawnGlobal(world.SpawnParams{Prefab: CarrierPrefab, Scale: geom.Uniform(5)})
	entity := h.world.SpawnEntity(world.SpawnParams{Prefab: "crate", Parent: foreign})

	h.coord.Scale(entity, geom.Uniform(2))
	if !foreign.LocalScale().Equal(geom.Uniform(5)) {
		t.Fatalf("foreign carrier must not be resized")
	}
	ours := h.coord.Carriers().CarrierOf(entity)
	if ours == nil || ours == foreign || ours.Parent() != foreign {
		t.Fatalf("expected a new carrier stacked under the foreign one")
	}
}

func TestNewSaveClearsAndPersists(t *testing.T) {
	h := newHarness(t, harnessOptions{hide: true})
	ctx := context.Background()
	entity := h.spawnGlobal(world.SpawnParams{})
	h.coord.Scale(entity, geom.Uniform(2))
	h.connect(1)

	if err := h.coord.OnNewSave(ctx); err != nil {
		t.Fatalf("new save: %v", err)
	}
	if h.store.Len() != 0 || h.coord.Visibility().Len() != 0 || h.coord.SnapshotCache().Len() != 0 {
		t.Fatalf("expected everything cleared: %+v", h.coord.Diagnostics())
	}
	raw, err := h.backend.Load(ctx, StoreKey)
	if err != nil {
		t.Fatalf("expected empty document to be saved: %v", err)
	}
	if string(raw) != "{}" {
		t.Fatalf("unexpected document %s", raw)
	}
}

func TestShutdownSavesAndClears(t *testing.T) {
	h := newHarness(t, harnessOptions{hide: true})
	ctx := context.Background()
	entity := h.spawnGlobal(world.SpawnParams{ID: 7})
	h.coord.Scale(entity, geom.Uniform(2))
	h.connect(1)

	if err := h.coord.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if h.store.Dirty() {
		t.Fatalf("store should be saved")
	}
	if h.coord.Visibility().Len() != 0 {
		t.Fatalf("visibility should be cleared")
	}
	if _, err := h.backend.Load(ctx, StoreKey); err != nil {
		t.Fatalf("document not saved: %v", err)
	}
}
