package scale

import (
	"context"
	"testing"
	"time"

	"entity-scale/server/internal/net/conntest"
	"entity-scale/server/internal/persist/memory"
	"entity-scale/server/internal/sched"
	"entity-scale/server/internal/telemetry"
	"entity-scale/server/internal/world"
	"entity-scale/server/logging"
)

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time { return c.now }

type harness struct {
	t       *testing.T
	clock   *manualClock
	sched   *sched.Scheduler
	world   *world.World
	backend *memory.Store
	store   *Store
	coord   *Coordinator
	metrics *logging.Metrics
	events  []logging.Event
}

type harnessOptions struct {
	native bool
	hide   bool
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	s := sched.New(clock)
	metrics := &logging.Metrics{}
	w := world.New(world.Config{NativeScale: opts.native})
	backend := memory.NewStore()
	store := NewStore(backend)
	h := &harness{t: t, clock: clock, sched: s, world: w, backend: backend, store: store, metrics: metrics}
	h.coord = NewCoordinator(w, s, store, Config{
		TransitionDuration:          DefaultTransitionDuration,
		HideCarriersAfterTransition: opts.hide,
		Metrics:                     telemetry.WrapMetrics(metrics),
		Publisher: logging.PublisherFunc(func(_ context.Context, event logging.Event) {
			h.events = append(h.events, event)
		}),
	})
	return h
}

// advance moves the clock forward and runs one scheduler tick.
func (h *harness) advance(d time.Duration) {
	h.clock.now = h.clock.now.Add(d)
	h.sched.Advance(h.clock.now)
	h.world.Flush()
}

// eventsOf returns the published events of one type.
func (h *harness) eventsOf(eventType logging.EventType) []logging.Event {
	var out []logging.Event
	for _, event := range h.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

func (h *harness) connect(id world.ConnectionID) *conntest.Conn {
	conn := conntest.New(id)
	h.world.Connect(conn)
	return conn
}

func (h *harness) spawnGlobal(params world.SpawnParams) *world.Entity {
	params.GlobalBroadcast = true
	if params.Prefab == "" {
		params.Prefab = "assets/prefabs/deployable/crate.prefab"
	}
	return h.world.SpawnEntity(params)
}
