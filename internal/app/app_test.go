package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"entity-scale/server/internal/config"
	"entity-scale/server/internal/geom"
	"entity-scale/server/internal/persist/memory"
	"entity-scale/server/internal/telemetry"
	"entity-scale/server/internal/world"
)

func testConfig(t *testing.T, driver string) Config {
	t.Helper()
	settings := config.Default()
	settings.Store.Driver = driver
	settings.Store.Path = filepath.Join(t.TempDir(), "scale.db")
	settings.Loop.TickRate = 100
	settings.Logging.Sinks = []string{"memory"}
	settings.Observability.MetricsNamespace = "app_test"
	return Config{
		Logger:   telemetry.WrapLogger(log.New(io.Discard, "", 0)),
		Settings: settings,
	}
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestScaleSurvivesRestart(t *testing.T) {
	cfg := testConfig(t, config.DriverSQLite)

	first, err := build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	first.start()
	srv := httptest.NewServer(first.handler)

	resp := post(t, srv.URL+"/entities", map[string]any{"prefab": "crate.prefab", "pos": []float64{4, 0, 4}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("spawn status %d", resp.StatusCode)
	}
	var created struct {
		ID uint64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode spawn: %v", err)
	}
	resp.Body.Close()

	resp = post(t, srv.URL+"/entities/"+strconv.FormatUint(created.ID, 10)+"/scale", map[string]any{"uniform": 2.0})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scale status %d", resp.StatusCode)
	}
	resp.Body.Close()
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := first.shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	second, err := build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	defer second.shutdown(ctx)

	entity, ok := second.world.Entity(world.EntityID(created.ID))
	if !ok {
		t.Fatalf("expected entity %d to be restored", created.ID)
	}
	if got := second.coord.GetScale(entity); got != (geom.Vec3{X: 2, Y: 2, Z: 2}) {
		t.Fatalf("expected restored scale 2, got %+v", got)
	}
	if second.coord.Carriers().CarrierOf(entity) == nil {
		t.Fatalf("expected restored entity to keep its carrier")
	}
}

func TestBuildRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t, "etcd")
	if _, err := build(context.Background(), cfg); err == nil {
		t.Fatalf("expected unknown driver to fail")
	}
}

func TestWorldRoundTripThroughBackend(t *testing.T) {
	backend := memory.NewStore()
	ctx := context.Background()

	empty := world.New(world.Config{})
	if n, err := loadWorld(ctx, backend, empty); err != nil || n != 0 {
		t.Fatalf("expected empty load, got %d %v", n, err)
	}

	source := world.New(world.Config{})
	parent := source.SpawnEntity(world.SpawnParams{Prefab: "table.prefab", Pos: geom.Vec3{X: 1}, EnableSaving: true})
	source.SpawnEntity(world.SpawnParams{Prefab: "cup.prefab", Parent: parent, Pos: geom.Vec3{Y: 1}, EnableSaving: true})
	if err := saveWorld(ctx, backend, source); err != nil {
		t.Fatalf("save: %v", err)
	}

	target := world.New(world.Config{})
	n, err := loadWorld(ctx, backend, target)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 restored entities, got %d", n)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t, config.DriverMemory)
	cfg.Settings.Server.Addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}
