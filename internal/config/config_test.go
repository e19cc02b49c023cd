package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"entity-scale/server/internal/telemetry"
)

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
scale:
  transitionDuration: 3s
  hideCarriersAfterTransition: false
store:
  driver: SQLite
  path: /tmp/scale.db
world:
  nativeScale: true
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg = cfg.Normalized()
	if cfg.Scale.TransitionDuration != 3*time.Second {
		t.Fatalf("unexpected transition duration %v", cfg.Scale.TransitionDuration)
	}
	if cfg.Scale.HideCarriersAfterTransition {
		t.Fatalf("expected hide toggle to be disabled")
	}
	if cfg.Store.Driver != DriverSQLite || cfg.Store.Path != "/tmp/scale.db" {
		t.Fatalf("unexpected store config %+v", cfg.Store)
	}
	if !cfg.World.NativeScale {
		t.Fatalf("expected native scale")
	}
	if cfg.Loop.TickRate != 15 || cfg.Server.Addr != ":8080" {
		t.Fatalf("defaults should survive: %+v %+v", cfg.Loop, cfg.Server)
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	if _, err := Parse([]byte("scale: [")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scale.TransitionDuration != 7*time.Second {
		t.Fatalf("expected defaults, got %+v", cfg.Scale)
	}
}

func TestLoadFileReadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scale.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: \":9000\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
}

func TestApplyEnvOverridesAndIgnoresInvalid(t *testing.T) {
	env := map[string]string{
		"SCALE_TRANSITION_SECONDS": "2.5",
		"SCALE_STORE_DRIVER":       "postgres",
		"SCALE_POSTGRES_DSN":       "postgres://scale@localhost/scale",
		"SCALE_TICK_RATE":          "fast",
		"SCALE_LOG_SINKS":          "console, json",
		"ENABLE_PPROF_TRACE":       "true",
	}
	var logged []string
	logger := telemetry.LoggerFunc(func(format string, args ...any) {
		logged = append(logged, format)
	})
	cfg := ApplyEnv(Default(), func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	}, logger).Normalized()

	if cfg.Scale.TransitionDuration != 2500*time.Millisecond {
		t.Fatalf("unexpected transition %v", cfg.Scale.TransitionDuration)
	}
	if cfg.Store.Driver != DriverPostgres || cfg.Store.DSN == "" {
		t.Fatalf("unexpected store %+v", cfg.Store)
	}
	if cfg.Loop.TickRate != 15 {
		t.Fatalf("invalid tick rate should be ignored, got %d", cfg.Loop.TickRate)
	}
	if len(logged) != 1 || !strings.Contains(logged[0], "invalid") {
		t.Fatalf("expected one invalid value to be logged, got %v", logged)
	}
	if strings.Join(cfg.Logging.Sinks, ",") != "console,json" {
		t.Fatalf("unexpected sinks %v", cfg.Logging.Sinks)
	}
	if !cfg.Observability.EnablePprofTrace {
		t.Fatalf("expected pprof trace enabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "defaults", mutate: func(*Config) {}, ok: true},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "etcd" }},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Driver = DriverPostgres }},
		{name: "s3 without bucket", mutate: func(c *Config) { c.Store.Driver = DriverS3 }},
		{name: "s3 with bucket", mutate: func(c *Config) {
			c.Store.Driver = DriverS3
			c.Store.S3.Bucket = "saves"
		}, ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Normalized().Validate()
			if tt.ok && err != nil {
				t.Fatalf("expected valid config, got %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
