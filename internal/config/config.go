// Package config loads the server configuration from an optional YAML file
// and applies environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"entity-scale/server/internal/telemetry"
)

const (
	DriverMemory   = "memory"
	DriverDataFile = "datafile"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverS3       = "s3"
)

// Config is the whole server configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Loop          LoopConfig          `yaml:"loop" json:"loop"`
	World         WorldConfig         `yaml:"world" json:"world"`
	Scale         ScaleConfig         `yaml:"scale" json:"scale"`
	Store         StoreConfig         `yaml:"store" json:"store"`
	Notify        NotifyConfig        `yaml:"notify" json:"notify"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr" json:"addr" jsonschema:"description=HTTP listen address"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout" json:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
}

type LoopConfig struct {
	TickRate        int `yaml:"tickRate" json:"tickRate" jsonschema:"minimum=1"`
	CatchupMaxTicks int `yaml:"catchupMaxTicks" json:"catchupMaxTicks"`
	CommandCapacity int `yaml:"commandCapacity" json:"commandCapacity" jsonschema:"minimum=1"`
	PerSourceLimit  int `yaml:"perSourceLimit" json:"perSourceLimit"`
	WarningStep     int `yaml:"warningStep" json:"warningStep"`
}

type WorldConfig struct {
	// NativeScale makes snapshots carry the scale field, so no carriers are needed.
	NativeScale   bool    `yaml:"nativeScale" json:"nativeScale"`
	GroupCellSize float64 `yaml:"groupCellSize" json:"groupCellSize"`
}

type ScaleConfig struct {
	TransitionDuration          time.Duration `yaml:"transitionDuration" json:"transitionDuration"`
	HideCarriersAfterTransition bool          `yaml:"hideCarriersAfterTransition" json:"hideCarriersAfterTransition"`
}

type StoreConfig struct {
	Driver       string        `yaml:"driver" json:"driver" jsonschema:"enum=memory,enum=datafile,enum=sqlite,enum=postgres,enum=s3"`
	SaveInterval time.Duration `yaml:"saveInterval" json:"saveInterval"`
	// AppName names the data directory used by the datafile driver.
	AppName string   `yaml:"appName" json:"appName"`
	Path    string   `yaml:"path" json:"path"`
	DSN     string   `yaml:"dsn" json:"dsn"`
	S3      S3Config `yaml:"s3" json:"s3"`
}

type S3Config struct {
	Region    string `yaml:"region" json:"region"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	Prefix    string `yaml:"prefix" json:"prefix"`
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	PathStyle bool   `yaml:"pathStyle" json:"pathStyle"`
}

type NotifyConfig struct {
	AMQPURL    string `yaml:"amqpURL" json:"amqpURL"`
	Exchange   string `yaml:"exchange" json:"exchange"`
	RoutingKey string `yaml:"routingKey" json:"routingKey"`
}

type LoggingConfig struct {
	Sinks      []string `yaml:"sinks" json:"sinks"`
	BufferSize int      `yaml:"bufferSize" json:"bufferSize"`
	JSONPath   string   `yaml:"jsonPath" json:"jsonPath"`
}

type ObservabilityConfig struct {
	EnablePprofTrace bool `yaml:"enablePprofTrace" json:"enablePprofTrace"`
	// MetricsNamespace prefixes every Prometheus metric.
	MetricsNamespace string `yaml:"metricsNamespace" json:"metricsNamespace"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Loop: LoopConfig{
			TickRate:        15,
			CatchupMaxTicks: 3,
			CommandCapacity: 1024,
			PerSourceLimit:  64,
			WarningStep:     256,
		},
		World: WorldConfig{GroupCellSize: 150},
		Scale: ScaleConfig{
			TransitionDuration:          7 * time.Second,
			HideCarriersAfterTransition: true,
		},
		Store: StoreConfig{
			Driver:       DriverMemory,
			SaveInterval: 5 * time.Minute,
			AppName:      "entity-scale",
			Path:         "entity-scale.db",
			S3:           S3Config{Prefix: "saves"},
		},
		Notify: NotifyConfig{
			Exchange:   "entity-scale",
			RoutingKey: "entity.scaled",
		},
		Logging: LoggingConfig{
			Sinks:      []string{"console"},
			BufferSize: 512,
		},
		Observability: ObservabilityConfig{MetricsNamespace: "entity_scale"},
	}
}

// Normalized fills zero values from Default and lowercases the driver.
func (c Config) Normalized() Config {
	d := Default()
	n := c
	if n.Server.Addr == "" {
		n.Server.Addr = d.Server.Addr
	}
	if n.Server.ReadHeaderTimeout <= 0 {
		n.Server.ReadHeaderTimeout = d.Server.ReadHeaderTimeout
	}
	if n.Server.ShutdownTimeout <= 0 {
		n.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if n.Loop.TickRate <= 0 {
		n.Loop.TickRate = d.Loop.TickRate
	}
	if n.Loop.CommandCapacity <= 0 {
		n.Loop.CommandCapacity = d.Loop.CommandCapacity
	}
	if n.World.GroupCellSize <= 0 {
		n.World.GroupCellSize = d.World.GroupCellSize
	}
	if n.Scale.TransitionDuration <= 0 {
		n.Scale.TransitionDuration = d.Scale.TransitionDuration
	}
	n.Store.Driver = strings.ToLower(strings.TrimSpace(n.Store.Driver))
	if n.Store.Driver == "" {
		n.Store.Driver = d.Store.Driver
	}
	if n.Store.SaveInterval <= 0 {
		n.Store.SaveInterval = d.Store.SaveInterval
	}
	if n.Store.AppName == "" {
		n.Store.AppName = d.Store.AppName
	}
	if n.Store.Path == "" {
		n.Store.Path = d.Store.Path
	}
	if n.Notify.Exchange == "" {
		n.Notify.Exchange = d.Notify.Exchange
	}
	if n.Notify.RoutingKey == "" {
		n.Notify.RoutingKey = d.Notify.RoutingKey
	}
	if len(n.Logging.Sinks) == 0 {
		n.Logging.Sinks = append([]string(nil), d.Logging.Sinks...)
	}
	if n.Logging.BufferSize <= 0 {
		n.Logging.BufferSize = d.Logging.BufferSize
	}
	if n.Observability.MetricsNamespace == "" {
		n.Observability.MetricsNamespace = d.Observability.MetricsNamespace
	}
	return n
}

// Validate reports settings the server cannot start with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverDataFile, DriverSQLite:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	case DriverS3:
		if c.Store.S3.Bucket == "" {
			return errors.New("store.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	return nil
}

// Parse decodes a YAML document over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadFile reads path over the defaults. A missing file yields the defaults.
func LoadFile(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Load reads the file named by SCALE_CONFIG, applies environment overrides
// and normalizes the result.
func Load(logger telemetry.Logger) (Config, error) {
	cfg, err := LoadFile(os.Getenv("SCALE_CONFIG"))
	if err != nil {
		return Config{}, err
	}
	cfg = ApplyEnv(cfg, os.LookupEnv, logger).Normalized()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from the environment. Invalid values are logged
// and ignored.
func ApplyEnv(cfg Config, lookup func(string) (string, bool), logger telemetry.Logger) Config {
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	str := func(key string, dst *string) {
		if raw, ok := lookup(key); ok && raw != "" {
			*dst = raw
		}
	}
	integer := func(key string, dst *int) {
		raw, ok := lookup(key)
		if !ok || raw == "" {
			return
		}
		if value, err := strconv.Atoi(raw); err == nil {
			*dst = value
		} else {
			logger.Printf("invalid %s=%q: %v", key, raw, err)
		}
	}
	boolean := func(key string, dst *bool) {
		raw, ok := lookup(key)
		if !ok || raw == "" {
			return
		}
		if value, err := strconv.ParseBool(raw); err == nil {
			*dst = value
		} else {
			logger.Printf("invalid %s=%q: %v", key, raw, err)
		}
	}
	duration := func(key string, dst *time.Duration) {
		raw, ok := lookup(key)
		if !ok || raw == "" {
			return
		}
		if value, err := time.ParseDuration(raw); err == nil {
			*dst = value
		} else {
			logger.Printf("invalid %s=%q: %v", key, raw, err)
		}
	}

	str("SCALE_ADDR", &cfg.Server.Addr)
	integer("SCALE_TICK_RATE", &cfg.Loop.TickRate)
	boolean("SCALE_NATIVE", &cfg.World.NativeScale)
	boolean("SCALE_HIDE_CARRIERS", &cfg.Scale.HideCarriersAfterTransition)
	if raw, ok := lookup("SCALE_TRANSITION_SECONDS"); ok && raw != "" {
		if value, err := strconv.ParseFloat(raw, 64); err == nil && value > 0 {
			cfg.Scale.TransitionDuration = time.Duration(value * float64(time.Second))
		} else {
			logger.Printf("invalid SCALE_TRANSITION_SECONDS=%q", raw)
		}
	}
	str("SCALE_STORE_DRIVER", &cfg.Store.Driver)
	duration("SCALE_SAVE_INTERVAL", &cfg.Store.SaveInterval)
	str("SCALE_STORE_PATH", &cfg.Store.Path)
	str("SCALE_POSTGRES_DSN", &cfg.Store.DSN)
	str("SCALE_S3_BUCKET", &cfg.Store.S3.Bucket)
	str("SCALE_S3_REGION", &cfg.Store.S3.Region)
	str("SCALE_S3_ENDPOINT", &cfg.Store.S3.Endpoint)
	str("SCALE_AMQP_URL", &cfg.Notify.AMQPURL)
	if raw, ok := lookup("SCALE_LOG_SINKS"); ok && raw != "" {
		var sinks []string
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				sinks = append(sinks, name)
			}
		}
		cfg.Logging.Sinks = sinks
	}
	str("SCALE_LOG_JSON_PATH", &cfg.Logging.JSONPath)
	boolean("ENABLE_PPROF_TRACE", &cfg.Observability.EnablePprofTrace)
	return cfg
}
