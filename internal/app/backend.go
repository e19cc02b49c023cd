package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"entity-scale/server/internal/config"
	"entity-scale/server/internal/persist"
	"entity-scale/server/internal/persist/datafile"
	"entity-scale/server/internal/persist/memory"
	"entity-scale/server/internal/persist/postgres"
	"entity-scale/server/internal/persist/s3"
	"entity-scale/server/internal/persist/sqlite"
	"entity-scale/server/internal/world"
)

// worldKey is the backend key of the host world save.
const worldKey = "world"

func openBackend(ctx context.Context, cfg config.StoreConfig) (persist.Backend, error) {
	switch cfg.Driver {
	case "", config.DriverMemory:
		return memory.NewStore(), nil
	case config.DriverDataFile:
		return datafile.NewStore(cfg.AppName)
	case config.DriverSQLite:
		return sqlite.NewStore(cfg.Path)
	case config.DriverPostgres:
		return postgres.NewStore(ctx, cfg.DSN)
	case config.DriverS3:
		return s3.New(ctx, s3.Config{
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			Endpoint:  cfg.S3.Endpoint,
			PathStyle: cfg.S3.PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// loadWorld restores the host entity graph. A backend without a world save
// leaves the world empty.
func loadWorld(ctx context.Context, backend persist.Backend, w *world.World) (int, error) {
	data, err := backend.Load(ctx, worldKey)
	if errors.Is(err, persist.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load world: %w", err)
	}
	var states []world.EntityState
	if err := json.Unmarshal(data, &states); err != nil {
		return 0, fmt.Errorf("decode world: %w", err)
	}
	return w.Import(states), nil
}

func saveWorld(ctx context.Context, backend persist.Backend, w *world.World) error {
	data, err := json.Marshal(w.Export())
	if err != nil {
		return fmt.Errorf("encode world: %w", err)
	}
	if err := backend.Save(ctx, worldKey, data); err != nil {
		return fmt.Errorf("save world: %w", err)
	}
	return nil
}
