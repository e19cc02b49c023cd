package world

import "entity-scale/server/internal/telemetry"

const DefaultGroupCellSize = 150.0

type Config struct {
	// NativeScale enables the scale field in entity snapshots.
	NativeScale bool `json:"nativeScale"`
	// GroupCellSize is the edge length of the grid cells that map
	// positions to network groups.
	GroupCellSize float64 `json:"groupCellSize"`

	Logger  telemetry.Logger  `json:"-"`
	Metrics telemetry.Metrics `json:"-"`
}

func (cfg Config) normalized() Config {
	normalized := cfg
	if normalized.GroupCellSize <= 0 {
		normalized.GroupCellSize = DefaultGroupCellSize
	}
	return normalized
}

func (cfg Config) Normalized() Config {
	return cfg.normalized()
}
