// Package datafile persists documents in the per-user application data
// directory managed by gdata, the way a game keeps its save files.
package datafile

import (
	"context"
	"fmt"
	"strings"

	"github.com/quasilyte/gdata/v2"

	"entity-scale/server/internal/persist"
)

const (
	defaultAppName = "entity_scale"
	objectName     = "data"
)

type Store struct {
	manager *gdata.Manager
}

var _ persist.Backend = (*Store)(nil)

// NewStore opens the data directory of appName.
func NewStore(appName string) (*Store, error) {
	appName = strings.TrimSpace(appName)
	if appName == "" {
		appName = defaultAppName
	}
	manager, err := gdata.Open(gdata.Config{AppName: appName})
	if err != nil {
		return nil, fmt.Errorf("open data dir %s: %w", appName, err)
	}
	return &Store{manager: manager}, nil
}

func (s *Store) Load(_ context.Context, key string) ([]byte, error) {
	if !s.manager.ObjectPropExists(objectName, key) {
		return nil, persist.ErrNotFound
	}
	data, err := s.manager.LoadObjectProp(objectName, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) Save(_ context.Context, key string, data []byte) error {
	if err := s.manager.SaveObjectProp(objectName, key, data); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

func (s *Store) Close() error { return nil }
