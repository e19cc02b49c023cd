// Package memory is an in-process persist.Backend used by tests and by
// deployments that do not need scale records to survive a restart.
package memory

import (
	"context"
	"sync"

	"entity-scale/server/internal/persist"
)

type Store struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

var _ persist.Backend = (*Store)(nil)

func NewStore() *Store {
	return &Store{docs: make(map[string][]byte)}
}

func (s *Store) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.docs[key]
	if !ok {
		return nil, persist.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *Store) Save(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[key] = append([]byte(nil), data...)
	return nil
}

// Keys lists stored keys in no particular order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.docs))
	for k := range s.docs {
		keys = append(keys, k)
	}
	return keys
}

func (s *Store) Close() error { return nil }
