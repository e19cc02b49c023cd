// Package persist defines the key/value blob contract the scale store and
// the world save are written through. Backends live in subpackages.
package persist

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when nothing was saved under the key.
var ErrNotFound = errors.New("persist: not found")

// Backend stores opaque documents by key.
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Close() error
}
