// Package scale keeps a per-entity scale in sync across observers whose
// snapshots may lack a scale field. Without native support an entity is
// parented under a scaled carrier; once an observer has had time to
// render the carrier's effect it is switched to snapshots rewritten to hide
// the carrier, and the carrier is dropped from its view.
//
// Everything in this package runs on the loop goroutine.
package scale

import (
	"errors"
	"time"
)

// ErrEntityNotFound is returned when an entity id does not resolve to a
// live entity.
var ErrEntityNotFound = errors.New("scale: entity not found")

// DefaultTransitionDuration approximates how long an observer needs to
// render a carrier resize.
const DefaultTransitionDuration = 7 * time.Second

// Scheduler runs one-shot callbacks on the loop goroutine.
type Scheduler interface {
	After(d time.Duration, fn func())
	NextTick(fn func())
	Tick() uint64
}
